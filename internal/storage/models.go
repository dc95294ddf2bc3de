package storage

import "time"

// Checkpoint is the scan position of one collection.
type Checkpoint struct {
	Collection    string    `json:"collection"`
	LastTimestamp time.Time `json:"last_timestamp"`
	LastID        string    `json:"last_id"`
	TotalScanned  int64     `json:"total_scanned"`
	TotalAlerted  int64     `json:"total_alerted"`
	LastRunAt     time.Time `json:"last_run_at"`
}

// CheckpointAdvance moves a checkpoint forward after a processed batch.
// Scanned and Alerted are added to the running totals.
type CheckpointAdvance struct {
	Collection string
	Timestamp  time.Time
	ID         string
	Scanned    int
	Alerted    int
	RunAt      time.Time
}

type RateLimitKey struct {
	RuleType  string
	RuleID    int64
	AppName   string
	Signature string
}

type RateLimitEntry struct {
	Key           RateLimitKey
	LastSentAt    time.Time
	CooldownUntil time.Time
	AlertCount    int64
}

type AuditStatus string

const (
	AuditSent   AuditStatus = "sent"
	AuditFailed AuditStatus = "failed"
)

// AuditKey identifies one logical alert event.
type AuditKey struct {
	RuleType      string
	RuleID        int64
	Signature     string
	CorrelationID string
}

type AuditEntry struct {
	Key         AuditKey
	Collection  string
	RecordID    string
	AppName     string
	Message     string
	DurationMs  int64
	ThresholdMs int64
	OverageMs   int64
	Channels    []string
	Status      AuditStatus
	SentAt      time.Time
}

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

type RunRecord struct {
	ID                 string    `json:"id"`
	JobName            string    `json:"job_name"`
	Status             RunStatus `json:"status"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	CollectionsScanned int       `json:"collections_scanned"`
	CollectionsFailed  int       `json:"collections_failed"`
	LogsProcessed      int64     `json:"logs_processed"`
	ViolationsFound    int64     `json:"violations_found"`
	AlertsSent         int64     `json:"alerts_sent"`
	ElapsedMs          int64     `json:"elapsed_ms"`
	MemoryMB           float64   `json:"memory_mb"`
	ErrorMessage       string    `json:"error_message,omitempty"`
}
