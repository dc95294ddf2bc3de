// Package logsource reads log records from a search backend in a stable,
// resumable order and normalizes them into flat Records.
//
// Every Source returns records sorted by (timestamp asc, id asc). A Cursor
// names the last row a caller has seen; passing it back in ScanRequest.After
// resumes strictly after that row.
package logsource

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

const DefaultBatchSize = 500

// DefaultKeywords selects which collections are scanned when none are configured.
var DefaultKeywords = []string{"core", "merchant", "transaction", "vendor"}

// Cursor is the (timestamp, id) position of a row in the scan order.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Record is a normalized log line that carries a duration and an application name.
type Record struct {
	Collection    string
	ID            string
	Timestamp     time.Time
	RawTimestamp  string
	AppName       string
	Message       string
	Level         string
	DurationMs    int64
	CorrelationID string
	Context       json.RawMessage
	Extra         json.RawMessage
}

// Ref is the physical reference of the record inside the backend.
func (r Record) Ref() string {
	return r.Collection + "/" + r.ID
}

func (r Record) HasTimestamp() bool {
	return !r.Timestamp.IsZero()
}

type ScanRequest struct {
	Collection string
	BatchSize  int
	After      *Cursor
	Since      time.Time
}

// Batch is one page of a scan. Fetched counts raw rows returned by the backend,
// including rows dropped during normalization. Next is nil when the last raw
// row had no usable timestamp, in which case pagination cannot continue.
type Batch struct {
	Records []Record
	Fetched int
	Next    *Cursor
}

// Source is a log backend that can be scanned collection by collection.
//
// Scan returns an empty batch together with a non-nil error when the backend
// fails; an empty batch with a nil error means the collection is exhausted.
type Source interface {
	Collections(ctx context.Context) ([]string, error)
	Scan(ctx context.Context, req ScanRequest) (Batch, error)
	Close() error
}

// RequestFromCheckpoint builds the first request of a collection scan. A zero
// lastTimestamp starts from the beginning of the collection.
func RequestFromCheckpoint(collection string, batchSize int, lastTimestamp time.Time, lastID string) ScanRequest {
	req := ScanRequest{Collection: collection, BatchSize: normalizeBatchSize(batchSize)}
	if lastTimestamp.IsZero() {
		return req
	}
	req.Since = lastTimestamp
	if lastID != "" {
		req.After = &Cursor{Timestamp: lastTimestamp, ID: lastID}
	}
	return req
}

// FilterCollections keeps names containing at least one keyword and sorts them.
// No keywords keeps every name.
func FilterCollections(names []string, keywords []string) []string {
	results := []string{}
	for _, name := range names {
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		if len(keywords) == 0 {
			results = append(results, name)
			continue
		}
		for _, keyword := range keywords {
			if keyword != "" && strings.Contains(name, keyword) {
				results = append(results, name)
				break
			}
		}
	}
	sort.Strings(results)
	return results
}

func normalizeBatchSize(size int) int {
	if size <= 0 {
		return DefaultBatchSize
	}
	return size
}
