package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"logwatch/internal/rules"
)

// MemoryStore is an in-process implementation of the Repository operations.
// It backs the package tests and the scanner and admin test harnesses.
type MemoryStore struct {
	mu           sync.RWMutex
	appRules     []rules.AppRule
	messageRules []rules.MessageRule
	checkpoints  map[string]Checkpoint
	rateLimits   map[RateLimitKey]RateLimitEntry
	audits       map[AuditKey]AuditEntry
	runs         []RunRecord
	leases       map[string]lease

	// Now is the clock used for lease expiry.
	Now func() time.Time
}

type lease struct {
	owner     string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: map[string]Checkpoint{},
		rateLimits:  map[RateLimitKey]RateLimitEntry{},
		audits:      map[AuditKey]AuditEntry{},
		leases:      map[string]lease{},
		Now:         time.Now,
	}
}

// SetRules replaces the rule snapshot served by the List methods.
func (m *MemoryStore) SetRules(apps []rules.AppRule, messages []rules.MessageRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appRules = append([]rules.AppRule(nil), apps...)
	m.messageRules = append([]rules.MessageRule(nil), messages...)
}

func (m *MemoryStore) ListActiveAppRules(context.Context) ([]rules.AppRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := []rules.AppRule{}
	for _, rule := range m.appRules {
		if rule.Active {
			results = append(results, rule)
		}
	}
	return results, nil
}

func (m *MemoryStore) ListActiveMessageRules(context.Context) ([]rules.MessageRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := []rules.MessageRule{}
	for _, rule := range m.messageRules {
		if rule.Active {
			results = append(results, rule)
		}
	}
	return results, nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, collection string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[collection]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (m *MemoryStore) AdvanceCheckpoint(_ context.Context, adv CheckpointAdvance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[adv.Collection]
	if !ok {
		cp = Checkpoint{Collection: adv.Collection, LastTimestamp: adv.Timestamp.UTC(), LastID: adv.ID}
	} else if cursorAfter(adv.Timestamp, adv.ID, cp.LastTimestamp, cp.LastID) {
		cp.LastTimestamp = adv.Timestamp.UTC()
		cp.LastID = adv.ID
	}
	cp.TotalScanned += int64(adv.Scanned)
	cp.TotalAlerted += int64(adv.Alerted)
	cp.LastRunAt = adv.RunAt.UTC()
	m.checkpoints[adv.Collection] = cp
	return nil
}

// cursorAfter orders checkpoint positions by timestamp, then by id.
func cursorAfter(ts time.Time, id string, lastTS time.Time, lastID string) bool {
	if !ts.Equal(lastTS) {
		return ts.After(lastTS)
	}
	return id > lastID
}

func (m *MemoryStore) ListCheckpoints(context.Context) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		results = append(results, cp)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Collection < results[j].Collection })
	return results, nil
}

func (m *MemoryStore) ResetCheckpoint(_ context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if collection == "" {
		n := int64(len(m.checkpoints))
		m.checkpoints = map[string]Checkpoint{}
		return n, nil
	}
	if _, ok := m.checkpoints[collection]; !ok {
		return 0, nil
	}
	delete(m.checkpoints, collection)
	return 1, nil
}

func (m *MemoryStore) GetRateLimit(_ context.Context, key RateLimitKey) (RateLimitEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.rateLimits[key]
	if !ok {
		return RateLimitEntry{}, ErrNotFound
	}
	return entry, nil
}

func (m *MemoryStore) UpsertRateLimit(_ context.Context, key RateLimitKey, sentAt, cooldownUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.rateLimits[key]
	entry.Key = key
	entry.LastSentAt = sentAt
	entry.CooldownUntil = cooldownUntil
	entry.AlertCount++
	m.rateLimits[key] = entry
	return nil
}

func (m *MemoryStore) HasSentAlert(_ context.Context, key AuditKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.audits[key]
	return ok && entry.Status == AuditSent, nil
}

func (m *MemoryStore) UpsertAudit(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.audits[entry.Key]; ok && existing.Status == AuditSent {
		return nil
	}
	entry.Channels = append([]string(nil), entry.Channels...)
	m.audits[entry.Key] = entry
	return nil
}

// Audits returns every audit row, ordered by rule and signature.
func (m *MemoryStore) Audits() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]AuditEntry, 0, len(m.audits))
	for _, entry := range m.audits {
		results = append(results, entry)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].Key, results[j].Key
		if a.RuleType != b.RuleType {
			return a.RuleType < b.RuleType
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.Signature != b.Signature {
			return a.Signature < b.Signature
		}
		return a.CorrelationID < b.CorrelationID
	})
	return results
}

func (m *MemoryStore) CreateRun(_ context.Context, jobName string, startedAt time.Time) (RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := RunRecord{ID: uuid.NewString(), JobName: jobName, Status: RunRunning, StartedAt: startedAt.UTC()}
	m.runs = append(m.runs, run)
	return run, nil
}

func (m *MemoryStore) FinishRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID && m.runs[i].Status == RunRunning {
			m.runs[i] = run
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ListRuns(_ context.Context, jobName string, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	results := []RunRecord{}
	for i := len(m.runs) - 1; i >= 0 && len(results) < limit; i-- {
		if m.runs[i].JobName == jobName {
			results = append(results, m.runs[i])
		}
	}
	return results, nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, jobName, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if held, ok := m.leases[jobName]; ok && held.owner != owner && now.Before(held.expiresAt) {
		return false, nil
	}
	m.leases[jobName] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, jobName, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[jobName]; ok && held.owner == owner {
		delete(m.leases, jobName)
	}
	return nil
}
