package scanner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logwatch/internal/alert"
	"logwatch/internal/bus"
	"logwatch/internal/limiter"
	"logwatch/internal/logsource"
	"logwatch/internal/rules"
	"logwatch/internal/storage"
)

var base = time.Date(2025, 10, 13, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	data    map[string][]logsource.Record
	failing map[string]error
	listErr error
	scans   []logsource.ScanRequest
}

func newFakeSource() *fakeSource {
	return &fakeSource{data: map[string][]logsource.Record{}, failing: map[string]error{}}
}

func (f *fakeSource) add(collection string, records ...logsource.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		r.Collection = collection
		f.data[collection] = append(f.data[collection], r)
	}
	list := f.data[collection]
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].Timestamp.Before(list[j].Timestamp)
		}
		return list[i].ID < list[j].ID
	})
}

func (f *fakeSource) Collections(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := []string{}
	for name := range f.data {
		names = append(names, name)
	}
	for name := range f.failing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeSource) Scan(ctx context.Context, req logsource.ScanRequest) (logsource.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, req)
	if err := f.failing[req.Collection]; err != nil {
		return logsource.Batch{}, err
	}
	page := []logsource.Record{}
	for _, r := range f.data[req.Collection] {
		if !req.Since.IsZero() && r.Timestamp.Before(req.Since) {
			continue
		}
		if req.After != nil {
			if r.Timestamp.Before(req.After.Timestamp) {
				continue
			}
			if r.Timestamp.Equal(req.After.Timestamp) && r.ID <= req.After.ID {
				continue
			}
		}
		page = append(page, r)
		if len(page) == req.BatchSize {
			break
		}
	}
	batch := logsource.Batch{Records: page, Fetched: len(page)}
	if len(page) > 0 {
		last := page[len(page)-1]
		if last.HasTimestamp() {
			batch.Next = &logsource.Cursor{Timestamp: last.Timestamp, ID: last.ID}
		}
	}
	return batch, nil
}

func (f *fakeSource) Close() error { return nil }

type recordingChannel struct {
	mu   sync.Mutex
	sent []string
}

func (c *recordingChannel) Send(_ context.Context, address string, msg alert.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, address+"|"+msg.Violation.Record.ID)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) Publish(subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

type harness struct {
	store     *storage.MemoryStore
	source    *fakeSource
	channel   *recordingChannel
	publisher *capturePublisher
	orch      *Orchestrator
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	store.SetRules([]rules.AppRule{{
		ID: 1, AppName: "core", MaxDurationMs: 1000, Active: true, CooldownMinutes: 5, Channels: []string{"telegram"},
	}}, nil)
	source := newFakeSource()
	channel := &recordingChannel{}
	publisher := &capturePublisher{}
	dispatcher := alert.NewDispatcher(alert.Config{Legacy: alert.LegacyConfig{TelegramChatID: "100"}},
		map[string]alert.Channel{alert.ChannelTelegram: channel}, store, zerolog.Nop())
	orch := New(Config{BatchSize: batchSize}, Deps{
		Source:     source,
		Store:      store,
		Rules:      rules.NewProvider(store),
		Guard:      limiter.NewGuard(store),
		Dispatcher: dispatcher,
		Publisher:  publisher,
		Logger:     zerolog.Nop(),
	})
	return &harness{store: store, source: source, channel: channel, publisher: publisher, orch: orch}
}

func logRecord(id string, offset time.Duration, app, message string, duration int64, correlation string) logsource.Record {
	return logsource.Record{
		ID:            id,
		Timestamp:     base.Add(offset),
		AppName:       app,
		Message:       message,
		DurationMs:    duration,
		CorrelationID: correlation,
	}
}

func TestRunAlertsOnceAcrossRuns(t *testing.T) {
	h := newHarness(t, 10)
	h.source.add("core-logs", logRecord("001", 0, "core", "x", 1500, "c-1"))
	ctx := context.Background()

	summary, err := h.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSuccess, summary.Status)
	assert.Equal(t, int64(1), summary.LogsProcessed)
	assert.Equal(t, int64(1), summary.ViolationsFound)
	assert.Equal(t, int64(1), summary.AlertsSent)

	audits := h.store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, storage.AuditSent, audits[0].Status)
	assert.Equal(t, int64(500), audits[0].OverageMs)

	summary, err = h.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.LogsProcessed, "checkpoint skips the seen record")

	_, err = h.store.ResetCheckpoint(ctx, "core-logs")
	require.NoError(t, err)
	summary, err = h.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.ViolationsFound)
	assert.Equal(t, int64(0), summary.AlertsSent, "re-scanned event is already alerted")

	assert.Len(t, h.store.Audits(), 1)
	assert.Equal(t, 1, h.channel.count())
}

func TestRunResumesAcrossTimestampTies(t *testing.T) {
	h := newHarness(t, 2)
	h.source.add("core-logs",
		logRecord("001", 0, "core", "a", 10, ""),
		logRecord("002", time.Second, "core", "b", 10, ""),
		logRecord("003", time.Second, "core", "c", 10, ""),
		logRecord("004", time.Second, "core", "d", 10, ""),
		logRecord("005", 2*time.Second, "core", "e", 10, ""),
	)
	ctx := context.Background()

	summary, err := h.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), summary.LogsProcessed)

	cp, err := h.store.GetCheckpoint(ctx, "core-logs")
	require.NoError(t, err)
	assert.Equal(t, "005", cp.LastID)
	assert.Equal(t, base.Add(2*time.Second), cp.LastTimestamp)
	assert.Equal(t, int64(5), cp.TotalScanned)

	h.source.add("core-logs",
		logRecord("006", 2*time.Second, "core", "f", 10, ""),
		logRecord("007", 3*time.Second, "core", "g", 10, ""),
	)
	summary, err = h.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.LogsProcessed, "only records after the checkpoint are processed")

	cp, err = h.store.GetCheckpoint(ctx, "core-logs")
	require.NoError(t, err)
	assert.Equal(t, "007", cp.LastID)
	assert.Equal(t, int64(7), cp.TotalScanned)
}

func TestRunCooldownSuppressesRepeats(t *testing.T) {
	h := newHarness(t, 10)
	h.source.add("core-logs",
		logRecord("001", 0, "core", "x", 1500, "c-1"),
		logRecord("002", time.Second, "core", "x", 1700, "c-2"),
		logRecord("003", 2*time.Second, "core", "other", 1700, "c-3"),
	)

	summary, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.ViolationsFound)
	assert.Equal(t, int64(2), summary.AlertsSent)
	assert.Len(t, h.store.Audits(), 2, "suppressed violation leaves no audit row")

	cp, err := h.store.GetCheckpoint(context.Background(), "core-logs")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.TotalAlerted)
}

func TestRunIsolatesCollectionFailure(t *testing.T) {
	h := newHarness(t, 10)
	h.source.failing["a-core-logs"] = errors.New("index closed")
	h.source.add("b-core-logs", logRecord("001", 0, "core", "x", 1500, "c-1"))

	summary, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.RunSuccess, summary.Status)
	assert.Equal(t, 2, summary.CollectionsScanned)
	assert.Equal(t, 1, summary.CollectionsFailed)
	assert.Equal(t, int64(1), summary.AlertsSent)

	_, err = h.store.GetCheckpoint(context.Background(), "a-core-logs")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunSkipsWhenLeaseHeld(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	ok, err := h.store.AcquireLease(ctx, DefaultJobName, "other-node", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.orch.Run(ctx)
	assert.ErrorIs(t, err, ErrRunInProgress)

	runs, err := h.store.ListRuns(ctx, DefaultJobName, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunReleasesLease(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	_, err := h.orch.Run(ctx)
	require.NoError(t, err)

	ok, err := h.store.AcquireLease(ctx, DefaultJobName, "other-node", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunMissingTimestampKeepsCheckpoint(t *testing.T) {
	h := newHarness(t, 10)
	undated := logRecord("001", 0, "core", "x", 1500, "c-1")
	undated.Timestamp = time.Time{}
	h.source.add("core-logs", undated)

	summary, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.AlertsSent, "violations are still dispatched")

	_, err = h.store.GetCheckpoint(context.Background(), "core-logs")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunCancelledIsFinalizedFailed(t *testing.T) {
	h := newHarness(t, 10)
	h.source.add("core-logs", logRecord("001", 0, "core", "x", 1500, "c-1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.orch.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, storage.RunFailed, summary.Status)
	assert.Contains(t, summary.ErrorMessage, "cancelled")

	runs, err := h.store.ListRuns(context.Background(), DefaultJobName, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.RunFailed, runs[0].Status)
}

func TestRunFailsWhenCollectionsUnavailable(t *testing.T) {
	h := newHarness(t, 10)
	h.source.listErr = errors.New("cluster unreachable")

	summary, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, storage.RunFailed, summary.Status)
	assert.Contains(t, summary.ErrorMessage, "cluster unreachable")
}

type switchingProvider struct {
	sets  []*rules.Set
	calls int
}

func (p *switchingProvider) Snapshot(context.Context) (*rules.Set, error) {
	set := p.sets[min(p.calls, len(p.sets)-1)]
	p.calls++
	return set, nil
}

func TestRunRefreshesRulesEveryBatch(t *testing.T) {
	h := newHarness(t, 1)
	strict, err := rules.NewSet([]rules.AppRule{{ID: 1, AppName: "core", MaxDurationMs: 1000, Active: true, Channels: []string{"telegram"}}}, nil)
	require.NoError(t, err)
	relaxed, err := rules.NewSet([]rules.AppRule{{ID: 1, AppName: "core", MaxDurationMs: 5000, Active: true, Channels: []string{"telegram"}}}, nil)
	require.NoError(t, err)
	provider := &switchingProvider{sets: []*rules.Set{strict, relaxed}}
	h.orch.rules = provider

	h.source.add("core-logs",
		logRecord("001", 0, "core", "a", 1500, "c-1"),
		logRecord("002", time.Second, "core", "b", 1500, "c-2"),
	)

	summary, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.AlertsSent)
	assert.GreaterOrEqual(t, provider.calls, 2)
}

func TestRunPublishesEvents(t *testing.T) {
	h := newHarness(t, 10)
	h.source.add("core-logs", logRecord("001", 0, "core", "x", 1500, "c-1"))

	_, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{bus.SubjectAlertSent, bus.SubjectRunFinished}, h.publisher.subjects)
}

type brokenGuard struct{}

func (brokenGuard) Check(context.Context, rules.Violation) (limiter.Decision, error) {
	return limiter.Allow, errors.New("rate limit table locked")
}

func (brokenGuard) Record(context.Context, rules.Violation) error { return nil }

func TestRunGuardFailureStopsCollectionWithoutAdvancing(t *testing.T) {
	h := newHarness(t, 10)
	h.orch.guard = brokenGuard{}
	h.source.add("core-logs", logRecord("001", 0, "core", "x", 1500, "c-1"))

	summary, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CollectionsFailed)
	assert.Equal(t, 0, h.channel.count())

	_, err = h.store.GetCheckpoint(context.Background(), "core-logs")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// steppingSource moves the store clock forward on every scan.
type steppingSource struct {
	*fakeSource
	step   time.Duration
	clock  time.Time
	scans  int
	onScan func(scan int)
}

func (s *steppingSource) Scan(ctx context.Context, req logsource.ScanRequest) (logsource.Batch, error) {
	s.scans++
	if s.onScan != nil {
		s.onScan(s.scans)
	}
	batch, err := s.fakeSource.Scan(ctx, req)
	s.clock = s.clock.Add(s.step)
	return batch, err
}

func newSteppingHarness(t *testing.T) (*harness, *steppingSource) {
	t.Helper()
	h := newHarness(t, 1)
	src := &steppingSource{fakeSource: h.source, step: 10 * time.Minute, clock: base}
	h.store.Now = func() time.Time { return src.clock }
	h.orch.source = src
	for i, id := range []string{"001", "002", "003", "004", "005"} {
		h.source.add("core-logs", logRecord(id, time.Duration(i)*time.Second, "core", "x", 10, ""))
	}
	return h, src
}

func TestRunExtendsLeaseEveryBatch(t *testing.T) {
	h, src := newSteppingHarness(t)
	var stolen []bool
	src.onScan = func(int) {
		ok, err := h.store.AcquireLease(context.Background(), DefaultJobName, "second-run", DefaultLeaseTTL)
		require.NoError(t, err)
		stolen = append(stolen, ok)
	}

	summary, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.RunSuccess, summary.Status)
	assert.Equal(t, int64(5), summary.LogsProcessed)
	require.NotEmpty(t, stolen)
	for i, ok := range stolen {
		assert.False(t, ok, "second owner took the lease before scan %d", i+1)
	}
}

func TestRunStopsWhenLeaseLost(t *testing.T) {
	h, src := newSteppingHarness(t)
	src.onScan = func(scan int) {
		if scan != 2 {
			return
		}
		src.clock = src.clock.Add(DefaultLeaseTTL)
		ok, err := h.store.AcquireLease(context.Background(), DefaultJobName, "second-run", DefaultLeaseTTL)
		require.NoError(t, err)
		require.True(t, ok)
	}

	summary, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.Equal(t, storage.RunFailed, summary.Status)
	assert.Contains(t, summary.ErrorMessage, "lease lost")
	assert.Equal(t, int64(2), summary.LogsProcessed)

	cp, err := h.store.GetCheckpoint(context.Background(), "core-logs")
	require.NoError(t, err)
	assert.Equal(t, "002", cp.LastID, "no batch is scanned after the lease is lost")

	ok, err := h.store.AcquireLease(context.Background(), DefaultJobName, "third-run", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "the new holder keeps its lease")
}
