// Package scanner drives one scan run: it walks every collection from its
// checkpoint, matches records against the current rules, dispatches allowed
// violations and advances the checkpoint batch by batch.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"logwatch/internal/alert"
	"logwatch/internal/bus"
	"logwatch/internal/limiter"
	"logwatch/internal/logsource"
	"logwatch/internal/rules"
	"logwatch/internal/storage"
)

const (
	DefaultJobName  = "log_alert_scanner"
	DefaultLeaseTTL = 15 * time.Minute
)

var (
	// ErrRunInProgress is returned when another run holds the job lease.
	ErrRunInProgress = errors.New("scan run already in progress")
	// ErrLeaseLost stops a run whose lease could not be extended.
	ErrLeaseLost = errors.New("lease lost")
)

type Store interface {
	GetCheckpoint(ctx context.Context, collection string) (storage.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, adv storage.CheckpointAdvance) error
	CreateRun(ctx context.Context, jobName string, startedAt time.Time) (storage.RunRecord, error)
	FinishRun(ctx context.Context, run storage.RunRecord) error
	AcquireLease(ctx context.Context, jobName, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, jobName, owner string) error
}

type RuleProvider interface {
	Snapshot(ctx context.Context) (*rules.Set, error)
}

type Guard interface {
	Check(ctx context.Context, v rules.Violation) (limiter.Decision, error)
	Record(ctx context.Context, v rules.Violation) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, v rules.Violation) (alert.Result, error)
}

type Publisher interface {
	Publish(subject string, payload any) error
}

type Config struct {
	JobName   string
	BatchSize int
	LeaseTTL  time.Duration
	// Collections overrides discovery through the source when set.
	Collections []string
}

type Deps struct {
	Source     logsource.Source
	Store      Store
	Rules      RuleProvider
	Guard      Guard
	Dispatcher Dispatcher
	// Publisher is optional.
	Publisher Publisher
	Logger    zerolog.Logger
}

type Orchestrator struct {
	cfg        Config
	source     logsource.Source
	store      Store
	rules      RuleProvider
	guard      Guard
	dispatcher Dispatcher
	publisher  Publisher
	logger     zerolog.Logger
	now        func() time.Time
}

type RunSummary = storage.RunRecord

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.JobName == "" {
		cfg.JobName = DefaultJobName
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = logsource.DefaultBatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Orchestrator{
		cfg:        cfg,
		source:     deps.Source,
		store:      deps.Store,
		rules:      deps.Rules,
		guard:      deps.Guard,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		logger:     deps.Logger.With().Str("job", cfg.JobName).Logger(),
		now:        time.Now,
	}
}

// Run performs one scan. Failures inside a collection are logged and counted
// without aborting the run. The returned error is non-nil only when the run
// itself could not complete, or ErrRunInProgress when the lease is held.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	owner := uuid.NewString()
	acquired, err := o.store.AcquireLease(ctx, o.cfg.JobName, owner, o.cfg.LeaseTTL)
	if err != nil {
		return RunSummary{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		o.logger.Info().Msg("scan_run_skipped_lease_held")
		return RunSummary{}, ErrRunInProgress
	}
	defer func() {
		if err := o.store.ReleaseLease(context.WithoutCancel(ctx), o.cfg.JobName, owner); err != nil {
			o.logger.Warn().Err(err).Msg("lease_release_failed")
		}
	}()

	started := o.now()
	memBefore := heapAllocMB()
	run, err := o.store.CreateRun(ctx, o.cfg.JobName, started)
	if err != nil {
		return RunSummary{}, fmt.Errorf("create run record: %w", err)
	}
	o.logger.Info().Str("run_id", run.ID).Msg("scan_run_started")

	collections, err := o.collections(ctx)
	if err != nil {
		err = fmt.Errorf("list collections: %w", err)
		o.finish(ctx, &run, started, memBefore, err)
		return run, err
	}

	var runErr error
	for _, collection := range collections {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("cancelled: %w", ctx.Err())
			break
		}
		run.CollectionsScanned++
		if err := o.scanCollection(ctx, collection, owner, &run); err != nil {
			if ctx.Err() != nil {
				runErr = fmt.Errorf("cancelled: %w", ctx.Err())
				break
			}
			if errors.Is(err, ErrLeaseLost) {
				run.CollectionsFailed++
				runErr = fmt.Errorf("collection %s: %w", collection, err)
				break
			}
			run.CollectionsFailed++
			o.logger.Error().Err(err).Str("collection", collection).Msg("collection_scan_failed")
		}
	}

	o.finish(ctx, &run, started, memBefore, runErr)
	return run, runErr
}

func (o *Orchestrator) collections(ctx context.Context) ([]string, error) {
	if len(o.cfg.Collections) > 0 {
		return o.cfg.Collections, nil
	}
	return o.source.Collections(ctx)
}

// scanCollection pages through one collection until it is exhausted. The
// checkpoint moves only after every violation of a batch was handled. The
// job lease is extended before each batch.
func (o *Orchestrator) scanCollection(ctx context.Context, collection, owner string, run *storage.RunRecord) error {
	cp, err := o.store.GetCheckpoint(ctx, collection)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	req := logsource.RequestFromCheckpoint(collection, o.cfg.BatchSize, cp.LastTimestamp, cp.LastID)
	logger := o.logger.With().Str("collection", collection).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.extendLease(ctx, owner); err != nil {
			return err
		}
		set, err := o.rules.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		batch, err := o.source.Scan(ctx, req)
		if err != nil {
			return fmt.Errorf("scan batch: %w", err)
		}
		if batch.Fetched == 0 {
			return nil
		}

		// A started batch runs to completion; cancellation is honoured between batches.
		batchCtx := context.WithoutCancel(ctx)
		alerted := 0
		for _, record := range batch.Records {
			run.LogsProcessed++
			for _, v := range set.Match(record) {
				run.ViolationsFound++
				sent, err := o.handle(batchCtx, v, logger)
				if err != nil {
					return err
				}
				if sent {
					alerted++
					run.AlertsSent++
				}
			}
		}

		if batch.Next == nil {
			logger.Warn().Int("records", len(batch.Records)).Msg("checkpoint_not_advanced_missing_timestamp")
			return nil
		}
		err = o.store.AdvanceCheckpoint(batchCtx, storage.CheckpointAdvance{
			Collection: collection,
			Timestamp:  batch.Next.Timestamp,
			ID:         batch.Next.ID,
			Scanned:    len(batch.Records),
			Alerted:    alerted,
			RunAt:      o.now(),
		})
		if err != nil {
			return fmt.Errorf("advance checkpoint: %w", err)
		}
		logger.Debug().
			Int("fetched", batch.Fetched).
			Int("records", len(batch.Records)).
			Int("alerted", alerted).
			Time("cursor", batch.Next.Timestamp).
			Msg("batch_processed")

		if batch.Fetched < req.BatchSize {
			return nil
		}
		req.After = batch.Next
		req.Since = batch.Next.Timestamp
	}
}

func (o *Orchestrator) extendLease(ctx context.Context, owner string) error {
	held, err := o.store.AcquireLease(ctx, o.cfg.JobName, owner, o.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if !held {
		return ErrLeaseLost
	}
	return nil
}

// handle guards and dispatches one violation. It reports whether an alert
// went out. Only guard store failures are returned.
func (o *Orchestrator) handle(ctx context.Context, v rules.Violation, logger zerolog.Logger) (bool, error) {
	decision, err := o.guard.Check(ctx, v)
	if err != nil {
		return false, fmt.Errorf("check limits: %w", err)
	}
	if decision != limiter.Allow {
		logger.Debug().
			Str("rule_type", string(v.Type)).
			Int64("rule_id", v.RuleID).
			Str("record", v.Record.Ref()).
			Str("reason", decision.String()).
			Msg("violation_skipped")
		return false, nil
	}

	result, err := o.dispatcher.Dispatch(ctx, v)
	if err != nil {
		logger.Error().Err(err).Str("record", v.Record.Ref()).Msg("alert_audit_failed")
	}
	if !result.Sent {
		return false, nil
	}
	if err := o.guard.Record(ctx, v); err != nil {
		logger.Error().Err(err).Str("record", v.Record.Ref()).Msg("rate_limit_update_failed")
	}
	logger.Info().
		Str("rule_type", string(v.Type)).
		Int64("rule_id", v.RuleID).
		Str("app", v.Record.AppName).
		Int64("duration_ms", v.Record.DurationMs).
		Int64("overage_ms", v.OverageMs).
		Strs("channels", result.Channels).
		Msg("alert_sent")

	if o.publisher != nil {
		event := alert.NewEvent(v)
		event.Channels = result.Channels
		if err := o.publisher.Publish(bus.SubjectAlertSent, event); err != nil {
			logger.Warn().Err(err).Msg("alert_event_publish_failed")
		}
	}
	return true, nil
}
