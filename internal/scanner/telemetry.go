package scanner

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"logwatch/internal/bus"
	"logwatch/internal/storage"
)

// finish finalizes the run record exactly once, even when ctx is already cancelled.
func (o *Orchestrator) finish(ctx context.Context, run *storage.RunRecord, started time.Time, memBefore float64, runErr error) {
	finished := o.now()
	run.FinishedAt = finished
	run.ElapsedMs = finished.Sub(started).Milliseconds()
	run.MemoryMB = math.Round((heapAllocMB()-memBefore)*100) / 100
	run.Status = storage.RunSuccess
	if runErr != nil {
		run.Status = storage.RunFailed
		run.ErrorMessage = runErr.Error()
	}

	ctx = context.WithoutCancel(ctx)
	if err := o.store.FinishRun(ctx, *run); err != nil {
		o.logger.Error().Err(err).Str("run_id", run.ID).Msg("run_record_finalize_failed")
	}

	var event *zerolog.Event
	if runErr != nil {
		event = o.logger.Error().Err(runErr)
	} else {
		event = o.logger.Info()
	}
	event.
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("collections_scanned", run.CollectionsScanned).
		Int("collections_failed", run.CollectionsFailed).
		Int64("logs_processed", run.LogsProcessed).
		Int64("violations_found", run.ViolationsFound).
		Int64("alerts_sent", run.AlertsSent).
		Int64("elapsed_ms", run.ElapsedMs).
		Float64("memory_mb", run.MemoryMB).
		Msg("scan_run_finished")

	if o.publisher != nil {
		if err := o.publisher.Publish(bus.SubjectRunFinished, *run); err != nil {
			o.logger.Warn().Err(err).Msg("run_event_publish_failed")
		}
	}
}

func heapAllocMB() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.HeapAlloc) / (1024 * 1024)
}
