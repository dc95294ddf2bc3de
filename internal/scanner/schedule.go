package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Schedule runs the orchestrator once immediately, then on every tick of
// interval and on every value received from trigger, until ctx is done.
// A nil trigger disables on-demand runs.
func (o *Orchestrator) Schedule(ctx context.Context, interval time.Duration, trigger <-chan string) error {
	if interval <= 0 {
		return fmt.Errorf("schedule interval must be positive, got %s", interval)
	}
	o.runScheduled(ctx, "startup")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.runScheduled(ctx, "interval")
		case reason := <-trigger:
			o.runScheduled(ctx, "trigger:"+reason)
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Orchestrator) runScheduled(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	_, err := o.Run(ctx)
	switch {
	case err == nil, errors.Is(err, ErrRunInProgress):
	default:
		o.logger.Error().Err(err).Str("reason", reason).Msg("scheduled_run_failed")
	}
}
