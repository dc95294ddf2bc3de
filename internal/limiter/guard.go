// Package limiter decides whether a violation may be dispatched. Two guards
// apply: an event already alerted is skipped, and a rule, app and message
// signature still in cooldown is skipped.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"logwatch/internal/rules"
	"logwatch/internal/storage"
)

type Decision int

const (
	Allow Decision = iota
	SkipAlreadyAlerted
	SkipCooldown
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case SkipAlreadyAlerted:
		return "already_alerted"
	case SkipCooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

type AuditLookup interface {
	HasSentAlert(ctx context.Context, key storage.AuditKey) (bool, error)
}

type RateLimitStore interface {
	GetRateLimit(ctx context.Context, key storage.RateLimitKey) (storage.RateLimitEntry, error)
	UpsertRateLimit(ctx context.Context, key storage.RateLimitKey, sentAt, cooldownUntil time.Time) error
}

type Store interface {
	AuditLookup
	RateLimitStore
}

type Guard struct {
	store Store
	// Now is the clock used for cooldown checks.
	Now func() time.Time
}

func NewGuard(store Store) *Guard {
	return &Guard{store: store, Now: time.Now}
}

// Check runs both guards. A store failure is returned as an error and never
// treated as permission to send.
func (g *Guard) Check(ctx context.Context, v rules.Violation) (Decision, error) {
	sent, err := g.store.HasSentAlert(ctx, AuditKeyFor(v))
	if err != nil {
		return Allow, fmt.Errorf("lookup audit: %w", err)
	}
	if sent {
		return SkipAlreadyAlerted, nil
	}
	entry, err := g.store.GetRateLimit(ctx, RateLimitKeyFor(v))
	if errors.Is(err, storage.ErrNotFound) {
		return Allow, nil
	}
	if err != nil {
		return Allow, fmt.Errorf("lookup rate limit: %w", err)
	}
	if WithinCooldown(entry.CooldownUntil, g.Now()) {
		return SkipCooldown, nil
	}
	return Allow, nil
}

// Record starts a new cooldown window for the violation after a successful dispatch.
func (g *Guard) Record(ctx context.Context, v rules.Violation) error {
	now := g.Now()
	if err := g.store.UpsertRateLimit(ctx, RateLimitKeyFor(v), now, now.Add(v.Cooldown)); err != nil {
		return fmt.Errorf("upsert rate limit: %w", err)
	}
	return nil
}

func WithinCooldown(until, now time.Time) bool {
	return now.Before(until)
}

// AuditKeyFor builds the idempotency key of a violation. Records without a
// correlation id fall back to their physical reference.
func AuditKeyFor(v rules.Violation) storage.AuditKey {
	correlation := v.Record.CorrelationID
	if correlation == "" {
		correlation = v.Record.Ref()
	}
	return storage.AuditKey{
		RuleType:      string(v.Type),
		RuleID:        v.RuleID,
		Signature:     v.Signature(),
		CorrelationID: correlation,
	}
}

func RateLimitKeyFor(v rules.Violation) storage.RateLimitKey {
	return storage.RateLimitKey{
		RuleType:  string(v.Type),
		RuleID:    v.RuleID,
		AppName:   v.Record.AppName,
		Signature: v.Signature(),
	}
}
