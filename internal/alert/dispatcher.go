// Package alert renders violations and delivers them to notification channels.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"logwatch/internal/limiter"
	"logwatch/internal/rules"
	"logwatch/internal/storage"
)

// Channel delivers a rendered message to one address. Implementations must
// honour ctx cancellation.
type Channel interface {
	Send(ctx context.Context, address string, msg Message) error
}

type AuditWriter interface {
	UpsertAudit(ctx context.Context, entry storage.AuditEntry) error
}

type Config struct {
	Legacy      LegacyConfig
	SendTimeout time.Duration
}

type Dispatcher struct {
	channels map[string]Channel
	audit    AuditWriter
	legacy   LegacyConfig
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// Result reports one dispatch. Channels lists every successful delivery as
// "channel:address".
type Result struct {
	Sent      bool
	Attempted int
	Channels  []string
}

func NewDispatcher(cfg Config, channels map[string]Channel, audit AuditWriter, logger zerolog.Logger) *Dispatcher {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	registered := make(map[string]Channel, len(channels))
	for name, ch := range channels {
		if ch != nil {
			registered[name] = ch
		}
	}
	return &Dispatcher{
		channels: registered,
		audit:    audit,
		legacy:   cfg.Legacy,
		timeout:  timeout,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
}

// Dispatch renders v, sends it to every resolved target once and records the
// audit row. The violation counts as sent when at least one target accepted
// it. A failed audit write is returned together with the result.
func (d *Dispatcher) Dispatch(ctx context.Context, v rules.Violation) (Result, error) {
	msg := Render(v)
	targets, unknown := resolveTargets(v, d.legacy)
	for _, name := range unknown {
		d.logger.Warn().Str("channel", name).Int64("rule_id", v.RuleID).Msg("unknown_alert_channel")
	}
	if len(targets) == 0 {
		d.logger.Warn().Str("rule_type", string(v.Type)).Int64("rule_id", v.RuleID).Msg("no_alert_targets")
	}

	result := Result{Channels: []string{}}
	for _, t := range targets {
		result.Attempted++
		if err := d.send(ctx, t, msg); err != nil {
			d.logger.Error().Err(err).
				Str("channel", t.channel).
				Str("address", t.address).
				Str("rule_type", string(v.Type)).
				Int64("rule_id", v.RuleID).
				Msg("alert_send_failed")
			continue
		}
		result.Channels = append(result.Channels, t.String())
	}
	result.Sent = len(result.Channels) > 0

	status := storage.AuditFailed
	if result.Sent {
		status = storage.AuditSent
	}
	entry := storage.AuditEntry{
		Key:         limiter.AuditKeyFor(v),
		Collection:  v.Record.Collection,
		RecordID:    v.Record.ID,
		AppName:     v.Record.AppName,
		Message:     v.Record.Message,
		DurationMs:  v.Record.DurationMs,
		ThresholdMs: v.ThresholdMs,
		OverageMs:   v.OverageMs,
		Channels:    result.Channels,
		Status:      status,
		SentAt:      d.now(),
	}
	if err := d.audit.UpsertAudit(ctx, entry); err != nil {
		return result, fmt.Errorf("write audit: %w", err)
	}
	return result, nil
}

func (d *Dispatcher) send(ctx context.Context, t target, msg Message) error {
	ch, ok := d.channels[t.channel]
	if !ok {
		return fmt.Errorf("channel %s is not configured", t.channel)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return ch.Send(ctx, t.address, msg)
}

// Test sends a sample message through one channel, bypassing rules and audit.
func (d *Dispatcher) Test(ctx context.Context, channel, address string) error {
	msg := Message{
		Subject: "Alert: test message",
		Text:    "✅ *Test Alert*\n\nThe alert channel is configured correctly.",
		Plain:   "✅ Test Alert\n\nThe alert channel is configured correctly.",
	}
	return d.send(ctx, target{channel: channel, address: address}, msg)
}
