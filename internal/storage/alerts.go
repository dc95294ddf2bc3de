package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

func (r *Repository) GetRateLimit(ctx context.Context, key RateLimitKey) (RateLimitEntry, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT last_alert_sent_at, cooldown_until, alert_count
		FROM alert_rate_limits
		WHERE rule_type=$1 AND rule_id=$2 AND app_name=$3 AND message_hash=$4`,
		key.RuleType, key.RuleID, key.AppName, key.Signature)
	entry := RateLimitEntry{Key: key}
	if err := row.Scan(&entry.LastSentAt, &entry.CooldownUntil, &entry.AlertCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RateLimitEntry{}, ErrNotFound
		}
		return RateLimitEntry{}, err
	}
	return entry, nil
}

// UpsertRateLimit records a sent alert for key and bumps its counter.
func (r *Repository) UpsertRateLimit(ctx context.Context, key RateLimitKey, sentAt, cooldownUntil time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO alert_rate_limits (rule_type, rule_id, app_name, message_hash, last_alert_sent_at, cooldown_until, alert_count)
		VALUES ($1,$2,$3,$4,$5,$6,1)
		ON CONFLICT (rule_type, rule_id, app_name, message_hash) DO UPDATE SET
			last_alert_sent_at = EXCLUDED.last_alert_sent_at,
			cooldown_until = EXCLUDED.cooldown_until,
			alert_count = alert_rate_limits.alert_count + 1`,
		key.RuleType, key.RuleID, key.AppName, key.Signature, sentAt.UTC(), cooldownUntil.UTC())
	return err
}

func (r *Repository) HasSentAlert(ctx context.Context, key AuditKey) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var exists bool
	err := r.Store.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alert_logs
			WHERE rule_type=$1 AND rule_id=$2 AND message_hash=$3 AND correlation_id=$4 AND alert_status='sent'
		)`, key.RuleType, key.RuleID, key.Signature, key.CorrelationID).Scan(&exists)
	return exists, err
}

// UpsertAudit writes the audit row of an alert attempt. A row already marked
// sent is left untouched.
func (r *Repository) UpsertAudit(ctx context.Context, entry AuditEntry) error {
	channels := entry.Channels
	if channels == nil {
		channels = []string{}
	}
	sentTo, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	var sentAt *time.Time
	if !entry.SentAt.IsZero() {
		ts := entry.SentAt.UTC()
		sentAt = &ts
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO alert_logs (rule_type, rule_id, message_hash, correlation_id, log_index, log_id, app_name, message,
			duration_ms, threshold_ms, exceeded_by_ms, alert_sent_to, alert_status, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT ON CONSTRAINT unique_alert_by_msg_corr DO UPDATE SET
			log_index = EXCLUDED.log_index,
			log_id = EXCLUDED.log_id,
			duration_ms = EXCLUDED.duration_ms,
			threshold_ms = EXCLUDED.threshold_ms,
			exceeded_by_ms = EXCLUDED.exceeded_by_ms,
			alert_sent_to = EXCLUDED.alert_sent_to,
			alert_status = EXCLUDED.alert_status,
			sent_at = EXCLUDED.sent_at,
			updated_at = now()
		WHERE alert_logs.alert_status <> 'sent'`,
		entry.Key.RuleType, entry.Key.RuleID, entry.Key.Signature, entry.Key.CorrelationID,
		entry.Collection, entry.RecordID, entry.AppName, entry.Message,
		entry.DurationMs, entry.ThresholdMs, entry.OverageMs, sentTo, string(entry.Status), sentAt)
	return err
}
