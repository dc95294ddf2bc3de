package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tidwall/gjson"

	"logwatch/internal/rules"
)

const defaultQueryTimeout = 10 * time.Second

type Repository struct {
	Store   *Store
	Timeout time.Duration
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store, Timeout: defaultQueryTimeout}
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *Repository) ListActiveAppRules(ctx context.Context) ([]rules.AppRule, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT ar.id, ar.app_name, ar.max_duration, ar.is_active, ar.alert_channels,
			COALESCE(ar.cooldown_minutes, 5),
			COALESCE(json_agg(json_build_object('type', t.type, 'address', t.external_id, 'label', COALESCE(t.label, '')))
				FILTER (WHERE t.id IS NOT NULL), '[]')
		FROM app_rules ar
		LEFT JOIN app_rule_alert_target art ON art.app_rule_id = ar.id
		LEFT JOIN alert_targets t ON t.id = art.alert_target_id AND t.is_active = true
		WHERE ar.is_active = true
		GROUP BY ar.id
		ORDER BY ar.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []rules.AppRule{}
	for rows.Next() {
		var (
			rule     rules.AppRule
			channels []byte
			targets  []byte
		)
		if err := rows.Scan(&rule.ID, &rule.AppName, &rule.MaxDurationMs, &rule.Active, &channels, &rule.CooldownMinutes, &targets); err != nil {
			return nil, err
		}
		rule.Channels = decodeChannels(channels)
		if rule.Targets, err = decodeTargets(targets); err != nil {
			return nil, fmt.Errorf("app rule %d targets: %w", rule.ID, err)
		}
		results = append(results, rule)
	}
	return results, rows.Err()
}

func (r *Repository) ListActiveMessageRules(ctx context.Context) ([]rules.MessageRule, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT mr.id, COALESCE(mr.app_name, ''), mr.message_key, mr.max_duration, mr.is_active,
			mr.alert_channels, mr.priority, COALESCE(mr.cooldown_minutes, 5),
			COALESCE(json_agg(json_build_object('type', t.type, 'address', t.external_id, 'label', COALESCE(t.label, '')))
				FILTER (WHERE t.id IS NOT NULL), '[]')
		FROM message_rules mr
		LEFT JOIN message_rule_alert_target mrt ON mrt.message_rule_id = mr.id
		LEFT JOIN alert_targets t ON t.id = mrt.alert_target_id AND t.is_active = true
		WHERE mr.is_active = true
		GROUP BY mr.id
		ORDER BY mr.priority DESC, mr.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []rules.MessageRule{}
	for rows.Next() {
		var (
			rule     rules.MessageRule
			channels []byte
			targets  []byte
		)
		if err := rows.Scan(&rule.ID, &rule.AppName, &rule.MessageKey, &rule.MaxDurationMs, &rule.Active,
			&channels, &rule.Priority, &rule.CooldownMinutes, &targets); err != nil {
			return nil, err
		}
		rule.Channels = decodeChannels(channels)
		if rule.Targets, err = decodeTargets(targets); err != nil {
			return nil, fmt.Errorf("message rule %d targets: %w", rule.ID, err)
		}
		results = append(results, rule)
	}
	return results, rows.Err()
}

// decodeChannels reads alert_channels, which older rows hold as a
// JSON-encoded string instead of an array.
func decodeChannels(raw []byte) []string {
	value := gjson.ParseBytes(raw)
	if value.Type == gjson.String {
		value = gjson.Parse(value.String())
	}
	if !value.IsArray() {
		return nil
	}
	channels := []string{}
	value.ForEach(func(_, item gjson.Result) bool {
		if name := item.String(); name != "" {
			channels = append(channels, name)
		}
		return true
	})
	return channels
}

func decodeTargets(raw []byte) ([]rules.Target, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var targets []rules.Target
	if err := json.Unmarshal(raw, &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func (r *Repository) GetCheckpoint(ctx context.Context, collection string) (Checkpoint, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT collection, last_timestamp, last_id, total_scanned, total_alerted, last_run_at
		FROM scan_checkpoints WHERE collection=$1`, collection)
	var cp Checkpoint
	if err := row.Scan(&cp.Collection, &cp.LastTimestamp, &cp.LastID, &cp.TotalScanned, &cp.TotalAlerted, &cp.LastRunAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, err
	}
	return cp, nil
}

// AdvanceCheckpoint creates or moves a checkpoint. The stored position never
// moves backwards, but the counters are always added.
func (r *Repository) AdvanceCheckpoint(ctx context.Context, adv CheckpointAdvance) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO scan_checkpoints (collection, last_timestamp, last_id, total_scanned, total_alerted, last_run_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (collection) DO UPDATE SET
			last_id = CASE WHEN (EXCLUDED.last_timestamp, EXCLUDED.last_id) > (scan_checkpoints.last_timestamp, scan_checkpoints.last_id)
				THEN EXCLUDED.last_id ELSE scan_checkpoints.last_id END,
			last_timestamp = CASE WHEN (EXCLUDED.last_timestamp, EXCLUDED.last_id) > (scan_checkpoints.last_timestamp, scan_checkpoints.last_id)
				THEN EXCLUDED.last_timestamp ELSE scan_checkpoints.last_timestamp END,
			total_scanned = scan_checkpoints.total_scanned + EXCLUDED.total_scanned,
			total_alerted = scan_checkpoints.total_alerted + EXCLUDED.total_alerted,
			last_run_at = EXCLUDED.last_run_at`,
		adv.Collection, adv.Timestamp.UTC(), adv.ID, adv.Scanned, adv.Alerted, adv.RunAt.UTC())
	return err
}

func (r *Repository) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT collection, last_timestamp, last_id, total_scanned, total_alerted, last_run_at
		FROM scan_checkpoints ORDER BY collection`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []Checkpoint{}
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.Collection, &cp.LastTimestamp, &cp.LastID, &cp.TotalScanned, &cp.TotalAlerted, &cp.LastRunAt); err != nil {
			return nil, err
		}
		results = append(results, cp)
	}
	return results, rows.Err()
}

// ResetCheckpoint deletes the checkpoint of one collection, or of every
// collection when collection is empty. It returns the number of rows removed.
func (r *Repository) ResetCheckpoint(ctx context.Context, collection string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if collection == "" {
		tag, err := r.Store.Pool.Exec(ctx, `DELETE FROM scan_checkpoints`)
		return tag.RowsAffected(), err
	}
	tag, err := r.Store.Pool.Exec(ctx, `DELETE FROM scan_checkpoints WHERE collection=$1`, collection)
	return tag.RowsAffected(), err
}
