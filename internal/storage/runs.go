package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateRun inserts a running record for jobName and returns it with its id.
func (r *Repository) CreateRun(ctx context.Context, jobName string, startedAt time.Time) (RunRecord, error) {
	run := RunRecord{
		ID:        uuid.NewString(),
		JobName:   jobName,
		Status:    RunRunning,
		StartedAt: startedAt.UTC(),
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO scan_runs (id, job_name, status, started_at) VALUES ($1,$2,$3,$4)`,
		run.ID, run.JobName, string(run.Status), run.StartedAt)
	if err != nil {
		return RunRecord{}, err
	}
	return run, nil
}

// FinishRun finalizes a run. Only a record still marked running is updated,
// so a run is finalized at most once.
func (r *Repository) FinishRun(ctx context.Context, run RunRecord) error {
	var errMsg *string
	if run.ErrorMessage != "" {
		errMsg = &run.ErrorMessage
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	tag, err := r.Store.Pool.Exec(ctx, `
		UPDATE scan_runs SET status=$1, finished_at=$2, collections_scanned=$3, collections_failed=$4,
			logs_processed=$5, violations_found=$6, alerts_sent=$7, elapsed_ms=$8, memory_mb=$9, error_message=$10
		WHERE id=$11 AND status='running'`,
		string(run.Status), run.FinishedAt.UTC(), run.CollectionsScanned, run.CollectionsFailed,
		run.LogsProcessed, run.ViolationsFound, run.AlertsSent, run.ElapsedMs, run.MemoryMB, errMsg, run.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListRuns(ctx context.Context, jobName string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, job_name, status, started_at, finished_at, collections_scanned, collections_failed,
			logs_processed, violations_found, alerts_sent, elapsed_ms, memory_mb::float8, COALESCE(error_message, '')
		FROM scan_runs WHERE job_name=$1 ORDER BY started_at DESC LIMIT $2`, jobName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []RunRecord{}
	for rows.Next() {
		var (
			run        RunRecord
			status     string
			finishedAt *time.Time
		)
		if err := rows.Scan(&run.ID, &run.JobName, &status, &run.StartedAt, &finishedAt, &run.CollectionsScanned,
			&run.CollectionsFailed, &run.LogsProcessed, &run.ViolationsFound, &run.AlertsSent, &run.ElapsedMs,
			&run.MemoryMB, &run.ErrorMessage); err != nil {
			return nil, err
		}
		run.Status = RunStatus(status)
		if finishedAt != nil {
			run.FinishedAt = *finishedAt
		}
		results = append(results, run)
	}
	return results, rows.Err()
}

// AcquireLease takes the lease of jobName for owner until now+ttl. It returns
// false when another owner holds an unexpired lease.
func (r *Repository) AcquireLease(ctx context.Context, jobName, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var holder string
	err := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO job_leases (job_name, owner, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (job_name) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE job_leases.expires_at < $4 OR job_leases.owner = EXCLUDED.owner
		RETURNING owner`, jobName, owner, now.Add(ttl), now).Scan(&holder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return holder == owner, nil
}

func (r *Repository) ReleaseLease(ctx context.Context, jobName, owner string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.Store.Pool.Exec(ctx, `DELETE FROM job_leases WHERE job_name=$1 AND owner=$2`, jobName, owner)
	return err
}
