package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/util"
)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (r *sqlRepo) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.NewID("job_")
	now := time.Now().UTC()

	if dedupeKey != "" {
		// Check for existing non-terminal job with same dedupe key
		var existingID string
		err := r.queryRow(ctx,
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN (?, ?)`,
			dedupeKey, JobStatusDone, JobStatusCanceled,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(r.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := r.exec(ctx,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, JobStatusQueued, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(r.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

// claimDueJobs flips up to limit due jobs to running and returns them. The
// lockClause is appended to the inner select (FOR UPDATE SKIP LOCKED on
// Postgres, empty on SQLite where the write lock serializes claimers).
func (r *sqlRepo) claimDueJobs(ctx context.Context, now time.Time, limit int, lockClause string) ([]Job, error) {
	rows, err := r.query(ctx,
		`UPDATE jobs SET status = ?, locked_at = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM jobs WHERE status = ? AND run_at <= ?
		   ORDER BY run_at ASC LIMIT ? `+lockClause+`
		 )
		 RETURNING `+jobColumns,
		JobStatusRunning, now.UTC(), now.UTC(), JobStatusQueued, now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (r *sqlRepo) CompleteJob(ctx context.Context, id string) error {
	_, err := r.exec(ctx, `UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		JobStatusDone, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now().UTC()

	var attempt, maxAttempts int
	if err := r.queryRow(ctx, `SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts); err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	var err error
	if attempt >= maxAttempts {
		_, err = r.exec(ctx,
			`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			JobStatusFailed, attempt, errMsg, now, id)
		slog.Warn(r.name+".FailJob: job exhausted retries", "id", id, "attempt", attempt, "error", errMsg)
	} else {
		_, err = r.exec(ctx,
			`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			JobStatusQueued, attempt, errMsg, nextRunAt.UTC(), now, id)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) CancelJob(ctx context.Context, id string) error {
	_, err := r.exec(ctx, `UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		JobStatusCanceled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := r.exec(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		JobStatusQueued, time.Now().UTC(), JobStatusRunning, staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(r.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (r *sqlRepo) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(r.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
