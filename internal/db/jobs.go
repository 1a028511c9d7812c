package db

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateBulkUnpickJob inserts a queued job row for an "unpick entire
// ingredient" request, which can touch an unbounded number of
// allocations and is therefore processed asynchronously (§4.4.4,
// SPEC_FULL §4.9).
func (q *Queries) CreateBulkUnpickJob(ctx context.Context, jobID, runNo, itemKey, requestedBy string, maxRetries int) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO bulk_unpick_jobs (id, run_no, item_key, status, total_allocations,
		                               processed_allocations, progress_pct, requested_by,
		                               created_at, retry_count, max_retries)
		VALUES ($1,$2,$3,'queued',0,0,0,$4,now(),0,$5)`,
		jobID, runNo, itemKey, requestedBy, maxRetries)
	if err != nil {
		return fmt.Errorf("create bulk unpick job: %w", err)
	}
	return nil
}

// GetBulkUnpickJob fetches one job by id for status polling and SSE streaming.
func (q *Queries) GetBulkUnpickJob(ctx context.Context, jobID string) (*BulkUnpickJob, error) {
	var j BulkUnpickJob
	row := q.db.QueryRowContext(ctx, `
		SELECT id, run_no, item_key, status, total_allocations, processed_allocations,
		       progress_pct, error_message, requested_by, created_at, started_at,
		       completed_at, retry_count, max_retries
		FROM bulk_unpick_jobs WHERE id = $1`, jobID)
	err := row.Scan(&j.ID, &j.RunNo, &j.ItemKey, &j.Status, &j.TotalAllocations,
		&j.ProcessedAllocations, &j.ProgressPct, &j.ErrorMessage, &j.RequestedBy,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.RetryCount, &j.MaxRetries)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bulk unpick job: %w", err)
	}
	return &j, nil
}

// StartBulkUnpickJob transitions a job to running and records the total
// allocation count the worker discovered.
func (q *Queries) StartBulkUnpickJob(ctx context.Context, jobID string, total int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE bulk_unpick_jobs
		SET status = 'running', total_allocations = $2, started_at = now()
		WHERE id = $1`, jobID, total)
	if err != nil {
		return fmt.Errorf("start bulk unpick job: %w", err)
	}
	return nil
}

// UpdateBulkUnpickProgress records how many allocations have been
// reversed so far; progress_pct is derived, not independently settable,
// to keep the two fields from drifting apart.
func (q *Queries) UpdateBulkUnpickProgress(ctx context.Context, jobID string, processed, total int) error {
	pct := 0
	if total > 0 {
		pct = processed * 100 / total
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE bulk_unpick_jobs SET processed_allocations = $2, progress_pct = $3 WHERE id = $1`,
		jobID, processed, pct)
	if err != nil {
		return fmt.Errorf("update bulk unpick progress: %w", err)
	}
	return nil
}

// CompleteBulkUnpickJob marks a job done (successfully) with 100% progress.
func (q *Queries) CompleteBulkUnpickJob(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE bulk_unpick_jobs
		SET status = 'completed', progress_pct = 100, completed_at = now()
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("complete bulk unpick job: %w", err)
	}
	return nil
}

// FailBulkUnpickJob marks a job failed with the given message.
func (q *Queries) FailBulkUnpickJob(ctx context.Context, jobID, errMsg string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE bulk_unpick_jobs
		SET status = 'failed', error_message = $2, completed_at = now()
		WHERE id = $1`, jobID, errMsg)
	if err != nil {
		return fmt.Errorf("fail bulk unpick job: %w", err)
	}
	return nil
}

// CancelBulkUnpickJob marks a queued/running job cancelled. It is a
// no-op (zero rows affected, nil error) if the job already reached a
// terminal state.
func (q *Queries) CancelBulkUnpickJob(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE bulk_unpick_jobs
		SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, jobID)
	if err != nil {
		return fmt.Errorf("cancel bulk unpick job: %w", err)
	}
	return nil
}

// IncrementBulkUnpickRetryCount bumps a job's retry counter, returning
// the new count so the worker can compare it against MaxRetries.
func (q *Queries) IncrementBulkUnpickRetryCount(ctx context.Context, jobID string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		UPDATE bulk_unpick_jobs SET retry_count = retry_count + 1
		WHERE id = $1 RETURNING retry_count`, jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment bulk unpick retry count: %w", err)
	}
	return count, nil
}
