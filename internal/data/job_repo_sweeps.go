package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lodestone-registry/lodestone/internal/data/pgxutil"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
)

// Advisory lock namespace for sweep operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 1000 is reserved for lodestone sweep operations.
const (
	advisoryLockSweepMajor     = 1000
	advisoryLockSweepTimeout   = 1 // minor key for TimeoutStuckJobs
	advisoryLockSweepDeleteOld = 2 // minor key for DeleteOldTerminalJobs
)

// DeleteOldTerminalJobsParams groups parameters for DeleteOldTerminalJobs.
type DeleteOldTerminalJobsParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// TimeoutStuckJobs marks jobs stuck in started state past maxAge as timed out.
// A worker that died mid-job never gets to persist a result; this sweep is the
// only path that applies the timeout status. Processes up to batchSize jobs per
// call and uses advisory locks so concurrent sweepers do not conflict.
// Returns the number of jobs timed out.
func (r *JobRepo) TimeoutStuckJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	result, err := json.Marshal(model.JobResult{
		Status:  model.JobStatusTimeout,
		Message: "Job execution timed out",
	})
	if err != nil {
		return 0, fmt.Errorf("marshal timeout result: %w", err)
	}

	var rowsAffected int64
	txErr := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepTimeout).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now()
			cutoffTime := currentTime.Add(-maxAge)

			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'timeout',
					result = $1,
					completed_at = $2
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = 'started'
					  AND started_at < $3
					ORDER BY started_at
					LIMIT $4
				)
			`, result, currentTime.UTC(), cutoffTime.UTC(), batchSize)
			if err != nil {
				return fmt.Errorf("timeout stuck jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if txErr != nil {
		return 0, txErr
	}
	return rowsAffected, nil
}

// FindDueJobIDs returns ids of queued jobs whose execute-after time has passed
// (or was never set and the dispatch push was missed). Ordered oldest first.
func (r *JobRepo) FindDueJobIDs(ctx context.Context, limit int) ([]string, error) {
	currentTime := r.timeProvider.Now().UTC()
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = 'queued'
		  AND (execute_after IS NULL OR execute_after <= $1)
		ORDER BY created_at ASC
		LIMIT $2
	`, currentTime, limit)
	if err != nil {
		return nil, fmt.Errorf("find due jobs: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			_ = cerr
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scan due job id: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", rowsErr)
	}
	return ids, nil
}

// DeleteOldTerminalJobs deletes terminal jobs older than MaxAge, up to
// BatchSize per call. Uses advisory locks so concurrent janitors do not
// conflict. Returns the number of jobs deleted.
func (r *JobRepo) DeleteOldTerminalJobs(ctx context.Context, params DeleteOldTerminalJobsParams) (int64, error) {
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepDeleteOld).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoffTime := r.timeProvider.Now().Add(-params.MaxAge).UTC()

			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status IN ('completed', 'failed', 'errored', 'package_gone', 'package_deleted', 'timeout')
					  AND completed_at < $1
					ORDER BY completed_at
					LIMIT $2
				)
			`, cutoffTime, params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
