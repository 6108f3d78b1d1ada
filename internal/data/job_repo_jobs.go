package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lodestone-registry/lodestone/internal/data/pgxutil"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
)

// Advisory lock namespace for per-package scheduling exclusivity.
const advisoryLockScheduleMajor int64 = 1001

func advisoryLockScheduleMinor(jobType model.JobType, packageID int64) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobType))
	_, _ = fmt.Fprintf(h, ":%d", packageID)
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// WithScheduleLock runs fn inside a transaction holding a per-(type, package)
// advisory lock. Concurrent schedulers for the same package serialize here, so
// the dedup read-then-write inside fn is atomic.
func (r *JobRepo) WithScheduleLock(
	ctx context.Context,
	jobType model.JobType,
	packageID int64,
	fn func(tx *sql.Tx) error,
) error {
	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			minorKey := advisoryLockScheduleMinor(jobType, packageID)
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1::integer, $2::integer)", advisoryLockScheduleMajor, minorKey); err != nil {
				return fmt.Errorf("acquire schedule lock: %w", err)
			}
			return fn(tx)
		},
	})
}

// Create persists a new queued job.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	query, args, err := r.buildInsertQuery(req)
	if err != nil {
		return nil, err
	}

	row := r.DB.QueryRowContext(ctx, query, args...)
	job, scanErr := scanJobFromRow(row)
	if scanErr != nil {
		return nil, fmt.Errorf("insert job: %w", scanErr)
	}
	return job, nil
}

// CreateInTx inserts a job within an existing SQL transaction.
func (r *JobRepo) CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	query, args, err := r.buildInsertQuery(req)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, query, args...)
	job, scanErr := scanJobFromRow(row)
	if scanErr != nil {
		return nil, fmt.Errorf("insert job: %w", scanErr)
	}
	return job, nil
}

func (r *JobRepo) buildInsertQuery(req *model.CreateJobRequest) (string, []any, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload: %w", err)
	}

	query := `
      INSERT INTO jobs(id, type, status, payload, package_id, created_at, execute_after)
      VALUES ($1,$2,'queued',$3,$4,$5,$6)
      RETURNING ` + jobColumns

	var executeAfter *time.Time
	if req.ExecuteAfter != nil {
		t := req.ExecuteAfter.UTC()
		executeAfter = &t
	}

	args := []any{
		uuid.NewString(),
		req.Type,
		payload,
		req.PackageID,
		r.timeProvider.Now().UTC(),
		executeAfter,
	}
	return query, args, nil
}

// FindQueuedInTx returns the queued job for (type, package id), if any, within
// the given transaction. Used by the scheduler's dedup path.
func (r *JobRepo) FindQueuedInTx(
	ctx context.Context,
	tx *sql.Tx,
	jobType model.JobType,
	packageID int64,
) (*model.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE type = $1 AND package_id = $2 AND status = 'queued'
		ORDER BY created_at ASC
		LIMIT 1
	`, jobType, packageID)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find queued job: %w", err)
	}
	return job, nil
}

// CompleteWithMessageInTx marks a queued job completed with an explanatory
// message, without it ever having run. Used when a delayed job is superseded
// by an immediate request for the same package.
func (r *JobRepo) CompleteWithMessageInTx(ctx context.Context, tx *sql.Tx, id, message string) error {
	result, err := json.Marshal(model.JobResult{
		Status:  model.JobStatusCompleted,
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	currentTime := r.timeProvider.Now().UTC()
	res, execErr := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    result = $2,
		    completed_at = $3
		WHERE id = $1 AND status = 'queued'
	`, id, result, currentTime)
	if execErr != nil {
		return fmt.Errorf("complete job: %w", execErr)
	}

	rowsAffected, raErr := res.RowsAffected()
	if raErr != nil {
		return fmt.Errorf("rows affected: %w", raErr)
	}
	if rowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ClaimIfNotStarted atomically transitions a queued job to started. Exactly one
// of two concurrent claims for the same id succeeds; the loser gets (nil, false).
func (r *JobRepo) ClaimIfNotStarted(ctx context.Context, id string) (*model.Job, bool, error) {
	currentTime := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'started',
		    started_at = $2
		WHERE id = $1 AND status = 'queued' AND started_at IS NULL
		RETURNING `+jobColumns, id, currentTime)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// Requeue transitions a started job back to queued with a new execute-after
// time and a cleared start timestamp. This is the reschedule outcome; it is
// neither success nor failure.
func (r *JobRepo) Requeue(ctx context.Context, id string, executeAfter time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued',
		    started_at = NULL,
		    execute_after = $2
		WHERE id = $1 AND status = 'started'
	`, id, executeAfter.UTC())
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}

	rowsAffected, raErr := res.RowsAffected()
	if raErr != nil {
		return fmt.Errorf("rows affected: %w", raErr)
	}
	if rowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Finish persists a terminal result for a started job. Returns false if the
// job was not in started state (already swept, or finished elsewhere).
func (r *JobRepo) Finish(ctx context.Context, id string, result *model.JobResult) (bool, error) {
	if result == nil || !result.Status.Terminal() {
		return false, errors.New("a terminal result is required")
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	currentTime := r.timeProvider.Now().UTC()
	res, execErr := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    result = $3,
		    completed_at = $4
		WHERE id = $1 AND status = 'started'
	`, id, result.Status, encoded, currentTime)
	if execErr != nil {
		return false, fmt.Errorf("finish job: %w", execErr)
	}

	rowsAffected, raErr := res.RowsAffected()
	if raErr != nil {
		return false, fmt.Errorf("rows affected: %w", raErr)
	}
	return rowsAffected > 0, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Stats returns counts of jobs of the given type in each state.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'queued')    AS queued,
    count(*) FILTER (WHERE status = 'started')   AS started,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'errored')   AS errored,
    count(*) FILTER (WHERE status = 'timeout')   AS timeout
  FROM jobs
  WHERE type = $1
  `, jobType).Scan(
		&s.Queued,
		&s.Started,
		&s.Completed,
		&s.Failed,
		&s.Errored,
		&s.Timeout,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload, result                      []byte
	packageID                            sql.NullInt64
	startedAt, completedAt, executeAfter sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&d.payload,
		&d.packageID,
		&d.result,
		&job.CreatedAt,
		&d.startedAt,
		&d.completedAt,
		&d.executeAfter,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Payload = cloneJSON(d.payload)
	if len(d.result) > 0 {
		job.Result = append(json.RawMessage(nil), d.result...)
	}
	job.PackageID = cloneNullableInt64(d.packageID)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.ExecuteAfter = cloneNullableTime(d.executeAfter)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	data.apply(job)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
