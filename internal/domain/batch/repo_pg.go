package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/icdmap/icdmap/internal/domain/icd"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type jobRepoPG struct {
	db queryable
}

// NewRepoPG returns a Postgres-backed job repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &jobRepoPG{db: pool}
}

const jobColumns = `id, user_id, status, COALESCE(original_filename,''), COALESCE(system,''),
	codes, total, processed, succeeded, failed, COALESCE(error,''), results,
	created_at, started_at, completed_at`

func (r *jobRepoPG) Create(ctx context.Context, job *Job) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO batch_jobs (
			id, user_id, status, original_filename, system, codes, total, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.UserID, job.Status, job.OriginalFilename, job.System,
		job.Codes, job.Total, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create batch job: %w", err)
	}
	return nil
}

func (r *jobRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	return job, nil
}

func (r *jobRepoPG) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Job, int, error) {
	var total int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM batch_jobs WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count batch jobs: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list batch jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("list batch jobs: %w", err)
	}
	return jobs, total, nil
}

func (r *jobRepoPG) ListResumable(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs
		 WHERE status IN ('pending', 'processing')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list resumable batch jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list resumable batch jobs: %w", err)
	}
	return jobs, nil
}

func (r *jobRepoPG) MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE batch_jobs SET status = 'processing', started_at = $2
		 WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return fmt.Errorf("mark batch job processing: %w", err)
	}
	return r.checkUpdated(ctx, tag, id, StatusProcessing)
}

func (r *jobRepoPG) AppendResult(ctx context.Context, id uuid.UUID, processed int, rep *icd.CodeReport) error {
	b, err := json.Marshal([]*icd.CodeReport{rep})
	if err != nil {
		return fmt.Errorf("encode code report: %w", err)
	}
	succeeded, failed := 0, 1
	if rep.Converted() {
		succeeded, failed = 1, 0
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE batch_jobs SET
			results = results || $2::jsonb,
			processed = processed + 1,
			succeeded = succeeded + $3,
			failed = failed + $4
		 WHERE id = $1 AND status = 'processing' AND processed = $5`, id, b, succeeded, failed, processed)
	if err != nil {
		return fmt.Errorf("append batch result: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current Status
	var at int
	err = r.db.QueryRow(ctx, `SELECT status, processed FROM batch_jobs WHERE id = $1`, id).Scan(&current, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check batch job: %w", err)
	}
	if current == StatusProcessing && at != processed {
		return fmt.Errorf("%w: at %d, expected %d", ErrStaleProgress, at, processed)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, StatusProcessing)
}

func (r *jobRepoPG) Finish(ctx context.Context, id uuid.UUID, status Status, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: finish with %s", ErrInvalidTransition, status)
	}
	from := []string{string(StatusProcessing)}
	if status == StatusFailed {
		from = append(from, string(StatusPending))
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE batch_jobs SET status = $2, error = NULLIF($3, ''), completed_at = $4
		 WHERE id = $1 AND status = ANY($5)`, id, status, errMsg, at, from)
	if err != nil {
		return fmt.Errorf("finish batch job: %w", err)
	}
	return r.checkUpdated(ctx, tag, id, status)
}

// checkUpdated tells a missing job apart from one whose status forbids the
// update.
func (r *jobRepoPG) checkUpdated(ctx context.Context, tag pgconn.CommandTag, id uuid.UUID, next Status) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current Status
	err := r.db.QueryRow(ctx, `SELECT status FROM batch_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check batch job: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var results []byte
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.OriginalFilename, &j.System,
		&j.Codes, &j.Total, &j.Processed, &j.Succeeded, &j.Failed, &j.Error, &results,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Results = []*icd.CodeReport{}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return nil, fmt.Errorf("decode results of job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
