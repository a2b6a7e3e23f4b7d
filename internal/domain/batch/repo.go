package batch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/icdmap/icdmap/internal/domain/icd"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("batch job not found")
	// ErrStaleProgress is returned when a result is appended against a
	// processed count that is no longer current.
	ErrStaleProgress = errors.New("batch job progress is stale")
)

// Repository persists batch jobs. Results are appended one code at a time so
// a crash leaves every finished code recorded.
type Repository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Job, int, error)
	// ListResumable returns pending and processing jobs, oldest first.
	ListResumable(ctx context.Context) ([]*Job, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) error
	// AppendResult records the code report at index processed of a
	// processing job. It fails with ErrStaleProgress if the job has moved on.
	AppendResult(ctx context.Context, id uuid.UUID, processed int, rep *icd.CodeReport) error
	Finish(ctx context.Context, id uuid.UUID, status Status, errMsg string, at time.Time) error
}
