package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/icdmap/icdmap/internal/domain/icd"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition is returned when a status change would move a job
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s may move to next. Jobs only move forward:
// pending -> processing -> completed|failed. A pending job may also fail
// outright.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Job is a persisted batch conversion request.
type Job struct {
	ID               uuid.UUID         `json:"id"`
	UserID           string            `json:"userId"`
	Status           Status            `json:"status"`
	OriginalFilename string            `json:"originalFilename,omitempty"`
	System           string            `json:"system,omitempty"`
	Codes            []string          `json:"codes"`
	Total            int               `json:"total"`
	Processed        int               `json:"processed"`
	Succeeded        int               `json:"succeeded"`
	Failed           int               `json:"failed"`
	Error            string            `json:"error,omitempty"`
	Results          []*icd.CodeReport `json:"results"`
	CreatedAt        time.Time         `json:"createdAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
}

// NewJob creates a pending job for codes.
func NewJob(userID, filename, system string, codes []string) *Job {
	return &Job{
		ID:               uuid.New(),
		UserID:           userID,
		Status:           StatusPending,
		OriginalFilename: filename,
		System:           system,
		Codes:            codes,
		Total:            len(codes),
		Results:          []*icd.CodeReport{},
		CreatedAt:        time.Now().UTC(),
	}
}

// Transition moves the job to next, stamping the start or completion time.
func (j *Job) Transition(next Status, at time.Time) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	switch {
	case next == StatusProcessing:
		j.StartedAt = &at
	case next.Terminal():
		j.CompletedAt = &at
	}
	return nil
}

// Remaining returns the codes not yet recorded in Results.
func (j *Job) Remaining() []string {
	if j.Processed >= len(j.Codes) {
		return nil
	}
	return j.Codes[j.Processed:]
}

// Progress is the processed fraction in [0, 1].
func (j *Job) Progress() float64 {
	if j.Total == 0 {
		return 1
	}
	return float64(j.Processed) / float64(j.Total)
}

// Record appends a code report and updates the counters.
func (j *Job) Record(rep *icd.CodeReport) {
	j.Results = append(j.Results, rep)
	j.Processed++
	if rep.Converted() {
		j.Succeeded++
	} else {
		j.Failed++
	}
}
