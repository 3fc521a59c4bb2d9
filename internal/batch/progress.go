package batch

import (
	"context"
	"fmt"
	"time"

	"image-optimizer-go/internal/processor"
	"image-optimizer-go/internal/store"
)

// State is the lifecycle position of the job record.
type State string

const (
	StateIdle            State = "idle"
	StateInitialized     State = "initialized"
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StateAlreadyComplete State = "already_complete"
)

// Progress is a read-only view of the job record.
type Progress struct {
	JobID            string    `json:"job_id,omitempty"`
	State            State     `json:"state"`
	Status           string    `json:"status"`
	Total            int       `json:"total"`
	Processed        int       `json:"processed"`
	Percentage       int       `json:"percentage"`
	Skipped          int       `json:"skipped"`
	CurrentItemLabel string    `json:"current_item_label,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// JobReader loads the job record.
type JobReader interface {
	LoadJob(ctx context.Context) (*store.Job, error)
}

// Reporter derives progress from the job record without mutating it.
type Reporter struct {
	jobs JobReader
}

func NewReporter(jobs JobReader) *Reporter {
	return &Reporter{jobs: jobs}
}

// Report returns the current progress, or the idle view when no job exists.
func (r *Reporter) Report(ctx context.Context) (Progress, error) {
	job, err := r.jobs.LoadJob(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("%w: load job: %w", processor.ErrStore, err)
	}
	return ProgressOf(job), nil
}

// Failures returns the failure log of the current job.
func (r *Reporter) Failures(ctx context.Context) ([]store.Skip, error) {
	job, err := r.jobs.LoadJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load job: %w", processor.ErrStore, err)
	}
	if job == nil || len(job.Skipped) == 0 {
		return []store.Skip{}, nil
	}
	return append([]store.Skip(nil), job.Skipped...), nil
}

// ProgressOf builds the view for job, which may be nil.
func ProgressOf(job *store.Job) Progress {
	if job == nil {
		return Progress{State: StateIdle, Status: "No bulk optimization has run yet"}
	}

	p := Progress{
		JobID:            job.ID,
		Total:            job.Total,
		Processed:        job.Processed,
		Percentage:       Percentage(job.Processed, job.Total),
		Skipped:          len(job.Skipped),
		CurrentItemLabel: job.CurrentItemLabel,
		UpdatedAt:        job.UpdatedAt,
	}

	switch {
	case job.AlreadyComplete:
		p.State = StateAlreadyComplete
		p.Status = "All images are already optimized"
	case job.Done():
		p.State = StateCompleted
		p.Status = fmt.Sprintf("Completed: %d images processed, %d skipped", job.Processed, len(job.Skipped))
	case job.Processed == 0:
		p.State = StateInitialized
		p.Status = fmt.Sprintf("Ready to process %d images", job.Total)
	default:
		p.State = StateRunning
		p.Status = fmt.Sprintf("Processed %d of %d images", job.Processed, job.Total)
	}
	return p
}
