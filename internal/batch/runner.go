// Package batch drives the resumable bulk optimization job: Init enumerates
// candidates and Step processes exactly one of them per call.
package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"image-optimizer-go/internal/inventory"
	"image-optimizer-go/internal/logger"
	"image-optimizer-go/internal/processor"
	"image-optimizer-go/internal/store"
)

// ErrBusy is returned when another Init or Step holds the job lease.
var ErrBusy = errors.New("batch: another init or step is in progress")

// ItemProcessor recompresses one file.
type ItemProcessor interface {
	Process(ctx context.Context, path string) (processor.Result, error)
}

// Outcome statuses for a single Step.
const (
	OutcomeCompressed       = "compressed"
	OutcomeSkipped          = "skipped"
	OutcomeAlreadyOptimized = "already_optimized"
)

// Outcome is what happened to the item a Step consumed.
type Outcome struct {
	ItemID string            `json:"item_id"`
	Status string            `json:"status"`
	Reason string            `json:"reason,omitempty"`
	Result *processor.Result `json:"result,omitempty"`
}

// InitResult is returned by Init.
type InitResult struct {
	JobID            string `json:"job_id"`
	Total            int    `json:"total"`
	AlreadyOptimized bool   `json:"already_optimized"`
}

// StepResult is returned by Step.
type StepResult struct {
	Done             bool     `json:"done"`
	Total            int      `json:"total"`
	Processed        int      `json:"processed"`
	Percentage       int      `json:"percentage"`
	CurrentItemLabel string   `json:"current_item_label"`
	Outcome          *Outcome `json:"outcome,omitempty"`
}

// Options configures a Runner.
type Options struct {
	MediaTypes []string
	LeaseTTL   time.Duration
}

// Runner owns the job record.
type Runner struct {
	store     store.Store
	inventory inventory.Inventory
	processor ItemProcessor
	opts      Options
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewRunner wires a runner from its collaborators.
func NewRunner(s store.Store, inv inventory.Inventory, proc ItemProcessor, opts Options, log logrus.FieldLogger) *Runner {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	return &Runner{
		store:     s,
		inventory: inv,
		processor: proc,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// Init enumerates unoptimized items and replaces any previous job record,
// including one that can no longer be decoded.
func (r *Runner) Init(ctx context.Context) (InitResult, error) {
	jobID := uuid.NewString()
	log := logger.WithJob(r.log, jobID, "init")

	release, err := r.lease(ctx)
	if err != nil {
		return InitResult{}, err
	}
	defer release()

	prev, err := r.store.LoadJob(ctx)
	if errors.Is(err, store.ErrCorruptJob) {
		log.WithError(err).Warn("Discarding unreadable bulk job record")
		prev, err = nil, nil
	}
	if err != nil {
		return InitResult{}, fmt.Errorf("%w: load job: %w", processor.ErrStore, err)
	}

	ids, err := r.inventory.ListCandidates(ctx, r.opts.MediaTypes, r.store)
	if err != nil {
		return InitResult{}, fmt.Errorf("enumerate candidates: %w", err)
	}

	now := r.now()
	job := &store.Job{
		ID:              jobID,
		Total:           len(ids),
		Pending:         ids,
		AlreadyComplete: len(ids) == 0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if prev != nil {
		job.Version = prev.Version
	}
	if err := r.store.SaveJob(ctx, job); err != nil {
		return InitResult{}, fmt.Errorf("%w: save job: %w", processor.ErrStore, err)
	}

	log.WithField("total", job.Total).Info("Bulk job initialized")

	return InitResult{
		JobID:            jobID,
		Total:            job.Total,
		AlreadyOptimized: job.AlreadyComplete,
	}, nil
}

// Step consumes the front item of the pending list. Per-item failures are
// logged to the job and still count as processed. The record is persisted
// last, so a failed save leaves the item at the front for the next Step.
func (r *Runner) Step(ctx context.Context) (StepResult, error) {
	release, err := r.lease(ctx)
	if err != nil {
		return StepResult{}, err
	}
	defer release()

	job, err := r.store.LoadJob(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("%w: load job: %w", processor.ErrStore, err)
	}
	if job == nil {
		return StepResult{Done: true}, nil
	}
	if job.Done() {
		return resultFor(job, nil), nil
	}

	id := job.Pending[0]
	log := logger.WithJob(r.log, job.ID, "step").WithField("item", id)

	outcome, err := r.handle(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	if outcome.Status == OutcomeSkipped {
		log.WithField("reason", outcome.Reason).Warn("Item skipped")
		job.Skipped = append(job.Skipped, store.Skip{ItemID: id, Reason: outcome.Reason, At: r.now()})
	}

	job.Pending = job.Pending[1:]
	if job.Processed < job.Total {
		job.Processed++
	}
	job.CurrentItemLabel = id
	job.UpdatedAt = r.now()

	if err := r.store.SaveJob(ctx, job); err != nil {
		return StepResult{}, fmt.Errorf("%w: save job: %w", processor.ErrStore, err)
	}

	res := resultFor(job, outcome)
	log.WithFields(logrus.Fields{
		"processed": res.Processed,
		"total":     res.Total,
		"status":    outcome.Status,
	}).Debug("Step finished")
	if res.Done {
		log.WithField("skipped", len(job.Skipped)).Info("Bulk job completed")
	}
	return res, nil
}

// Run calls Step until the job is done or ctx is cancelled. onStep, when
// non-nil, sees every result.
func (r *Runner) Run(ctx context.Context, onStep func(StepResult)) (StepResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return StepResult{}, err
		}
		res, err := r.Step(ctx)
		if err != nil {
			return res, err
		}
		if onStep != nil {
			onStep(res)
		}
		if res.Done {
			return res, nil
		}
	}
}

func (r *Runner) handle(ctx context.Context, id string) (*Outcome, error) {
	marked, err := r.store.IsOptimized(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: check marker for %s: %w", processor.ErrStore, id, err)
	}
	if marked {
		return &Outcome{ItemID: id, Status: OutcomeAlreadyOptimized}, nil
	}

	path, err := r.inventory.ResolvePath(ctx, id)
	if err != nil {
		return &Outcome{
			ItemID: id,
			Status: OutcomeSkipped,
			Reason: fmt.Errorf("%w: %w", processor.ErrResolution, err).Error(),
		}, nil
	}

	res, err := r.processor.Process(ctx, path)
	if err != nil {
		return &Outcome{ItemID: id, Status: OutcomeSkipped, Reason: err.Error()}, nil
	}
	return &Outcome{ItemID: id, Status: OutcomeCompressed, Result: &res}, nil
}

// lease takes the job lease and returns its release func.
func (r *Runner) lease(ctx context.Context) (func(), error) {
	owner := uuid.NewString()
	if err := r.store.AcquireLease(ctx, owner, r.opts.LeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("%w: acquire lease: %w", processor.ErrStore, err)
	}
	return func() {
		if err := r.store.ReleaseLease(context.WithoutCancel(ctx), owner); err != nil {
			r.log.WithError(err).Warn("Failed to release job lease")
		}
	}, nil
}

func resultFor(job *store.Job, outcome *Outcome) StepResult {
	return StepResult{
		Done:             job.Done(),
		Total:            job.Total,
		Processed:        job.Processed,
		Percentage:       Percentage(job.Processed, job.Total),
		CurrentItemLabel: job.CurrentItemLabel,
		Outcome:          outcome,
	}
}

// Percentage returns round(processed/total*100), or 0 when total is 0.
func Percentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}
