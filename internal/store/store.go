// Package store persists the bulk job record, per-item optimized markers,
// the running compression statistics and the transient upload notice.
package store

import (
	"context"
	"errors"
	"time"
)

// Durable key names, relative to the configured prefix.
const (
	KeyStats       = "compression_stats"
	KeyJob         = "bulk_process_job"
	KeyJobLease    = "bulk_process_job:lease"
	KeyNotice      = "upload_notice"
	KeyMarkerSpace = "optimized_at_timestamp:"
)

var (
	// ErrConflict is returned by SaveJob when the stored record's version no
	// longer matches the version the caller loaded.
	ErrConflict = errors.New("store: job record was modified concurrently")
	// ErrLeaseHeld is returned by AcquireLease while another owner holds it.
	ErrLeaseHeld = errors.New("store: job lease held by another owner")
	// ErrCorruptJob is returned by LoadJob when the stored job record cannot
	// be decoded. SaveJob treats such a record as version 0.
	ErrCorruptJob = errors.New("store: job record is unreadable")
)

// Stats is the durable compression statistics record.
type Stats struct {
	Count           uint64 `json:"count"`
	OriginalBytes   uint64 `json:"original_bytes"`
	CompressedBytes uint64 `json:"compressed_bytes"`
}

// Skip is one entry of a job's failure log.
type Skip struct {
	ItemID string    `json:"item_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Job is the durable bulk job record.
type Job struct {
	ID               string    `json:"id"`
	Total            int       `json:"total"`
	Processed        int       `json:"processed"`
	Pending          []string  `json:"pending"`
	AlreadyComplete  bool      `json:"already_complete"`
	Skipped          []Skip    `json:"skipped,omitempty"`
	CurrentItemLabel string    `json:"current_item_label,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Done reports whether nothing is left to process.
func (j *Job) Done() bool {
	return len(j.Pending) == 0
}

// Notice is the one-shot message shown after an upload was optimized.
type Notice struct {
	OriginalSizeLabel   string `json:"original_size_label"`
	CompressedSizeLabel string `json:"compressed_size_label"`
	SavingsBytes        int64  `json:"savings_bytes"`
}

// Store is the durable settings/metadata store.
type Store interface {
	// LoadJob returns the current job record, or nil when none exists.
	LoadJob(ctx context.Context) (*Job, error)
	// SaveJob writes job if the stored version still equals job.Version
	// (0 when no record exists or it no longer decodes). On success
	// job.Version is incremented.
	SaveJob(ctx context.Context, job *Job) error

	// LoadStats returns the statistics, zero-valued when never written.
	LoadStats(ctx context.Context) (Stats, error)
	// UpdateStats applies mutate as one read-modify-write and returns the result.
	UpdateStats(ctx context.Context, mutate func(*Stats)) (Stats, error)

	MarkOptimized(ctx context.Context, itemID string, at time.Time) error
	// OptimizedAt returns the marker timestamp and whether the marker exists.
	OptimizedAt(ctx context.Context, itemID string) (time.Time, bool, error)
	IsOptimized(ctx context.Context, itemID string) (bool, error)

	PutNotice(ctx context.Context, n Notice, ttl time.Duration) error
	// TakeNotice returns and deletes the pending notice, or nil.
	TakeNotice(ctx context.Context) (*Notice, error)

	AcquireLease(ctx context.Context, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, owner string) error

	Close() error
}

func cloneJob(j *Job) *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Pending = append([]string(nil), j.Pending...)
	c.Skipped = append([]Skip(nil), j.Skipped...)
	return &c
}
