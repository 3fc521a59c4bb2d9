// Package processor recompresses one stored image and records the outcome.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"image-optimizer-go/internal/compressor"
	"image-optimizer-go/internal/logger"
	"image-optimizer-go/internal/quality"
	"image-optimizer-go/internal/store"
)

var (
	ErrRead              = errors.New("cannot read original file")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrEncode            = errors.New("encode failed")
	ErrResolution        = errors.New("cannot resolve item id")
	ErrStore             = errors.New("store update failed")
)

// StatsRecorder adds one successful compression to the running totals.
type StatsRecorder interface {
	Record(ctx context.Context, originalSize, compressedSize int64) (store.Stats, error)
}

// Identifier maps a file path back to its item id.
type Identifier interface {
	IdentifyPath(ctx context.Context, filePath string) (string, error)
}

// Marker stores the optimized marker for an item.
type Marker interface {
	MarkOptimized(ctx context.Context, itemID string, at time.Time) error
}

// Result describes one processed item.
type Result struct {
	Path           string    `json:"path"`
	ItemID         string    `json:"item_id,omitempty"`
	OriginalSize   int64     `json:"original_size"`
	CompressedSize int64     `json:"compressed_size"`
	Quality        int       `json:"quality"`
	Marked         bool      `json:"marked"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Saved returns the bytes saved, negative when the file grew.
func (r Result) Saved() int64 {
	return r.OriginalSize - r.CompressedSize
}

// Processor runs the single-item pipeline.
type Processor struct {
	loader compressor.Loader
	policy quality.Policy
	stats  StatsRecorder
	ids    Identifier
	marker Marker
	log    logrus.FieldLogger
	now    func() time.Time
}

// New wires a processor from its collaborators.
func New(loader compressor.Loader, policy quality.Policy, stats StatsRecorder, ids Identifier, marker Marker, log logrus.FieldLogger) *Processor {
	return &Processor{
		loader: loader,
		policy: policy,
		stats:  stats,
		ids:    ids,
		marker: marker,
		log:    log,
		now:    time.Now,
	}
}

// Process recompresses the file at path in place. Stats and the marker are
// written only after the rewrite succeeded. A file that grows is still a
// success. When the path cannot be mapped to an item id the marker is
// skipped and the call still succeeds with Result.Marked false.
func (p *Processor) Process(ctx context.Context, path string) (Result, error) {
	res := Result{Path: path, StartedAt: p.now()}
	log := logger.WithOperation(p.log, "process")

	info, err := os.Stat(path)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrRead, path, err)
	}
	if !info.Mode().IsRegular() {
		return res, fmt.Errorf("%w: %s is not a regular file", ErrRead, path)
	}
	res.OriginalSize = info.Size()

	enc, err := p.loader.Load(ctx, path)
	if err != nil {
		if errors.Is(err, compressor.ErrUnsupportedFormat) {
			return res, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
		}
		return res, fmt.Errorf("%w: %w", ErrRead, err)
	}

	res.Quality = p.policy.Compute(res.OriginalSize)
	if err := enc.Rewrite(ctx, res.Quality); err != nil {
		return res, fmt.Errorf("%w: %s at quality %d: %w", ErrEncode, path, res.Quality, err)
	}

	info, err = os.Stat(path)
	if err != nil {
		return res, fmt.Errorf("%w: re-stat %s: %w", ErrRead, path, err)
	}
	res.CompressedSize = info.Size()

	if _, err := p.stats.Record(ctx, res.OriginalSize, res.CompressedSize); err != nil {
		return res, fmt.Errorf("%w: %w", ErrStore, err)
	}

	id, err := p.ids.IdentifyPath(ctx, path)
	if err != nil {
		log.WithField("file", path).WithError(fmt.Errorf("%w: %w", ErrResolution, err)).Warn("Compressed file has no item id, marker not written")
		res.FinishedAt = p.now()
		return res, nil
	}
	res.ItemID = id

	if err := p.marker.MarkOptimized(ctx, id, p.now()); err != nil {
		return res, fmt.Errorf("%w: mark %s: %w", ErrStore, id, err)
	}
	res.Marked = true
	res.FinishedAt = p.now()

	logger.WithItem(log, id, path).WithFields(logrus.Fields{
		"quality":         res.Quality,
		"original_size":   res.OriginalSize,
		"compressed_size": res.CompressedSize,
	}).Info("Image compressed")

	return res, nil
}
