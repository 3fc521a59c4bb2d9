// Package upload optimizes images as they are added to the library and
// leaves a one-shot notice describing the savings.
package upload

import (
	"context"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"image-optimizer-go/internal/batch"
	"image-optimizer-go/internal/logger"
	"image-optimizer-go/internal/statistics"
	"image-optimizer-go/internal/store"
)

// SupportedTypes are the media types recompressed on upload.
var SupportedTypes = []string{"image/jpeg", "image/png"}

// NoticeStore keeps the transient notice.
type NoticeStore interface {
	PutNotice(ctx context.Context, n store.Notice, ttl time.Duration) error
	TakeNotice(ctx context.Context) (*store.Notice, error)
}

// Hook runs the item processor for a freshly uploaded file.
type Hook struct {
	processor batch.ItemProcessor
	notices   NoticeStore
	ttl       time.Duration
	log       logrus.FieldLogger
}

func NewHook(proc batch.ItemProcessor, notices NoticeStore, ttl time.Duration, log logrus.FieldLogger) *Hook {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Hook{processor: proc, notices: notices, ttl: ttl, log: log}
}

// HandleUpload recompresses path when mediaType is JPEG or PNG. An empty
// mediaType is sniffed from the content. It returns the stored notice, or nil
// when the file was skipped or processing failed. Failures are only logged.
// A load or encode failure leaves the original file in place, but when the
// stats or marker write fails the file has already been replaced.
func (h *Hook) HandleUpload(ctx context.Context, path, mediaType string) *store.Notice {
	log := logger.WithOperation(h.log, "upload").WithField("file", path)

	if mediaType == "" {
		mt, err := mimetype.DetectFile(path)
		if err != nil {
			log.WithError(err).Warn("Cannot detect uploaded file type")
			return nil
		}
		mediaType = mt.String()
	}
	if !mimetype.EqualsAny(mediaType, SupportedTypes...) {
		log.WithField("media_type", mediaType).Debug("Upload is not a supported image, leaving as is")
		return nil
	}

	res, err := h.processor.Process(ctx, path)
	if err != nil {
		log.WithError(err).Warn("Upload optimization failed")
		return nil
	}

	n := store.Notice{
		OriginalSizeLabel:   statistics.FormatBytes(res.OriginalSize),
		CompressedSizeLabel: statistics.FormatBytes(res.CompressedSize),
		SavingsBytes:        res.Saved(),
	}
	if err := h.notices.PutNotice(ctx, n, h.ttl); err != nil {
		log.WithError(err).Warn("Failed to store upload notice")
		return nil
	}
	return &n
}

// TakeNotice returns the pending notice once.
func (h *Hook) TakeNotice(ctx context.Context) (*store.Notice, error) {
	return h.notices.TakeNotice(ctx)
}
