package upload

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-optimizer-go/internal/compressor"
	"image-optimizer-go/internal/inventory"
	"image-optimizer-go/internal/logger"
	"image-optimizer-go/internal/processor"
	"image-optimizer-go/internal/quality"
	"image-optimizer-go/internal/store"
)

type stubProcessor struct {
	calls int
	res   processor.Result
	err   error
}

func (s *stubProcessor) Process(ctx context.Context, path string) (processor.Result, error) {
	s.calls++
	return s.res, s.err
}

func TestHandleUploadStoresNotice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	proc := &stubProcessor{res: processor.Result{OriginalSize: 2 << 20, CompressedSize: 1 << 20}}
	h := NewHook(proc, st, time.Minute, logger.Discard())

	n := h.HandleUpload(ctx, "/lib/a.jpg", "image/jpeg")
	require.NotNil(t, n)
	assert.Equal(t, "2.00 MB", n.OriginalSizeLabel)
	assert.Equal(t, "1.00 MB", n.CompressedSizeLabel)
	assert.Equal(t, int64(1<<20), n.SavingsBytes)

	got, err := h.TakeNotice(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	got, err = h.TakeNotice(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHandleUploadIgnoresOtherTypes(t *testing.T) {
	proc := &stubProcessor{}
	h := NewHook(proc, store.NewMemoryStore(), 0, logger.Discard())

	for _, mt := range []string{"image/gif", "application/pdf", "video/mp4"} {
		assert.Nil(t, h.HandleUpload(context.Background(), "/lib/x", mt))
	}
	assert.Zero(t, proc.calls)

	// Parameters on the media type are ignored.
	assert.NotNil(t, h.HandleUpload(context.Background(), "/lib/x.png", "image/png; charset=binary"))
	assert.Equal(t, 1, proc.calls)
}

func TestHandleUploadSniffsType(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "photo.png")
	require.NoError(t, imaging.Save(image.NewNRGBA(image.Rect(0, 0, 4, 4)), img))
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o644))

	proc := &stubProcessor{}
	h := NewHook(proc, store.NewMemoryStore(), time.Minute, logger.Discard())

	assert.Nil(t, h.HandleUpload(context.Background(), txt, ""))
	assert.NotNil(t, h.HandleUpload(context.Background(), img, ""))
	assert.Equal(t, 1, proc.calls)
}

func TestHandleUploadFailureIsSilent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h := NewHook(&stubProcessor{err: processor.ErrEncode}, st, time.Minute, logger.Discard())

	assert.Nil(t, h.HandleUpload(ctx, "/lib/a.jpg", "image/jpeg"))

	n, err := st.TakeNotice(ctx)
	require.NoError(t, err)
	assert.Nil(t, n, "no notice after a failure")
}

type brokenNotices struct{}

func (brokenNotices) PutNotice(context.Context, store.Notice, time.Duration) error {
	return errors.New("redis down")
}

func (brokenNotices) TakeNotice(context.Context) (*store.Notice, error) {
	return nil, errors.New("redis down")
}

func TestHandleUploadNoticeStoreFailure(t *testing.T) {
	h := NewHook(&stubProcessor{}, brokenNotices{}, time.Minute, logger.Discard())
	assert.Nil(t, h.HandleUpload(context.Background(), "/lib/a.jpg", "image/jpeg"))
}

type brokenStats struct{}

func (brokenStats) Record(context.Context, int64, int64) (store.Stats, error) {
	return store.Stats{}, errors.New("stats write refused")
}

// A stats failure happens after the rewrite, so the upload has already been
// replaced even though no notice is stored.
func TestHandleUploadStatsFailureAfterRewrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")

	img := image.NewNRGBA(image.Rect(0, 0, 96, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 96; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 37), G: uint8(y * 53), B: uint8(x ^ y), A: 255})
		}
	}
	require.NoError(t, imaging.Save(img, path, imaging.JPEGQuality(100)))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	inv, err := inventory.NewFilesystem(dir, logger.Discard())
	require.NoError(t, err)
	st := store.NewMemoryStore()
	proc := processor.New(compressor.NewImagingLoader(nil, logger.Discard()), quality.Default(), brokenStats{}, inv, st, logger.Discard())
	h := NewHook(proc, st, time.Minute, logger.Discard())

	assert.Nil(t, h.HandleUpload(ctx, path, "image/jpeg"))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(before, after), "file was rewritten before the stats write failed")

	marked, err := st.IsOptimized(ctx, "photo.jpg")
	require.NoError(t, err)
	assert.False(t, marked)
	n, err := st.TakeNotice(ctx)
	require.NoError(t, err)
	assert.Nil(t, n)
}
