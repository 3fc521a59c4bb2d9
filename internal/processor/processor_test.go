package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-optimizer-go/internal/compressor"
	"image-optimizer-go/internal/logger"
	"image-optimizer-go/internal/quality"
	"image-optimizer-go/internal/statistics"
	"image-optimizer-go/internal/store"
)

// fakeLoader rewrites files to a fixed size without decoding them.
type fakeLoader struct {
	newSize   int
	loadErr   error
	encodeErr error
	qualities []int
}

func (l *fakeLoader) Load(ctx context.Context, path string) (compressor.Encoder, error) {
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	return &fakeEncoder{loader: l, path: path}, nil
}

type fakeEncoder struct {
	loader *fakeLoader
	path   string
}

func (e *fakeEncoder) Rewrite(ctx context.Context, q int) error {
	e.loader.qualities = append(e.loader.qualities, q)
	if e.loader.encodeErr != nil {
		return e.loader.encodeErr
	}
	return os.WriteFile(e.path, make([]byte, e.loader.newSize), 0o644)
}

type pathIDs struct {
	root string
	err  error
}

func (p pathIDs) IdentifyPath(ctx context.Context, path string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return filepath.Rel(p.root, path)
}

type failingMarker struct{}

func (failingMarker) MarkOptimized(context.Context, string, time.Time) error {
	return errors.New("disk full")
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	return p
}

func newProcessor(st store.Store, loader compressor.Loader, ids Identifier) *Processor {
	return New(loader, quality.Default(), statistics.NewAccumulator(st), ids, st, logger.Discard())
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jpg", 2<<20)
	st := store.NewMemoryStore()
	loader := &fakeLoader{newSize: 1 << 20}

	res, err := newProcessor(st, loader, pathIDs{root: dir}).Process(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, int64(2<<20), res.OriginalSize)
	assert.Equal(t, int64(1<<20), res.CompressedSize)
	assert.Equal(t, 77, res.Quality)
	assert.Equal(t, []int{77}, loader.qualities)
	assert.Equal(t, "a.jpg", res.ItemID)
	assert.True(t, res.Marked)
	assert.Equal(t, int64(1<<20), res.Saved())

	stats, err := st.LoadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Count: 1, OriginalBytes: 2 << 20, CompressedBytes: 1 << 20}, stats)

	ok, err := st.IsOptimized(ctx, "a.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessGrowthIsSuccess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "tiny.png", 100)
	st := store.NewMemoryStore()

	res, err := newProcessor(st, &fakeLoader{newSize: 150}, pathIDs{root: dir}).Process(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(-50), res.Saved())

	stats, err := st.LoadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Count)
	assert.Equal(t, uint64(150), stats.CompressedBytes)
}

func TestProcessFailures(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		path   string
		loader *fakeLoader
		want   error
	}{
		{"missing file", filepath.Join(dir, "gone.jpg"), &fakeLoader{}, ErrRead},
		{"directory", dir, &fakeLoader{}, ErrRead},
		{"unsupported", writeFile(t, dir, "doc.jpg", 10), &fakeLoader{loadErr: fmt.Errorf("%w: text/plain", compressor.ErrUnsupportedFormat)}, ErrUnsupportedFormat},
		{"load io error", writeFile(t, dir, "io.jpg", 10), &fakeLoader{loadErr: errors.New("eio")}, ErrRead},
		{"encode", writeFile(t, dir, "enc.jpg", 10), &fakeLoader{encodeErr: errors.New("boom")}, ErrEncode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemoryStore()

			_, err := newProcessor(st, tt.loader, pathIDs{root: dir}).Process(ctx, tt.path)
			assert.ErrorIs(t, err, tt.want)

			stats, err := st.LoadStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, store.Stats{}, stats, "no stats on failure")
		})
	}
}

func TestProcessUnresolvedIDSkipsMarker(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jpg", 1000)
	st := store.NewMemoryStore()

	res, err := newProcessor(st, &fakeLoader{newSize: 900}, pathIDs{err: errors.New("outside library")}).Process(ctx, path)
	require.NoError(t, err)
	assert.False(t, res.Marked)
	assert.Empty(t, res.ItemID)

	stats, err := st.LoadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Count)
}

func TestProcessMarkerFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jpg", 1000)
	st := store.NewMemoryStore()

	p := New(&fakeLoader{newSize: 900}, quality.Default(), statistics.NewAccumulator(st), pathIDs{root: dir}, failingMarker{}, logger.Discard())
	_, err := p.Process(ctx, path)
	assert.ErrorIs(t, err, ErrStore)
}
