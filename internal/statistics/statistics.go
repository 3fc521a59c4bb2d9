package statistics

import (
	"context"
	"fmt"

	"image-optimizer-go/internal/store"
)

// StatsStore is the slice of the settings store the accumulator needs.
type StatsStore interface {
	LoadStats(ctx context.Context) (store.Stats, error)
	UpdateStats(ctx context.Context, mutate func(*store.Stats)) (store.Stats, error)
}

// Accumulator maintains the durable running compression totals.
type Accumulator struct {
	store StatsStore
}

// Summary is the statistics view shown to operators.
type Summary struct {
	Count               uint64  `json:"count"`
	OriginalBytes       uint64  `json:"original_bytes"`
	CompressedBytes     uint64  `json:"compressed_bytes"`
	SavedBytes          int64   `json:"saved_bytes"`
	SavedPercent        float64 `json:"saved_percent"`
	OriginalSizeLabel   string  `json:"original_size_label"`
	CompressedSizeLabel string  `json:"compressed_size_label"`
	SavedSizeLabel      string  `json:"saved_size_label"`
}

// NewAccumulator returns an Accumulator backed by s.
func NewAccumulator(s StatsStore) *Accumulator {
	return &Accumulator{store: s}
}

// Record adds one successful compression to the totals. Sizes below zero
// are counted as zero.
func (a *Accumulator) Record(ctx context.Context, originalSize, compressedSize int64) (store.Stats, error) {
	orig := nonNegative(originalSize)
	comp := nonNegative(compressedSize)
	st, err := a.store.UpdateStats(ctx, func(st *store.Stats) {
		st.Count++
		st.OriginalBytes += orig
		st.CompressedBytes += comp
	})
	if err != nil {
		return store.Stats{}, fmt.Errorf("update compression stats: %w", err)
	}
	return st, nil
}

// Summary loads the totals and derives savings.
func (a *Accumulator) Summary(ctx context.Context) (Summary, error) {
	st, err := a.store.LoadStats(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load compression stats: %w", err)
	}
	return Summarize(st), nil
}

// Summarize derives the savings view from raw totals.
func Summarize(st store.Stats) Summary {
	saved := int64(st.OriginalBytes) - int64(st.CompressedBytes)
	var percent float64
	if st.OriginalBytes > 0 {
		percent = float64(saved) * 100 / float64(st.OriginalBytes)
	}
	return Summary{
		Count:               st.Count,
		OriginalBytes:       st.OriginalBytes,
		CompressedBytes:     st.CompressedBytes,
		SavedBytes:          saved,
		SavedPercent:        percent,
		OriginalSizeLabel:   FormatBytes(int64(st.OriginalBytes)),
		CompressedSizeLabel: FormatBytes(int64(st.CompressedBytes)),
		SavedSizeLabel:      FormatBytes(saved),
	}
}

// String returns a formatted summary of all statistics.
func (s Summary) String() string {
	return fmt.Sprintf(`Compression Statistics Summary:

		Total Images Compressed: %d
		Total Space Saved: %s (%.1f%%)
		Original Total Size: %s
		Compressed Total Size: %s`,
		s.Count,
		s.SavedSizeLabel,
		s.SavedPercent,
		s.OriginalSizeLabel,
		s.CompressedSizeLabel)
}

// FormatBytes returns a human-readable string for a byte count with two
// decimals, e.g. "1.50 MB".
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + FormatBytes(-bytes)
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTP"[exp])
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
