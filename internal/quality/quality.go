// Package quality maps an image's size to the encoder quality used to
// recompress it. Larger files get a lower quality, linearly in megabytes.
package quality

import "math"

const (
	DefaultMin = 40
	DefaultMax = 85

	// PerMegabyte is how many quality points are given up per megabyte.
	PerMegabyte = 4
)

// Policy holds the quality bounds. The zero value is not useful; use
// Default or NewPolicy.
type Policy struct {
	Min int
	Max int
}

// Default returns the policy with the stock 40..85 bounds.
func Default() Policy {
	return Policy{Min: DefaultMin, Max: DefaultMax}
}

// NewPolicy returns a policy with the given bounds, swapping them if they
// arrive reversed and pinning them into 0..100.
func NewPolicy(min, max int) Policy {
	if min > max {
		min, max = max, min
	}
	return Policy{Min: clamp(min, 0, 100), Max: clamp(max, 0, 100)}
}

// Compute returns the quality for a file of originalSize bytes, always in
// [p.Min, p.Max]. Fractional results are rounded to the nearest point, so
// files of a few kilobytes stay at p.Max.
func (p Policy) Compute(originalSize int64) int {
	if originalSize <= 0 {
		return p.Max
	}
	sizeMB := float64(originalSize) / (1024 * 1024)
	raw := float64(p.Max) - sizeMB*PerMegabyte
	if raw <= float64(p.Min) {
		return p.Min
	}
	return clamp(int(math.Round(raw)), p.Min, p.Max)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
