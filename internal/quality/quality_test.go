package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const mb = 1024 * 1024

func TestCompute(t *testing.T) {
	p := Default()

	tests := []struct {
		name string
		size int64
		want int
	}{
		{"zero", 0, 85},
		{"negative", -10, 85},
		{"one byte", 1, 85},
		{"100 KB", 100 * 1024, 85},
		{"1 MB", 1 * mb, 81},
		{"5 MB", 5 * mb, 65},
		{"11.25 MB", 11*mb + mb/4, 40},
		{"20 MB", 20 * mb, 40},
		{"huge", 1 << 40, 40},
		{"half MB", mb / 2, 83},
		{"fraction rounds", 3 * mb / 10, 84},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Compute(tt.size))
		})
	}
}

func TestComputeIsMonotonic(t *testing.T) {
	p := Default()
	prev := p.Compute(0)
	for size := int64(0); size <= 16*mb; size += 64 * 1024 {
		q := p.Compute(size)
		assert.LessOrEqual(t, q, prev, "size %d", size)
		assert.GreaterOrEqual(t, q, p.Min)
		assert.LessOrEqual(t, q, p.Max)
		prev = q
	}
}

func TestNewPolicy(t *testing.T) {
	assert.Equal(t, Policy{Min: 30, Max: 90}, NewPolicy(90, 30))
	assert.Equal(t, Policy{Min: 0, Max: 100}, NewPolicy(-5, 120))

	p := NewPolicy(60, 60)
	assert.Equal(t, 60, p.Compute(0))
	assert.Equal(t, 60, p.Compute(50*mb))
}
