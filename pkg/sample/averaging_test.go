package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverageWindows(t *testing.T) {
	c := NewConverter(4.095, 12)

	counts := make([]uint16, 100)
	for i := range counts {
		counts[i] = uint16(i * 10)
	}

	got := c.AverageWindows(nil, counts, 10)
	require.Len(t, got, 10)
	// First window is 0..90 counts, mean 45 counts = 0.045V.
	assert.InDelta(t, 0.045, got[0], 1e-4)
	assert.InDelta(t, 0.945, got[9], 1e-4)
}

func TestAverageWindows_KeepsSpike(t *testing.T) {
	c := NewConverter(4.095, 12)

	counts := make([]uint16, 1000)
	counts[503] = 4000

	got := c.AverageWindows(nil, counts, 10)
	require.Len(t, got, 10)
	assert.Greater(t, got[5], float32(0), "spike must contribute to its window")
	assert.Zero(t, got[4])
}

func TestAverageWindows_FewerThanMax(t *testing.T) {
	c := NewConverter(4.095, 12)

	got := c.AverageWindows(nil, []uint16{1000, 2000}, 10)
	require.Len(t, got, 2)
	assert.InDelta(t, 1.0, got[0], 1e-4)
	assert.InDelta(t, 2.0, got[1], 1e-4)
}

func TestAverageWindows_DestinationReuse(t *testing.T) {
	c := NewConverter(3.3, 12)

	dst := make([]float32, 0, 20)
	got := c.AverageWindows(dst, make([]uint16, 100), 10)
	assert.Len(t, got, 10)
	assert.Equal(t, cap(dst), cap(got))
}

func TestAverageWindows_Empty(t *testing.T) {
	c := NewConverter(3.3, 12)
	assert.Empty(t, c.AverageWindows(nil, nil, 10))
	assert.Empty(t, c.AverageWindows(nil, []uint16{1}, 0))
}
