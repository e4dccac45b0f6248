package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownsample_NoDownsampling(t *testing.T) {
	src := []int64{0, 1000, 2000}

	// Test with nil dst
	result := Downsample(nil, src, 10)
	require.Equal(t, 3, len(result))
	assert.Equal(t, src, result)

	// Test with sufficient capacity dst
	dst := make([]int64, 0, 10)
	result = Downsample(dst, src, 10)
	require.Equal(t, 3, len(result))
	assert.Equal(t, src, result)
	// Should reuse dst
	assert.Equal(t, cap(dst), cap(result))
}

func TestDownsample_WithDownsampling(t *testing.T) {
	src := make([]float64, 100)
	for i := range src {
		src[i] = float64(i) * 0.01
	}

	dst := make([]float64, 0, 20)
	result := Downsample(dst, src, 10)
	require.Equal(t, 10, len(result))

	// Should always include first value
	assert.Equal(t, src[0], result[0])
	// Values from across the range
	assert.GreaterOrEqual(t, result[len(result)-1], 0.8)

	for i := 1; i < len(result); i++ {
		assert.Greater(t, result[i], result[i-1])
	}
}

func TestDownsample_DestinationReuse(t *testing.T) {
	src := make([]uint16, 100)
	dst := make([]uint16, 5, 50)

	result := Downsample(dst, src, 10)
	assert.Len(t, result, 10)
	assert.Equal(t, 50, cap(result))

	// Too small dst allocates
	small := make([]uint16, 0, 2)
	result = Downsample(small, src, 10)
	assert.Len(t, result, 10)
	assert.GreaterOrEqual(t, cap(result), 10)
}

func TestDownsample_EmptyInput(t *testing.T) {
	result := Downsample[int](nil, nil, 10)
	assert.Empty(t, result)
}

func TestDownsample_ExactMaxPoints(t *testing.T) {
	src := make([]int, 10)
	for i := range src {
		src[i] = i
	}

	result := Downsample(nil, src, 10)
	assert.Equal(t, src, result)
}
