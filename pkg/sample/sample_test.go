package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConverter_Volts(t *testing.T) {
	tests := []struct {
		name  string
		vref  float64
		bits  int
		count uint16
		want  float32
	}{
		{"zero", 3.3, 12, 0, 0},
		{"full scale", 3.3, 12, 4095, 3.3},
		{"mid scale", 3.3, 12, 2048, 1.65},
		{"10 bit", 1.1, 10, 1023, 1.1},
		{"defaults", 0, 0, 4095, 3.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConverter(tt.vref, tt.bits)
			assert.InDelta(t, tt.want, c.Volts(tt.count), 0.001)
		})
	}
}

func TestComputeStats(t *testing.T) {
	c := NewConverter(4.095, 12) // 1mV per count

	s := c.ComputeStats([]uint16{1000, 3000, 1000, 3000})
	assert.InDelta(t, 1.0, s.Min, 1e-4)
	assert.InDelta(t, 3.0, s.Max, 1e-4)
	assert.InDelta(t, 2.0, s.Mean, 1e-4)
	assert.InDelta(t, 1.0, s.RMS, 1e-4)
}

func TestComputeStats_DC(t *testing.T) {
	c := NewConverter(3.3, 12)

	s := c.ComputeStats([]uint16{2048, 2048, 2048})
	assert.Equal(t, s.Min, s.Max)
	assert.InDelta(t, 1.65, s.Mean, 0.001)
	assert.Zero(t, s.RMS)
}

func TestComputeStats_Empty(t *testing.T) {
	c := NewConverter(3.3, 12)
	assert.Equal(t, Stats{}, c.ComputeStats(nil))
}
