// Package sample converts raw ADC counts into physical values and summaries.
package sample

import (
	"github.com/chewxy/math32"
)

// Converter maps raw ADC counts to volts at the ADC input.
type Converter struct {
	vref     float32
	maxCount float32
}

// NewConverter creates a converter for an ADC with the given reference
// voltage and resolution in bits.
func NewConverter(vref float64, bits int) Converter {
	if bits <= 0 || bits > 16 {
		bits = 12
	}
	if vref <= 0 {
		vref = 3.3
	}
	return Converter{
		vref:     float32(vref),
		maxCount: float32(uint32(1)<<bits - 1),
	}
}

// Volts converts a raw reading to voltage.
func (c Converter) Volts(count uint16) float32 {
	return (float32(count) / c.maxCount) * c.vref
}

// Stats summarizes one channel of a batch, in volts.
type Stats struct {
	Min  float32 `json:"min"`
	Max  float32 `json:"max"`
	Mean float32 `json:"mean"`
	RMS  float32 `json:"rms"`
}

// ComputeStats calculates min, max, mean and AC RMS (around the mean) of counts.
func (c Converter) ComputeStats(counts []uint16) Stats {
	if len(counts) == 0 {
		return Stats{}
	}

	lo, hi := counts[0], counts[0]
	var sum float64
	for _, v := range counts {
		lo = min(lo, v)
		hi = max(hi, v)
		sum += float64(v)
	}
	n := float64(len(counts))
	mean := float32(sum / n)

	var sq float64
	for _, v := range counts {
		d := float64(float32(v) - mean)
		sq += d * d
	}
	rms := math32.Sqrt(float32(sq / n))

	scale := c.vref / c.maxCount
	return Stats{
		Min:  c.Volts(lo),
		Max:  c.Volts(hi),
		Mean: mean * scale,
		RMS:  rms * scale,
	}
}
