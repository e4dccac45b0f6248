package adc

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/dfrnode/pkg/config"
)

// Phase offsets of the simulated three-phase feeder, in radians.
var mockPhase = [NumChannels]float32{
	0, -2 * math32.Pi / 3, 2 * math32.Pi / 3, // va vb vc
	-math32.Pi / 6, -5 * math32.Pi / 6, math32.Pi / 2, // ia ib ic, 30deg lagging
	0, 0, // in ref
}

// Relative amplitudes per channel; the neutral carries a small residual and
// the reference channel is DC.
var mockScale = [NumChannels]float32{1, 1, 1, 0.6, 0.6, 0.6, 0.05, 0}

// Mock simulates an 8-channel front-end wired to a three-phase feeder.
// Readings are a pure function of the read index, so a run is reproducible.
type Mock struct {
	amplitude float32
	offset    float32
	omega     float64 // radians per read
	noise     float32
	scale     float32 // counts per volt
	maxCount  float32

	connected atomic.Bool
	n         uint64 // read index, touched only by the sampler
	faults    atomic.Int64
}

// NewMock creates a mocked front-end converting at the given interval.
func NewMock(cfg *config.MockConfig, acq *config.AcquisitionConfig) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{Amplitude: 1.0, Offset: 1.65, Frequency: 50, NoiseLevel: 0.01}
	}
	interval := time.Millisecond
	vref := 3.3
	bits := DefaultResolution
	if acq != nil {
		if acq.SampleInterval > 0 {
			interval = acq.SampleInterval
		}
		if acq.VRef > 0 {
			vref = acq.VRef
		}
		if acq.Resolution > 0 {
			bits = acq.Resolution
		}
	}

	maxCount := float32(MaxCount(bits))
	return &Mock{
		amplitude: float32(cfg.Amplitude),
		offset:    float32(cfg.Offset),
		omega:     2 * math.Pi * cfg.Frequency * interval.Seconds(),
		noise:     float32(cfg.NoiseLevel),
		scale:     maxCount / float32(vref),
		maxCount:  maxCount,
	}
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	if !m.connected.CompareAndSwap(false, true) {
		return fmt.Errorf("already connected")
	}
	return nil
}

// Close stops the mocked device.
func (m *Mock) Close() error {
	m.connected.Store(false)
	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	return m.connected.Load()
}

// FailNext makes the next n reads return an error.
func (m *Mock) FailNext(n int) {
	m.faults.Store(int64(n))
}

// Read synthesizes the next reading.
func (m *Mock) Read(r *Reading) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}
	if m.faults.Load() > 0 {
		m.faults.Add(-1)
		return fmt.Errorf("simulated conversion fault")
	}

	n := float64(m.n)
	m.n++

	// Deterministic pseudo-noise, as two incommensurate sines.
	nz := (math32.Sin(wrap(n*0.37)) + math32.Cos(wrap(n*1.13))) * m.noise * 0.5

	theta := wrap(m.omega * n)
	for ch := 0; ch < NumChannels; ch++ {
		v := m.offset + m.amplitude*mockScale[ch]*math32.Sin(theta+mockPhase[ch]) + nz
		r[ch] = m.counts(v)
	}
	return nil
}

// wrap reduces an angle to [0, 2pi) before narrowing, so long runs keep
// their phase resolution.
func wrap(a float64) float32 {
	return float32(math.Mod(a, 2*math.Pi))
}

func (m *Mock) counts(v float32) uint16 {
	c := v * m.scale
	if c < 0 {
		return 0
	}
	if c > m.maxCount {
		return uint16(m.maxCount)
	}
	return uint16(c + 0.5)
}
