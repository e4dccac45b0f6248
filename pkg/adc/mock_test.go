package adc

import (
	"testing"
	"time"

	"github.com/itohio/dfrnode/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMock(t *testing.T) *Mock {
	t.Helper()
	cfg := config.Default()
	m := NewMock(&cfg.Mock, &cfg.Acquisition)
	require.NoError(t, m.Connect())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMock_ReadRange(t *testing.T) {
	m := newTestMock(t)

	var r Reading
	for i := 0; i < 1000; i++ {
		require.NoError(t, m.Read(&r))
		for ch, v := range r {
			assert.LessOrEqual(t, v, uint16(4095), "channel %d", ch)
		}
	}
}

func TestMock_Deterministic(t *testing.T) {
	a := newTestMock(t)
	b := newTestMock(t)

	var ra, rb Reading
	for i := 0; i < 100; i++ {
		require.NoError(t, a.Read(&ra))
		require.NoError(t, b.Read(&rb))
		require.Equal(t, ra, rb, "read %d", i)
	}
}

func TestMock_ReferenceIsDC(t *testing.T) {
	cfg := config.Default()
	cfg.Mock.NoiseLevel = 0
	m := NewMock(&cfg.Mock, &cfg.Acquisition)
	require.NoError(t, m.Connect())

	var r Reading
	require.NoError(t, m.Read(&r))
	first := r[7]
	for i := 0; i < 50; i++ {
		require.NoError(t, m.Read(&r))
		assert.Equal(t, first, r[7])
	}
	// 1.65V of 3.3V at 12 bits
	assert.InDelta(t, 2048, int(first), 2)
}

func TestMock_PhaseVoltageSwings(t *testing.T) {
	m := newTestMock(t)

	// One full 50Hz cycle at 1kHz.
	lo, hi := uint16(4095), uint16(0)
	var r Reading
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Read(&r))
		lo = min(lo, r[0])
		hi = max(hi, r[0])
	}
	// +-1V around the offset is roughly +-1241 counts.
	assert.Greater(t, int(hi)-int(lo), 2000)
}

func TestMock_FailNext(t *testing.T) {
	m := newTestMock(t)
	m.FailNext(2)

	var r Reading
	assert.Error(t, m.Read(&r))
	assert.Error(t, m.Read(&r))
	assert.NoError(t, m.Read(&r))
}

func TestMock_NilConfig(t *testing.T) {
	m := NewMock(nil, nil)
	require.NoError(t, m.Connect())

	var r Reading
	assert.NoError(t, m.Read(&r))
}

func TestMock_ReadDoesNotAllocate(t *testing.T) {
	m := newTestMock(t)

	var r Reading
	allocs := testing.AllocsPerRun(100, func() {
		_ = m.Read(&r)
	})
	assert.Zero(t, allocs)
}

func TestMock_SampleIntervalScalesFrequency(t *testing.T) {
	cfg := config.Default()
	cfg.Acquisition.SampleInterval = 2 * time.Millisecond
	m := NewMock(&cfg.Mock, &cfg.Acquisition)
	ref := NewMock(&cfg.Mock, nil)

	assert.InDelta(t, 2*ref.omega, m.omega, 1e-6)
}

func TestMock_PhaseStableAfterLongRun(t *testing.T) {
	cfg := &config.MockConfig{Amplitude: 1, Offset: 1.65, Frequency: 50}
	acq := &config.AcquisitionConfig{SampleInterval: time.Millisecond}

	early := NewMock(cfg, acq)
	late := NewMock(cfg, acq)
	require.NoError(t, early.Connect())
	require.NoError(t, late.Connect())

	// Whole 50 Hz cycles past 2^24 reads, about 15 days at 1 kHz.
	late.n = 20 * (1 << 26)

	var a, b Reading
	for i := 0; i < 40; i++ {
		require.NoError(t, early.Read(&a))
		require.NoError(t, late.Read(&b))
		for ch := range a {
			assert.InDelta(t, float64(a[ch]), float64(b[ch]), 1, "read %d channel %d", i, ch)
		}
	}
}
