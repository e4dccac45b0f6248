package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.UploadAttempt()
	m.UploadAttempt()
	m.UploadDone(true, 10*time.Millisecond)
	m.UploadDone(false, time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.uploadAttempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.uploads.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.batchesLost))
	assert.Equal(t, 1, testutil.CollectAndCount(m.uploadLatency))

	m.Heartbeat(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.heartbeats.WithLabelValues("error")))

	m.OTASession("committed")
	m.OTAState(4)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.otaSessions.WithLabelValues("committed")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.otaState))
}

func TestMetrics_FirmwareVersion(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FirmwareVersion("1.0.0")
	m.FirmwareVersion("1.0.1")

	expected := `
# HELP dfr_firmware_info Running firmware version, always 1.
# TYPE dfr_firmware_info gauge
dfr_firmware_info{version="1.0.1"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dfr_firmware_info"))
}

func TestMetrics_CounterFunc(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	var n uint64 = 3
	m.CounterFunc("overruns_total", "Dropped batches.", func() uint64 { return n })
	n = 7

	expected := `
# HELP dfr_overruns_total Dropped batches.
# TYPE dfr_overruns_total counter
dfr_overruns_total 7
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dfr_overruns_total"))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.UploadAttempt()
		m.UploadDone(true, time.Second)
		m.Heartbeat(true)
		m.OTASession("idle")
		m.OTAState(0)
		m.FirmwareVersion("1.0.0")
		m.CounterFunc("x", "y", func() uint64 { return 0 })
	})
}

func TestMetrics_NoRegistry(t *testing.T) {
	m := New(nil)
	assert.NotPanics(t, func() {
		m.UploadDone(false, time.Second)
		m.CounterFunc("x", "y", func() uint64 { return 0 })
	})
}
