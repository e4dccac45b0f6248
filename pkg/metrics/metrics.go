// Package metrics exposes agent counters to Prometheus.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dfr"

// Metrics holds the agent's collectors.
type Metrics struct {
	uploads        *prometheus.CounterVec
	uploadAttempts prometheus.Counter
	batchesLost    prometheus.Counter
	uploadLatency  prometheus.Histogram
	heartbeats     *prometheus.CounterVec
	otaSessions    *prometheus.CounterVec
	otaState       prometheus.Gauge
	firmwareInfo   *prometheus.GaugeVec

	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Sample batch uploads by result.",
		}, []string{"result"}),
		uploadAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Individual POST attempts for sample batches, including retries.",
		}),
		batchesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_lost_total",
			Help:      "Sealed batches dropped after exhausting upload attempts.",
		}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time from taking a sealed batch to its delivery or drop.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats by result.",
		}, []string{"result"}),
		otaSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ota_sessions_total",
			Help:      "OTA check sessions by outcome.",
		}, []string{"outcome"}),
		otaState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ota_state",
			Help:      "Current OTA state (0=idle 1=checking 2=downloading 3=verifying 4=flashing 5=committed 6=rolling_back 7=failed).",
		}),
		firmwareInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "firmware_info",
			Help:      "Running firmware version, always 1.",
		}, []string{"version"}),
		reg: reg,
	}

	if reg != nil {
		reg.MustRegister(
			m.uploads, m.uploadAttempts, m.batchesLost, m.uploadLatency,
			m.heartbeats, m.otaSessions, m.otaState, m.firmwareInfo,
		)
	}
	return m
}

// CounterFunc registers a counter whose value is read from fn on scrape.
// Used for counters owned by the sampler, which must not touch collectors.
func (m *Metrics) CounterFunc(name, help string, fn func() uint64) {
	if m == nil || m.reg == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

func (m *Metrics) UploadAttempt() {
	if m == nil {
		return
	}
	m.uploadAttempts.Inc()
}

// UploadDone records the final result of one batch.
func (m *Metrics) UploadDone(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	if ok {
		m.uploads.WithLabelValues("ok").Inc()
	} else {
		m.uploads.WithLabelValues("lost").Inc()
		m.batchesLost.Inc()
	}
	m.uploadLatency.Observe(took.Seconds())
}

func (m *Metrics) Heartbeat(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.heartbeats.WithLabelValues("ok").Inc()
	} else {
		m.heartbeats.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) OTASession(outcome string) {
	if m == nil {
		return
	}
	m.otaSessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OTAState(state int) {
	if m == nil {
		return
	}
	m.otaState.Set(float64(state))
}

// FirmwareVersion marks version as the running one.
func (m *Metrics) FirmwareVersion(version string) {
	if m == nil {
		return
	}
	m.firmwareInfo.Reset()
	m.firmwareInfo.WithLabelValues(version).Set(1)
}
