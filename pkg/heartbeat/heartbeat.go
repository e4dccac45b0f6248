// Package heartbeat reports device liveness to the server.
package heartbeat

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/dfrnode/pkg/metrics"
	"github.com/itohio/dfrnode/pkg/protocol"
	"github.com/itohio/dfrnode/pkg/transport"
)

// Counters supplies the acquisition counters carried by each heartbeat.
type Counters func() (overruns, lost uint64)

// Options configures a Manager.
type Options struct {
	Transport transport.Transport
	DeviceID  string
	Version   func() string
	Interval  time.Duration
	Counters  Counters
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Manager sends periodic heartbeats. Failures are logged and counted, never fatal.
type Manager struct {
	tr       transport.Transport
	deviceID string
	version  func() string
	interval time.Duration
	counters Counters
	metrics  *metrics.Metrics
	log      *zap.Logger
	started  time.Time
	now      func() time.Time

	sent   atomic.Uint64
	failed atomic.Uint64
	last   atomic.Int64 // unix nanos of the last successful beat
}

// New creates a heartbeat manager.
func New(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("nil transport")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	if opts.Version == nil {
		return nil, fmt.Errorf("nil version func")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		tr:       opts.Transport,
		deviceID: opts.DeviceID,
		version:  opts.Version,
		interval: opts.Interval,
		counters: opts.Counters,
		metrics:  opts.Metrics,
		log:      log.With(zap.String("component", "heartbeat")),
		started:  time.Now(),
		now:      time.Now,
	}, nil
}

// Beat sends one heartbeat.
func (m *Manager) Beat(ctx context.Context) error {
	now := m.now()
	hb := protocol.Heartbeat{
		EspID:           m.deviceID,
		FirmwareVersion: m.version(),
		Timestamp:       now.UTC(),
		Uptime:          int64(now.Sub(m.started) / time.Second),
		HeapBytes:       heapInUse(),
	}
	if m.counters != nil {
		hb.Overruns, hb.Lost = m.counters()
	}

	if err := m.tr.PostJSON(ctx, protocol.PathHeartbeat, hb, nil); err != nil {
		m.failed.Add(1)
		m.metrics.Heartbeat(false)
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}

	m.sent.Add(1)
	m.last.Store(now.UnixNano())
	m.metrics.Heartbeat(true)
	return nil
}

// Run beats immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Beat(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("heartbeat failed", zap.Uint64("failed", m.failed.Load()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sent returns the number of delivered and failed heartbeats.
func (m *Manager) Sent() (ok, failed uint64) {
	return m.sent.Load(), m.failed.Load()
}

// LastBeat returns the time of the last delivered heartbeat, or zero.
func (m *Manager) LastBeat() time.Time {
	n := m.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
