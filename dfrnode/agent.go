package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/itohio/dfrnode/pkg/acquire"
	"github.com/itohio/dfrnode/pkg/adc"
	"github.com/itohio/dfrnode/pkg/auth"
	"github.com/itohio/dfrnode/pkg/capture"
	"github.com/itohio/dfrnode/pkg/config"
	"github.com/itohio/dfrnode/pkg/events"
	"github.com/itohio/dfrnode/pkg/flash"
	"github.com/itohio/dfrnode/pkg/heartbeat"
	"github.com/itohio/dfrnode/pkg/identity"
	"github.com/itohio/dfrnode/pkg/metrics"
	"github.com/itohio/dfrnode/pkg/ota"
	"github.com/itohio/dfrnode/pkg/status"
	"github.com/itohio/dfrnode/pkg/transport"
	"github.com/itohio/dfrnode/pkg/upload"
)

var errRestart = errors.New("restart requested")

// agent owns every long-running component.
type agent struct {
	cfg      *config.Config
	log      *zap.Logger
	deviceID string

	events    events.Publisher
	src       adc.Source
	serial    *adc.Serial
	pipeline  *acquire.Pipeline
	uploads   *upload.Scheduler
	heartbeat *heartbeat.Manager
	ota       *ota.Manager
	status    *status.Server

	channels []string

	restart chan struct{}
	pending atomic.Value // string
}

func newAgent(cfg *config.Config, log *zap.Logger) (*agent, error) {
	a := &agent{cfg: cfg, log: log, restart: make(chan struct{}, 1)}
	a.pending.Store("")

	id, source, err := identity.Resolve(&cfg.Device, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}
	a.deviceID = id
	log.Info("device identity", zap.String("id", id), zap.String("source", string(source)))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a.events = events.Nop{}
	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(events.Config{
			URL:     cfg.Events.NATSURL,
			Prefix:  cfg.Events.Prefix,
			Device:  id,
			Timeout: cfg.Events.Timeout,
		}, log)
		if err != nil {
			log.Warn("events disabled", zap.Error(err))
		} else {
			a.events = pub
		}
	}

	dir, err := flash.Open(cfg.Firmware.FlashDir, cfg.Firmware.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash: %w", err)
	}
	rec, promoted, err := dir.Promote()
	if err != nil {
		return nil, fmt.Errorf("failed to promote pending image: %w", err)
	}
	if promoted {
		log.Info("booted new firmware",
			zap.String("slot", string(rec.Active)),
			zap.String("version", rec.ActiveVersion()),
			zap.String("rollback", rec.RollbackVersion))
	}
	a.publish(events.TopicBoot, map[string]any{
		"version":  rec.ActiveVersion(),
		"slot":     rec.Active,
		"promoted": promoted,
		"rollback": rec.RollbackVersion,
	})

	chans, err := adc.NewChannelMap(cfg.Acquisition.Platform, cfg.Acquisition.Channels)
	if err != nil {
		return nil, err
	}
	a.channels = chans.Names()

	switch cfg.Acquisition.Source {
	case "serial":
		a.serial = adc.NewSerial(cfg.Acquisition.SerialPort, cfg.Acquisition.BaudRate, cfg.Acquisition.Resolution, log)
		a.src = a.serial
	case "mock":
		a.src = adc.NewMock(&cfg.Mock, &cfg.Acquisition)
	default:
		return nil, fmt.Errorf("unknown acquisition source %q", cfg.Acquisition.Source)
	}

	buf, err := capture.New(cfg.Acquisition.BatchSize, cfg.Acquisition.SampleInterval)
	if err != nil {
		return nil, err
	}
	a.pipeline, err = acquire.New(a.src, buf, acquire.NewClock(cfg.Acquisition.SampleInterval))
	if err != nil {
		return nil, err
	}

	hmac, err := auth.NewHMAC(cfg.Firmware.HMACSecret)
	if err != nil {
		return nil, err
	}
	tr, err := transport.NewHTTP(cfg, id, hmac, log)
	if err != nil {
		return nil, err
	}

	a.uploads, err = upload.New(upload.Options{
		Buffer:      buf,
		Transport:   tr,
		Config:      &cfg.Upload,
		Acquisition: &cfg.Acquisition,
		Channels:    chans,
		DeviceID:    id,
		Location:    cfg.Device.Location,
		Metrics:     m,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	a.ota, err = ota.New(ota.Options{
		Config:    &cfg.Firmware,
		DeviceID:  id,
		Transport: tr,
		Verifier:  hmac,
		Flash:     dir,
		Rebooter:  ota.RebootFunc(a.requestRestart),
		Events:    a.events,
		Metrics:   m,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	a.heartbeat, err = heartbeat.New(heartbeat.Options{
		Transport: tr,
		DeviceID:  id,
		Version:   a.ota.Version,
		Interval:  cfg.Timing.HeartbeatInterval,
		Counters: func() (uint64, uint64) {
			return a.pipeline.Stats().Overruns, a.uploads.Lost()
		},
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	if a.serial != nil {
		m.CounterFunc("serial_frames_total", "Frames parsed from the front-end.", func() uint64 {
			parsed, _ := a.serial.Frames()
			return parsed
		})
		m.CounterFunc("serial_rejected_lines_total", "Malformed lines from the front-end.", func() uint64 {
			_, rejected := a.serial.Frames()
			return rejected
		})
	}
	m.CounterFunc("sample_ticks_total", "Sampling ticks processed.", func() uint64 { return a.pipeline.Stats().Ticks })
	m.CounterFunc("sample_ticks_missed_total", "Sampling ticks missed by the clock.", func() uint64 { return a.pipeline.Stats().MissedTick })
	m.CounterFunc("adc_read_errors_total", "Failed ADC reads.", func() uint64 { return a.pipeline.Stats().ReadErrors })
	m.CounterFunc("batches_sealed_total", "Batches sealed by the sampler.", func() uint64 { return a.pipeline.Stats().Sealed })
	m.CounterFunc("batches_overrun_total", "Batches dropped because both slots were busy.", func() uint64 { return a.pipeline.Stats().Overruns })

	if cfg.Status.Enabled {
		a.status = status.New(status.Options{
			Addr:        cfg.Status.Addr,
			DeviceID:    id,
			Updater:     a.ota,
			Uploads:     a.uploads,
			Heartbeats:  a.heartbeat,
			Acquisition: a.pipeline.Stats,
			Gatherer:    reg,
			Logger:      log,
		})
	}
	return a, nil
}

// requestRestart is called by the OTA manager once an image is committed.
func (a *agent) requestRestart(version string) {
	a.pending.Store(version)
	select {
	case a.restart <- struct{}{}:
	default:
	}
}

func (a *agent) pendingVersion() string {
	v, _ := a.pending.Load().(string)
	return v
}

func (a *agent) publish(topic string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Events.Timeout)
	defer cancel()
	if err := a.events.Publish(ctx, topic, data); err != nil {
		a.log.Warn("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

func (a *agent) run(parent context.Context) error {
	defer a.events.Close()

	if err := a.src.Connect(); err != nil {
		return fmt.Errorf("failed to connect ADC source: %w", err)
	}
	defer a.src.Close()
	if a.serial != nil {
		if err := a.serial.SetInterval(a.cfg.Acquisition.SampleInterval); err != nil {
			a.log.Warn("failed to set front-end sample interval", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	spawn(a.pipeline.Run)
	spawn(func(ctx context.Context) { a.uploads.Run(ctx, a.pipeline.Ready()) })
	spawn(a.heartbeat.Run)
	spawn(a.ota.Run)
	spawn(a.watchOverruns)
	if a.status != nil {
		spawn(func(ctx context.Context) {
			if err := a.status.Run(ctx); err != nil {
				a.log.Error("status server stopped", zap.Error(err))
			}
		})
	}

	a.log.Info("agent started",
		zap.String("id", a.deviceID),
		zap.String("firmware", a.ota.Version()),
		zap.String("source", a.cfg.Acquisition.Source),
		zap.Strings("channels", a.channels),
		zap.Float64("sample_rate_hz", a.cfg.Acquisition.SampleRateHz()),
		zap.Int("batch_size", a.cfg.Acquisition.BatchSize))

	var restart bool
	select {
	case <-ctx.Done():
	case <-a.restart:
		restart = true
	}
	cancel()
	wg.Wait()

	if restart {
		return errRestart
	}
	return nil
}

// watchOverruns logs and publishes growth of the overrun counter.
func (a *agent) watchOverruns(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Upload.Interval)
	defer ticker.Stop()

	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := a.pipeline.Stats()
		if st.Overruns == seen {
			continue
		}
		a.log.Warn("capture buffer overrun",
			zap.Uint64("dropped", st.Overruns-seen),
			zap.Uint64("total", st.Overruns),
			zap.Uint64("lost", a.uploads.Lost()))
		a.publish(events.TopicOverrun, map[string]uint64{
			"dropped": st.Overruns - seen,
			"total":   st.Overruns,
			"sealed":  st.Sealed,
		})
		seen = st.Overruns
	}
}
