// Package upload drains sealed capture batches to the server.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/itohio/dfrnode/pkg/adc"
	"github.com/itohio/dfrnode/pkg/capture"
	"github.com/itohio/dfrnode/pkg/config"
	"github.com/itohio/dfrnode/pkg/errcode"
	"github.com/itohio/dfrnode/pkg/metrics"
	"github.com/itohio/dfrnode/pkg/protocol"
	"github.com/itohio/dfrnode/pkg/sample"
	"github.com/itohio/dfrnode/pkg/transport"
)

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Lost      uint64 `json:"lost"`
	Attempts  uint64 `json:"attempts"`
}

// Options configures a Scheduler.
type Options struct {
	Buffer      *capture.Buffer
	Transport   transport.Transport
	Config      *config.UploadConfig
	Acquisition *config.AcquisitionConfig
	Channels    adc.ChannelMap
	DeviceID    string
	Location    string
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Scheduler uploads sealed batches with bounded retries.
type Scheduler struct {
	buf        *capture.Buffer
	tr         transport.Transport
	cfg        config.UploadConfig
	chans      adc.ChannelMap
	conv       sample.Converter
	sampleRate float64
	deviceID   string
	location   string
	metrics    *metrics.Metrics
	log        *zap.Logger

	delivered atomic.Uint64
	lost      atomic.Uint64
	attempts  atomic.Uint64
	preview   atomic.Pointer[Preview]
}

// New creates a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Buffer == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("nil transport")
	}
	if opts.Config == nil || opts.Acquisition == nil {
		return nil, fmt.Errorf("nil config")
	}
	if opts.Config.MaxAttempts < 1 {
		return nil, errcode.New(errcode.InvalidConfig, "upload", fmt.Errorf("max_attempts must be at least 1"))
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Scheduler{
		buf:        opts.Buffer,
		tr:         opts.Transport,
		cfg:        *opts.Config,
		chans:      opts.Channels,
		conv:       sample.NewConverter(opts.Acquisition.VRef, opts.Acquisition.Resolution),
		sampleRate: opts.Acquisition.SampleRateHz(),
		deviceID:   opts.DeviceID,
		location:   opts.Location,
		metrics:    opts.Metrics,
		log:        log.With(zap.String("component", "upload")),
	}, nil
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Lost:      s.lost.Load(),
		Attempts:  s.attempts.Load(),
	}
}

// Lost returns the number of batches dropped after exhausting retries.
func (s *Scheduler) Lost() uint64 { return s.lost.Load() }

// Preview returns a decimated copy of the last delivered batch, or nil.
func (s *Scheduler) Preview() *Preview { return s.preview.Load() }

// DrainAndSend uploads the sealed batch, if any. It reports whether a batch
// was taken. A non-nil error means the batch was dropped.
func (s *Scheduler) DrainAndSend(ctx context.Context) (bool, error) {
	batch, ok := s.buf.Acquire()
	if !ok {
		return false, nil
	}
	started := time.Now()

	req := s.request(batch)
	err := s.send(ctx, batch.Seq, req)
	if err == nil {
		s.preview.Store(s.buildPreview(batch))
	}

	if rerr := s.buf.Release(batch); rerr != nil {
		s.log.Error("failed to release batch slot", zap.Uint64("seq", batch.Seq), zap.Error(rerr))
	}

	if err != nil {
		lost := s.lost.Add(1)
		s.metrics.UploadDone(false, time.Since(started))
		s.log.Warn("dropped batch",
			zap.Uint64("seq", req.Seq),
			zap.Uint64("lost", lost),
			zap.String("code", string(errcode.Of(err))),
			zap.Error(err))
		return true, err
	}

	s.delivered.Add(1)
	s.metrics.UploadDone(true, time.Since(started))
	s.log.Debug("uploaded batch", zap.Uint64("seq", req.Seq), zap.Duration("took", time.Since(started)))
	return true, nil
}

// send posts req, retrying transient failures with exponential backoff.
func (s *Scheduler) send(ctx context.Context, seq uint64, req *protocol.SamplesRequest) error {
	attempt := 0
	op := func() error {
		attempt++
		s.attempts.Add(1)
		s.metrics.UploadAttempt()

		err := s.tr.PostJSON(ctx, protocol.PathSamples, req, nil)
		if err != nil && transport.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.log.Info("upload attempt failed",
			zap.Uint64("seq", seq),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, s.newBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	code := errcode.Of(err)
	if errors.Is(err, context.Canceled) {
		code = errcode.Canceled
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = errcode.Timeout
	}
	return errcode.New(code, "upload", fmt.Errorf("batch %d after %d attempts: %w", seq, attempt, err))
}

func (s *Scheduler) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)
}

// request serializes a draining batch.
func (s *Scheduler) request(batch *capture.Batch) *protocol.SamplesRequest {
	req := &protocol.SamplesRequest{
		EspID:         s.deviceID,
		Seq:           batch.Seq,
		CapturedAt:    batch.Start.UTC(),
		SampleRateHz:  s.sampleRate,
		FaultType:     protocol.FaultTypeLive,
		FaultLocation: s.location,
		OffsetsUs:     batch.Offsets(),
		Channels:      make([]protocol.Channel, adc.NumChannels),
	}
	for ch := range batch.Channels {
		samples := batch.Channels[ch][:batch.Len()]
		req.Channels[ch] = protocol.Channel{
			Channel: ch,
			Name:    s.chans[ch].Name,
			Pin:     int(s.chans[ch].Pin),
			Samples: samples,
			Stats:   s.conv.ComputeStats(samples),
		}
	}
	return req
}

// Run drains batches on every upload tick until ctx is done. Ready signals
// mark a batch as pending so idle ticks do not touch the buffer.
func (s *Scheduler) Run(ctx context.Context, ready <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ready:
			pending = true
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			for {
				took, _ := s.DrainAndSend(ctx)
				if !took || ctx.Err() != nil {
					break
				}
			}
		}
	}
}
