// Package acquire drives periodic ADC sampling into the capture buffer.
package acquire

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/itohio/dfrnode/pkg/adc"
	"github.com/itohio/dfrnode/pkg/capture"
)

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Ticks      uint64 `json:"ticks"`
	Sealed     uint64 `json:"sealed"`
	Overruns   uint64 `json:"overruns"`
	ReadErrors uint64 `json:"readErrors"`
	MissedTick uint64 `json:"missedTicks"`
}

// Pipeline samples every channel on each tick and seals full batches into
// the capture buffer.
type Pipeline struct {
	src   adc.Source
	buf   *capture.Buffer
	clock *Clock
	ready chan struct{}

	// sampler-owned
	last adc.Reading
	cur  adc.Reading

	readErrors atomic.Uint64
}

// New creates a pipeline reading src into buf at the clock's interval.
func New(src adc.Source, buf *capture.Buffer, clock *Clock) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("nil source")
	}
	if buf == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	if clock == nil {
		return nil, fmt.Errorf("nil clock")
	}
	return &Pipeline{
		src:   src,
		buf:   buf,
		clock: clock,
		ready: make(chan struct{}, 1),
	}, nil
}

// Ready signals that a batch was sealed. Several seals may collapse into one signal.
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

// Buffer returns the capture buffer the pipeline fills.
func (p *Pipeline) Buffer() *capture.Buffer { return p.buf }

// OnTick takes one reading of all channels. It runs in the sampling context:
// it does not block, allocate, lock or log.
func (p *Pipeline) OnTick(now time.Time) {
	if err := p.src.Read(&p.cur); err != nil {
		// Hold the previous value so the cadence stays intact.
		p.readErrors.Add(1)
		p.cur = p.last
	}
	p.last = p.cur

	switch p.buf.Append(now, &p.cur) {
	case capture.Swapped, capture.DroppedOldest:
		select {
		case p.ready <- struct{}{}:
		default:
		}
	}
}

// Run samples until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	p.clock.Run(ctx, p.OnTick)
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Ticks:      p.clock.Ticks(),
		Sealed:     p.buf.Sealed(),
		Overruns:   p.buf.Overruns(),
		ReadErrors: p.readErrors.Load(),
		MissedTick: p.clock.Missed(),
	}
}
