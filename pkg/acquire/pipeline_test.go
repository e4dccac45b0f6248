package acquire

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itohio/dfrnode/pkg/adc"
	"github.com/itohio/dfrnode/pkg/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterSource returns readings whose channels hold the read index.
type counterSource struct {
	n      uint16
	failOn map[uint16]bool
}

func (s *counterSource) Connect() error    { return nil }
func (s *counterSource) Close() error      { return nil }
func (s *counterSource) IsConnected() bool { return true }
func (s *counterSource) Read(r *adc.Reading) error {
	n := s.n
	s.n++
	if s.failOn[n] {
		return errors.New("conversion fault")
	}
	for ch := range r {
		r[ch] = n + uint16(ch)*1000
	}
	return nil
}

func newPipeline(t *testing.T, size int, src adc.Source) *Pipeline {
	t.Helper()
	buf, err := capture.New(size, time.Millisecond)
	require.NoError(t, err)
	p, err := New(src, buf, NewClock(time.Millisecond))
	require.NoError(t, err)
	return p
}

func tick(p *Pipeline, from, n int) {
	for i := from; i < from+n; i++ {
		p.OnTick(t0.Add(time.Duration(i) * time.Millisecond))
	}
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew_Invalid(t *testing.T) {
	buf, err := capture.New(4, time.Millisecond)
	require.NoError(t, err)

	_, err = New(nil, buf, NewClock(time.Millisecond))
	assert.Error(t, err)
	_, err = New(&counterSource{}, nil, NewClock(time.Millisecond))
	assert.Error(t, err)
	_, err = New(&counterSource{}, buf, nil)
	assert.Error(t, err)
}

func TestPipeline_SealsAndSignals(t *testing.T) {
	p := newPipeline(t, 10, &counterSource{})

	tick(p, 0, 9)
	select {
	case <-p.Ready():
		t.Fatal("signalled before the batch was complete")
	default:
	}

	tick(p, 9, 1)
	select {
	case <-p.Ready():
	default:
		t.Fatal("expected ready signal")
	}

	batch, ok := p.Buffer().Acquire()
	require.True(t, ok)
	assert.Equal(t, 10, batch.Len())
	for ch := range batch.Channels {
		assert.Len(t, batch.Channels[ch], 10)
		assert.Equal(t, uint16(ch)*1000+9, batch.Channels[ch][9])
	}
	for i := 1; i < batch.Len(); i++ {
		assert.Equal(t, time.Millisecond, batch.Stamps[i].Sub(batch.Stamps[i-1]), "stamp %d", i)
	}
}

func TestPipeline_ReadErrorHoldsPrevious(t *testing.T) {
	p := newPipeline(t, 4, &counterSource{failOn: map[uint16]bool{2: true}})

	tick(p, 0, 4)
	batch, ok := p.Buffer().Acquire()
	require.True(t, ok)

	assert.Equal(t, []uint16{0, 1, 1, 3}, batch.Channels[0])
	assert.Equal(t, uint64(1), p.Stats().ReadErrors)
}

func TestPipeline_ThreeDroppedBatches(t *testing.T) {
	p := newPipeline(t, 5, &counterSource{})

	// Four batches sealed with no upload in between.
	tick(p, 0, 20)

	s := p.Stats()
	assert.Equal(t, uint64(3), s.Overruns)
	assert.Equal(t, uint64(4), s.Sealed)

	batch, ok := p.Buffer().Acquire()
	require.True(t, ok)
	assert.Equal(t, uint64(3), batch.Seq)
	assert.Equal(t, uint16(15), batch.Channels[0][0])
}

func TestPipeline_OnTickDoesNotAllocate(t *testing.T) {
	p := newPipeline(t, 32, &counterSource{})
	now := t0
	allocs := testing.AllocsPerRun(1000, func() {
		now = now.Add(time.Millisecond)
		p.OnTick(now)
	})
	assert.Zero(t, allocs)
}

func TestPipeline_Run(t *testing.T) {
	buf, err := capture.New(5, time.Millisecond)
	require.NoError(t, err)
	p, err := New(&counterSource{}, buf, NewClock(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	select {
	case <-p.Ready():
	case <-ctx.Done():
		t.Fatal("no batch sealed")
	}
	cancel()
	<-done

	assert.GreaterOrEqual(t, p.Stats().Ticks, uint64(5))
}

func TestClock_Observe(t *testing.T) {
	tests := []struct {
		name string
		gap  time.Duration
		want uint64
	}{
		{"on time", time.Millisecond, 0},
		{"slightly late", 1500 * time.Microsecond, 0},
		{"one skipped", 2100 * time.Microsecond, 1},
		{"five skipped", 6 * time.Millisecond, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClock(time.Millisecond)
			c.observe(time.Time{}, t0)
			c.observe(t0, t0.Add(tt.gap))
			assert.Equal(t, tt.want, c.Missed())
		})
	}
}
