package capture

import (
	"time"

	"github.com/itohio/dfrnode/pkg/adc"
)

// Batch is a fixed-size run of reading sets for all channels.
//
// A batch is written only while its slot is filling and read only while its
// slot is draining, so a reader never observes a partially written batch.
type Batch struct {
	Seq      uint64
	Start    time.Time
	Interval time.Duration
	Stamps   []time.Time
	Channels [adc.NumChannels][]uint16

	n int
}

func newBatch(size int, interval time.Duration) Batch {
	b := Batch{
		Interval: interval,
		Stamps:   make([]time.Time, size),
	}
	for ch := range b.Channels {
		b.Channels[ch] = make([]uint16, size)
	}
	return b
}

// Len returns the number of reading sets written.
func (b *Batch) Len() int { return b.n }

// Cap returns the number of reading sets the batch holds when sealed.
func (b *Batch) Cap() int { return len(b.Stamps) }

// Full reports whether the batch holds Cap() reading sets.
func (b *Batch) Full() bool { return b.n == len(b.Stamps) }

// append stores one reading set. It must not be called on a full batch.
func (b *Batch) append(stamp time.Time, r *adc.Reading) {
	i := b.n
	if i == 0 {
		b.Start = stamp
	}
	b.Stamps[i] = stamp
	for ch := range b.Channels {
		b.Channels[ch][i] = r[ch]
	}
	b.n = i + 1
}

func (b *Batch) reset() {
	b.n = 0
	b.Start = time.Time{}
}

// Offsets returns each reading's offset from Start, in microseconds.
func (b *Batch) Offsets() []int64 {
	out := make([]int64, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.Stamps[i].Sub(b.Start).Microseconds()
	}
	return out
}
