package upload

import (
	"time"

	"github.com/itohio/dfrnode/pkg/capture"
	"github.com/itohio/dfrnode/pkg/sample"
)

// Preview is a decimated view of a delivered batch, in volts.
type Preview struct {
	Seq        uint64           `json:"seq"`
	CapturedAt time.Time        `json:"capturedAt"`
	OffsetsUs  []int64          `json:"offsetsUs"`
	Channels   []PreviewChannel `json:"channels"`
}

// PreviewChannel is one channel of a Preview.
type PreviewChannel struct {
	Name  string       `json:"name"`
	Volts []float32    `json:"volts"`
	Stats sample.Stats `json:"stats"`
}

func (s *Scheduler) buildPreview(batch *capture.Batch) *Preview {
	points := s.cfg.PreviewPoints
	if points <= 0 {
		return nil
	}

	p := &Preview{
		Seq:        batch.Seq,
		CapturedAt: batch.Start.UTC(),
		OffsetsUs:  sample.Downsample(nil, batch.Offsets(), points),
		Channels:   make([]PreviewChannel, len(batch.Channels)),
	}
	for ch := range batch.Channels {
		counts := batch.Channels[ch][:batch.Len()]
		p.Channels[ch] = PreviewChannel{
			Name:  s.chans[ch].Name,
			Volts: s.conv.AverageWindows(nil, counts, points),
			Stats: s.conv.ComputeStats(counts),
		}
	}
	return p
}
