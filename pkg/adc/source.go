package adc

import (
	"errors"

	"github.com/itohio/dfrnode/pkg/config"
)

// NumChannels is the number of channels converted on every read.
const NumChannels = config.NumChannels

var (
	// ErrNoData is returned by Read before the front-end delivered its first frame.
	ErrNoData = errors.New("adc: no data")
	// ErrNotConnected is returned by Read on a closed source.
	ErrNotConnected = errors.New("adc: not connected")
)

// Reading is one conversion of every channel, in logical channel order.
type Reading [NumChannels]uint16

// Source defines the interface for ADC front-ends (real or mocked).
//
// Read is called from the sampling context: implementations must not block,
// allocate or take locks that other goroutines hold for long.
type Source interface {
	Connect() error
	Close() error
	Read(r *Reading) error
	IsConnected() bool
}

// Ensure Serial implements Source.
var _ Source = (*Serial)(nil)

// Ensure Mock implements Source.
var _ Source = (*Mock)(nil)

// MaxCount returns the largest raw value of an ADC with the given resolution.
func MaxCount(bits int) uint16 {
	if bits <= 0 || bits > 16 {
		bits = 16
	}
	return uint16(uint32(1)<<bits - 1)
}
