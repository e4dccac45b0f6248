package adc

import (
	"fmt"
	"sort"

	"github.com/itohio/dfrnode/pkg/config"
)

// Pin is a hardware input number (GPIO number on ESP32 targets).
type Pin uint8

// Input describes the hardware behind one logical channel.
type Input struct {
	Channel int
	Name    string
	Pin     Pin
}

// ChannelMap maps logical channels 0..NumChannels-1 to hardware inputs.
type ChannelMap [NumChannels]Input

// platformInputs lists the analog-capable pins per platform.
var platformInputs = map[string][]Pin{
	// ADC1 only: ADC2 cannot be read while the radio is up.
	"esp32": {32, 33, 34, 35, 36, 37, 38, 39},
	// ADC1 on GPIO1..GPIO10.
	"esp32s3": {1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	// RP2040 with the front-end firmware driving a CD4051 mux on ADC0..ADC2;
	// mux inputs are exposed as virtual pins 0..7.
	"rp2040-mux": {0, 1, 2, 3, 4, 5, 6, 7},
}

// Platforms returns the names of the known platforms, sorted.
func Platforms() []string {
	names := make([]string, 0, len(platformInputs))
	for name := range platformInputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllowedInputs returns the analog-capable pins of a platform.
func AllowedInputs(platform string) ([]Pin, error) {
	pins, ok := platformInputs[platform]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q (known: %v)", platform, Platforms())
	}
	out := make([]Pin, len(pins))
	copy(out, pins)
	return out, nil
}

// NewChannelMap validates the configured channels against the platform's
// allowed input set and returns the resulting mapping.
func NewChannelMap(platform string, channels []config.ChannelConfig) (ChannelMap, error) {
	var m ChannelMap

	allowed, err := AllowedInputs(platform)
	if err != nil {
		return m, err
	}
	if len(channels) != NumChannels {
		return m, fmt.Errorf("expected %d channels, got %d", NumChannels, len(channels))
	}

	ok := make(map[Pin]bool, len(allowed))
	for _, p := range allowed {
		ok[p] = true
	}

	usedPins := make(map[Pin]int, NumChannels)
	usedNames := make(map[string]int, NumChannels)
	for i, ch := range channels {
		if ch.Pin < 0 || ch.Pin > 255 || !ok[Pin(ch.Pin)] {
			return m, fmt.Errorf("channel %d: pin %d is not an analog input on %s (allowed: %v)", i, ch.Pin, platform, allowed)
		}
		pin := Pin(ch.Pin)
		if prev, dup := usedPins[pin]; dup {
			return m, fmt.Errorf("channel %d: pin %d already used by channel %d", i, ch.Pin, prev)
		}
		usedPins[pin] = i

		name := ch.Name
		if name == "" {
			name = fmt.Sprintf("ch%d", i)
		}
		if prev, dup := usedNames[name]; dup {
			return m, fmt.Errorf("channel %d: name %q already used by channel %d", i, name, prev)
		}
		usedNames[name] = i

		m[i] = Input{Channel: i, Name: name, Pin: pin}
	}

	return m, nil
}

// Names returns the channel names in logical order.
func (m ChannelMap) Names() []string {
	out := make([]string, len(m))
	for i, in := range m {
		out[i] = in.Name
	}
	return out
}
