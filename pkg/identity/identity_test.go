package identity

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/dfrnode/pkg/config"
)

func withInterfaces(t *testing.T, ifaces []net.Interface, err error) {
	t.Helper()
	orig := Interfaces
	Interfaces = func() ([]net.Interface, error) { return ifaces, err }
	t.Cleanup(func() { Interfaces = orig })
}

var (
	lo   = net.Interface{Name: "lo", Flags: net.FlagLoopback, HardwareAddr: nil}
	eth0 = net.Interface{Name: "eth0", HardwareAddr: net.HardwareAddr{0x24, 0x0a, 0xc4, 0x12, 0xab, 0xcd}}
	wlan = net.Interface{Name: "wlan0", HardwareAddr: net.HardwareAddr{0x30, 0xae, 0xa4, 0x01, 0x02, 0x03}}
)

func TestFromMAC(t *testing.T) {
	assert.Equal(t, "esp32-C412ABCD", FromMAC("esp32", eth0.HardwareAddr))
	assert.Equal(t, "dfr-0102", FromMAC("dfr", net.HardwareAddr{0x01, 0x02}))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.DeviceConfig
		ifaces  []net.Interface
		wantID  string
		wantSrc Source
	}{
		{"configured id wins", config.DeviceConfig{ID: " feeder-7 "}, []net.Interface{eth0}, "feeder-7", FromConfig},
		{"first non-loopback", config.DeviceConfig{IDPrefix: "esp32"}, []net.Interface{lo, eth0, wlan}, "esp32-C412ABCD", FromHardware},
		{"named interface", config.DeviceConfig{IDPrefix: "esp32", Interface: "wlan0"}, []net.Interface{lo, eth0, wlan}, "esp32-A4010203", FromHardware},
		{"default prefix", config.DeviceConfig{}, []net.Interface{wlan}, "esp32-A4010203", FromHardware},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withInterfaces(t, tt.ifaces, nil)

			id, src, err := Resolve(&tt.cfg, t.TempDir())
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantSrc, src)
		})
	}
}

func TestResolve_MissingNamedInterface(t *testing.T) {
	withInterfaces(t, []net.Interface{lo}, nil)

	_, _, err := Resolve(&config.DeviceConfig{Interface: "wlan0"}, t.TempDir())
	assert.Error(t, err)
}

func TestResolve_GeneratedIsPersisted(t *testing.T) {
	withInterfaces(t, nil, errors.New("no interfaces"))
	dir := filepath.Join(t.TempDir(), "data")

	id, src, err := Resolve(&config.DeviceConfig{IDPrefix: "dfr"}, dir)
	require.NoError(t, err)
	assert.Equal(t, Generated, src)
	assert.True(t, strings.HasPrefix(id, "dfr-"))

	data, err := os.ReadFile(filepath.Join(dir, "device_id"))
	require.NoError(t, err)
	assert.Equal(t, id, strings.TrimSpace(string(data)))

	again, src, err := Resolve(&config.DeviceConfig{IDPrefix: "dfr"}, dir)
	require.NoError(t, err)
	assert.Equal(t, FromFile, src)
	assert.Equal(t, id, again)
}

func TestResolve_LoopbackOnlyFallsBack(t *testing.T) {
	withInterfaces(t, []net.Interface{lo}, nil)

	_, src, err := Resolve(&config.DeviceConfig{}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Generated, src)
}
