// Package identity resolves the device id reported to the server.
package identity

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/itohio/dfrnode/pkg/config"
)

// Source says where a resolved id came from.
type Source string

const (
	FromConfig   Source = "config"
	FromHardware Source = "hardware"
	FromFile     Source = "file"
	Generated    Source = "generated"
)

const idFile = "device_id"

// Interfaces lists network interfaces. Replaced in tests.
var Interfaces = net.Interfaces

// Resolve returns the device id. The configured id wins; otherwise the id is
// derived from the last four bytes of a hardware address as <prefix>-AABBCCDD;
// otherwise a random id persisted in dataDir is used.
func Resolve(cfg *config.DeviceConfig, dataDir string) (string, Source, error) {
	if id := strings.TrimSpace(cfg.ID); id != "" {
		return id, FromConfig, nil
	}

	prefix := cfg.IDPrefix
	if prefix == "" {
		prefix = "esp32"
	}
	if mac, err := hardwareAddr(cfg.Interface); err == nil {
		return FromMAC(prefix, mac), FromHardware, nil
	} else if cfg.Interface != "" {
		return "", "", fmt.Errorf("failed to read address of %s: %w", cfg.Interface, err)
	}

	return persisted(prefix, dataDir)
}

// FromMAC formats an id from the last four bytes of mac.
func FromMAC(prefix string, mac net.HardwareAddr) string {
	tail := mac
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return fmt.Sprintf("%s-%X", prefix, []byte(tail))
}

func hardwareAddr(name string) (net.HardwareAddr, error) {
	ifaces, err := Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if name != "" && iface.Name != name {
			continue
		}
		if name == "" && iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) < 4 || bytes.Equal(iface.HardwareAddr, make([]byte, len(iface.HardwareAddr))) {
			if name != "" {
				return nil, fmt.Errorf("interface has no hardware address")
			}
			continue
		}
		return iface.HardwareAddr, nil
	}
	return nil, errors.New("no usable hardware address")
}

func persisted(prefix, dataDir string) (string, Source, error) {
	path := filepath.Join(dataDir, idFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, FromFile, nil
		}
	} else if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := prefix + "-" + uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create data dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write device id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, Generated, nil
}
