package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "192.168.1.100", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "1.0.0", cfg.Firmware.Version)
	assert.Equal(t, "default-dev-secret", cfg.Firmware.HMACSecret)
	assert.True(t, cfg.Firmware.AutoUpdate)
	assert.Equal(t, time.Minute, cfg.Timing.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Firmware.CheckInterval)
	assert.Equal(t, 15*time.Second, cfg.Network.ConnectTimeout)
	assert.Len(t, cfg.Acquisition.Channels, NumChannels)
	assert.Equal(t, float64(1000), cfg.Acquisition.SampleRateHz())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "192.168.1.100", cfg.Server.Host)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
server:
  host: "dfr.example.net"
  port: 8443
  scheme: https

device:
  id: "feeder-7"

firmware:
  version: "1.2.0"
  hmac_secret: "s3cret"
  auto_update: false
  check_interval: 10m

timing:
  heartbeat_interval: 30s

acquisition:
  sample_interval: 250us
  batch_size: 512
  channels:
    - {name: a, pin: 32}
    - {name: b, pin: 33}
    - {name: c, pin: 34}
    - {name: d, pin: 35}
    - {name: e, pin: 36}
    - {name: f, pin: 37}
    - {name: g, pin: 38}
    - {name: h, pin: 39}

upload:
  interval: 2s
  max_attempts: 6
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "dfr.example.net", cfg.Server.Host)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "https", cfg.Server.Scheme)
	assert.Equal(t, "feeder-7", cfg.Device.ID)
	assert.Equal(t, "1.2.0", cfg.Firmware.Version)
	assert.Equal(t, "s3cret", cfg.Firmware.HMACSecret)
	assert.False(t, cfg.Firmware.AutoUpdate)
	assert.Equal(t, 10*time.Minute, cfg.Firmware.CheckInterval)
	assert.Equal(t, 30*time.Second, cfg.Timing.HeartbeatInterval)
	assert.Equal(t, 250*time.Microsecond, cfg.Acquisition.SampleInterval)
	assert.Equal(t, 512, cfg.Acquisition.BatchSize)
	assert.Equal(t, "a", cfg.Acquisition.Channels[0].Name)
	assert.Equal(t, 39, cfg.Acquisition.Channels[7].Pin)
	assert.Equal(t, 2*time.Second, cfg.Upload.Interval)
	assert.Equal(t, 6, cfg.Upload.MaxAttempts)
	assert.Equal(t, float64(4000), cfg.Acquisition.SampleRateHz())
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
server:
  host: "10.0.0.5"
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing fields
	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 1000*time.Microsecond, cfg.Acquisition.SampleInterval)
	assert.Len(t, cfg.Acquisition.Channels, NumChannels)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "too few channels",
			yaml:    "acquisition:\n  channels:\n    - {name: a, pin: 32}\n",
			wantErr: "exactly 8 channels",
		},
		{
			name:    "upload not coarser than sampling",
			yaml:    "acquisition:\n  sample_interval: 2s\nupload:\n  interval: 1s\n",
			wantErr: "must be coarser",
		},
		{
			name:    "resolution out of range",
			yaml:    "acquisition:\n  resolution: 24\n",
			wantErr: "resolution",
		},
		{
			name:    "unknown source",
			yaml:    "acquisition:\n  source: seral\n",
			wantErr: "acquisition.source",
		},
		{
			name:    "negative check interval",
			yaml:    "firmware:\n  check_interval: -5m\n",
			wantErr: "firmware.check_interval must be positive",
		},
		{
			name:    "negative download timeout",
			yaml:    "firmware:\n  download_timeout: -1s\n",
			wantErr: "firmware.download_timeout must be positive",
		},
		{
			name:    "negative verify timeout",
			yaml:    "firmware:\n  verify_timeout: -1s\n",
			wantErr: "firmware.verify_timeout must be positive",
		},
		{
			name:    "negative heartbeat interval",
			yaml:    "timing:\n  heartbeat_interval: -1m\n",
			wantErr: "timing.heartbeat_interval must be positive",
		},
		{
			name:    "negative initial backoff",
			yaml:    "upload:\n  initial_backoff: -1s\n",
			wantErr: "upload.initial_backoff must be positive",
		},
		{
			name:    "negative max backoff",
			yaml:    "upload:\n  max_backoff: -2s\n",
			wantErr: "upload.max_backoff must be positive",
		},
		{
			name:    "max backoff below initial",
			yaml:    "upload:\n  initial_backoff: 5s\n  max_backoff: 1s\n",
			wantErr: "must not be shorter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
			require.NoError(t, err)
			defer os.Remove(tmpfile.Name())

			_, err = tmpfile.WriteString(tt.yaml)
			require.NoError(t, err)
			require.NoError(t, tmpfile.Close())

			cfg, err := Load(tmpfile.Name())
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Device.ID = "esp32-01020304"
	cfg.Upload.MaxAttempts = 7

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	// Load it back and verify
	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "esp32-01020304", loaded.Device.ID)
	assert.Equal(t, 7, loaded.Upload.MaxAttempts)
	assert.Equal(t, cfg.Acquisition.SampleInterval, loaded.Acquisition.SampleInterval)
}
