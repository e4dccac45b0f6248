package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NumChannels is the fixed number of analog channels sampled on every tick.
const NumChannels = 8

// Config represents the agent configuration. It is loaded once at startup and
// treated as immutable afterwards; components receive pointers into it.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Network     NetworkConfig     `yaml:"network"`
	Server      ServerConfig      `yaml:"server"`
	Device      DeviceConfig      `yaml:"device"`
	Firmware    FirmwareConfig    `yaml:"firmware"`
	Timing      TimingConfig      `yaml:"timing"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Upload      UploadConfig      `yaml:"upload"`
	Status      StatusConfig      `yaml:"status"`
	Events      EventsConfig      `yaml:"events"`
	Log         LogConfig         `yaml:"log"`
	Mock        MockConfig        `yaml:"mock"`
}

// NetworkConfig contains link credentials and connection bounds.
type NetworkConfig struct {
	SSID           string        `yaml:"ssid"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ServerConfig describes the single server endpoint the device reports to.
type ServerConfig struct {
	Scheme         string        `yaml:"scheme"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	BasePath       string        `yaml:"base_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DeviceConfig contains the device identity policy.
type DeviceConfig struct {
	ID        string `yaml:"id"`         // Empty means derive from hardware address
	IDPrefix  string `yaml:"id_prefix"`  // Prefix for derived ids, e.g. "esp32"
	Interface string `yaml:"interface"`  // Network interface to take the MAC from (empty = first usable)
	Location  string `yaml:"location"`   // Reported as faultLocation with sample batches
}

// FirmwareConfig contains OTA policy and the shared secret.
type FirmwareConfig struct {
	Version         string        `yaml:"version"`
	HMACSecret      string        `yaml:"hmac_secret"`
	AutoUpdate      bool          `yaml:"auto_update"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	MaxImageSize    int64         `yaml:"max_image_size"`
	FlashDir        string        `yaml:"flash_dir"`
}

// TimingConfig contains periodic task intervals.
type TimingConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ChannelConfig maps a logical channel to a hardware input pin.
type ChannelConfig struct {
	Name string `yaml:"name"`
	Pin  int    `yaml:"pin"`
}

// AcquisitionConfig contains the sampling layout.
type AcquisitionConfig struct {
	Platform       string          `yaml:"platform"`        // Allowed input set, e.g. "esp32"
	Source         string          `yaml:"source"`          // "mock" or "serial"
	SerialPort     string          `yaml:"serial_port"`
	BaudRate       int             `yaml:"baud_rate"`
	SampleInterval time.Duration   `yaml:"sample_interval"` // Microsecond resolution
	BatchSize      int             `yaml:"batch_size"`      // Reading sets per batch
	VRef           float64         `yaml:"vref"`
	Resolution     int             `yaml:"resolution"` // ADC bits
	Channels       []ChannelConfig `yaml:"channels"`
}

// UploadConfig contains the batch upload schedule and retry policy.
type UploadConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	PreviewPoints  int           `yaml:"preview_points"`
}

// StatusConfig contains the local status server settings.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EventsConfig contains the optional NATS event publisher settings.
type EventsConfig struct {
	NATSURL string        `yaml:"nats_url"` // Empty disables publishing
	Prefix  string        `yaml:"prefix"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// MockConfig contains simulated ADC front-end parameters.
type MockConfig struct {
	Amplitude  float64 `yaml:"amplitude"`   // Peak amplitude in volts
	Offset     float64 `yaml:"offset"`      // DC offset in volts
	Frequency  float64 `yaml:"frequency"`   // Signal frequency in Hz
	NoiseLevel float64 `yaml:"noise_level"` // Noise level in volts
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Network: NetworkConfig{
			ConnectTimeout: 15 * time.Second,
		},
		Server: ServerConfig{
			Scheme:         "http",
			Host:           "192.168.1.100",
			Port:           3000,
			BasePath:       "/api",
			RequestTimeout: 10 * time.Second,
		},
		Device: DeviceConfig{
			IDPrefix: "esp32",
		},
		Firmware: FirmwareConfig{
			Version:         "1.0.0",
			HMACSecret:      "default-dev-secret",
			AutoUpdate:      true,
			CheckInterval:   5 * time.Minute,
			DownloadTimeout: 2 * time.Minute,
			VerifyTimeout:   10 * time.Second,
			MaxImageSize:    4 << 20,
			FlashDir:        "data/flash",
		},
		Timing: TimingConfig{
			HeartbeatInterval: time.Minute,
		},
		Acquisition: AcquisitionConfig{
			Platform:       "esp32",
			Source:         "mock",
			SerialPort:     "/dev/ttyUSB0",
			BaudRate:       921600,
			SampleInterval: 1000 * time.Microsecond, // 1 kHz
			BatchSize:      1000,
			VRef:           3.3,
			Resolution:     12,
			Channels:       DefaultChannels(),
		},
		Upload: UploadConfig{
			Interval:       time.Second,
			MaxAttempts:    4,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			PreviewPoints:  200,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
		},
		Events: EventsConfig{
			Prefix:  "dfr",
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Mock: MockConfig{
			Amplitude:  1.0,
			Offset:     1.65,
			Frequency:  50.0,
			NoiseLevel: 0.01,
		},
	}
}

// DefaultChannels returns the ESP32 ADC1 layout: three phase voltages,
// three phase currents, neutral current and a reference input.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: "va", Pin: 36},
		{Name: "vb", Pin: 39},
		{Name: "vc", Pin: 34},
		{Name: "ia", Pin: 35},
		{Name: "ib", Pin: 32},
		{Name: "ic", Pin: 33},
		{Name: "in", Pin: 37},
		{Name: "ref", Pin: 38},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values. The result is validated.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SampleRateHz returns the nominal sampling rate.
func (a *AcquisitionConfig) SampleRateHz() float64 {
	if a.SampleInterval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(a.SampleInterval)
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Network.ConnectTimeout == 0 {
		c.Network.ConnectTimeout = def.Network.ConnectTimeout
	}

	if c.Server.Scheme == "" {
		c.Server.Scheme = def.Server.Scheme
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = def.Server.RequestTimeout
	}

	if c.Device.IDPrefix == "" {
		c.Device.IDPrefix = def.Device.IDPrefix
	}

	if c.Firmware.Version == "" {
		c.Firmware.Version = def.Firmware.Version
	}
	if c.Firmware.CheckInterval == 0 {
		c.Firmware.CheckInterval = def.Firmware.CheckInterval
	}
	if c.Firmware.DownloadTimeout == 0 {
		c.Firmware.DownloadTimeout = def.Firmware.DownloadTimeout
	}
	if c.Firmware.VerifyTimeout == 0 {
		c.Firmware.VerifyTimeout = def.Firmware.VerifyTimeout
	}
	if c.Firmware.MaxImageSize == 0 {
		c.Firmware.MaxImageSize = def.Firmware.MaxImageSize
	}
	if c.Firmware.FlashDir == "" {
		c.Firmware.FlashDir = def.Firmware.FlashDir
	}

	if c.Timing.HeartbeatInterval == 0 {
		c.Timing.HeartbeatInterval = def.Timing.HeartbeatInterval
	}

	if c.Acquisition.Platform == "" {
		c.Acquisition.Platform = def.Acquisition.Platform
	}
	if c.Acquisition.Source == "" {
		c.Acquisition.Source = def.Acquisition.Source
	}
	if c.Acquisition.BaudRate == 0 {
		c.Acquisition.BaudRate = def.Acquisition.BaudRate
	}
	if c.Acquisition.SampleInterval == 0 {
		c.Acquisition.SampleInterval = def.Acquisition.SampleInterval
	}
	if c.Acquisition.BatchSize == 0 {
		c.Acquisition.BatchSize = def.Acquisition.BatchSize
	}
	if c.Acquisition.VRef == 0 {
		c.Acquisition.VRef = def.Acquisition.VRef
	}
	if c.Acquisition.Resolution == 0 {
		c.Acquisition.Resolution = def.Acquisition.Resolution
	}
	if len(c.Acquisition.Channels) == 0 {
		c.Acquisition.Channels = def.Acquisition.Channels
	}

	if c.Upload.Interval == 0 {
		c.Upload.Interval = def.Upload.Interval
	}
	if c.Upload.MaxAttempts == 0 {
		c.Upload.MaxAttempts = def.Upload.MaxAttempts
	}
	if c.Upload.InitialBackoff == 0 {
		c.Upload.InitialBackoff = def.Upload.InitialBackoff
	}
	if c.Upload.MaxBackoff == 0 {
		c.Upload.MaxBackoff = def.Upload.MaxBackoff
	}
	if c.Upload.PreviewPoints == 0 {
		c.Upload.PreviewPoints = def.Upload.PreviewPoints
	}

	if c.Status.Addr == "" {
		c.Status.Addr = def.Status.Addr
	}
	if c.Events.Prefix == "" {
		c.Events.Prefix = def.Events.Prefix
	}
	if c.Events.Timeout == 0 {
		c.Events.Timeout = def.Events.Timeout
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Mock.Frequency == 0 {
		c.Mock.Frequency = def.Mock.Frequency
	}
}

// Validate checks the configuration for values the agent cannot run with.
// Channel pins are validated against the platform input set by the adc
// package when the channel map is built.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Firmware.HMACSecret == "" {
		return fmt.Errorf("firmware.hmac_secret is required")
	}
	if c.Firmware.MaxImageSize <= 0 {
		return fmt.Errorf("firmware.max_image_size must be positive")
	}
	if c.Acquisition.SampleInterval < time.Microsecond {
		return fmt.Errorf("acquisition.sample_interval must be at least 1us, got %s", c.Acquisition.SampleInterval)
	}
	if c.Acquisition.BatchSize <= 0 {
		return fmt.Errorf("acquisition.batch_size must be positive, got %d", c.Acquisition.BatchSize)
	}
	if c.Acquisition.Resolution <= 0 || c.Acquisition.Resolution > 16 {
		return fmt.Errorf("acquisition.resolution must be 1..16 bits, got %d", c.Acquisition.Resolution)
	}
	if len(c.Acquisition.Channels) != NumChannels {
		return fmt.Errorf("acquisition.channels must list exactly %d channels, got %d", NumChannels, len(c.Acquisition.Channels))
	}
	if c.Upload.Interval <= c.Acquisition.SampleInterval {
		return fmt.Errorf("upload.interval (%s) must be coarser than acquisition.sample_interval (%s)", c.Upload.Interval, c.Acquisition.SampleInterval)
	}
	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("upload.max_attempts must be at least 1, got %d", c.Upload.MaxAttempts)
	}
	switch c.Acquisition.Source {
	case "mock", "serial":
	default:
		return fmt.Errorf("acquisition.source must be \"mock\" or \"serial\", got %q", c.Acquisition.Source)
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"network.connect_timeout", c.Network.ConnectTimeout},
		{"server.request_timeout", c.Server.RequestTimeout},
		{"firmware.check_interval", c.Firmware.CheckInterval},
		{"firmware.download_timeout", c.Firmware.DownloadTimeout},
		{"firmware.verify_timeout", c.Firmware.VerifyTimeout},
		{"timing.heartbeat_interval", c.Timing.HeartbeatInterval},
		{"upload.initial_backoff", c.Upload.InitialBackoff},
		{"upload.max_backoff", c.Upload.MaxBackoff},
		{"events.timeout", c.Events.Timeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.Upload.MaxBackoff < c.Upload.InitialBackoff {
		return fmt.Errorf("upload.max_backoff (%s) must not be shorter than upload.initial_backoff (%s)", c.Upload.MaxBackoff, c.Upload.InitialBackoff)
	}
	return nil
}
