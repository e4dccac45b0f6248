// Package protocol defines the JSON bodies exchanged with the DFR server.
package protocol

import (
	"time"

	"github.com/itohio/dfrnode/pkg/sample"
)

// Server paths, relative to the configured base path.
const (
	PathHeartbeat      = "/heartbeat"
	PathSamples        = "/samples"
	PathFirmwareLatest = "/firmware/latest"
	PathFirmwareStatus = "/firmware/status"
)

// FaultTypeLive marks a periodic batch that is not tied to a detected fault.
const FaultTypeLive = "adc_live"

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	EspID           string    `json:"espId"`
	FirmwareVersion string    `json:"firmwareVersion"`
	Timestamp       time.Time `json:"timestamp"`
	Uptime          int64     `json:"uptime"`    // seconds
	HeapBytes       uint64    `json:"heapBytes"` // bytes in use by the agent
	Overruns        uint64    `json:"overruns"`
	Lost            uint64    `json:"lost"`
}

// Channel carries one channel of a sample batch.
type Channel struct {
	Channel int          `json:"channel"`
	Name    string       `json:"name"`
	Pin     int          `json:"pin"`
	Samples []uint16     `json:"samples"`
	Stats   sample.Stats `json:"stats"`
}

// SamplesRequest carries one sealed batch.
type SamplesRequest struct {
	EspID         string    `json:"espId"`
	Seq           uint64    `json:"seq"`
	CapturedAt    time.Time `json:"capturedAt"`
	SampleRateHz  float64   `json:"sampleRateHz"`
	FaultType     string    `json:"faultType"`
	FaultLocation string    `json:"faultLocation,omitempty"`
	OffsetsUs     []int64   `json:"offsetsUs"`
	Channels      []Channel `json:"channels"`
}

// FirmwareOffer is the server's answer to a firmware check.
type FirmwareOffer struct {
	Update       bool   `json:"update"`
	Version      string `json:"version,omitempty"`
	URL          string `json:"url,omitempty"`
	Signature    string `json:"signature,omitempty"` // hex HMAC-SHA256 of the payload
	SHA256       string `json:"sha256,omitempty"`    // hex digest of the payload
	Size         int64  `json:"size,omitempty"`
	ForceUpdate  bool   `json:"forceUpdate,omitempty"`
	ReleaseNotes string `json:"releaseNotes,omitempty"`
}

// OTAStatus reports the outcome of an update session.
type OTAStatus struct {
	EspID    string    `json:"espId"`
	Version  string    `json:"version"`
	Offered  string    `json:"offered,omitempty"`
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	Datetime time.Time `json:"datetime"`
}
