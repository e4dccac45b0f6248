package adc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// DefaultBaudRate is the rate the front-end firmware streams at.
	DefaultBaudRate = 921600
	// DefaultResolution is the ADC resolution of the ESP32 ADC1.
	DefaultResolution = 12
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Frame is one parsed line from the front-end.
type Frame struct {
	Timestamp time.Time
	Reading   Reading
}

// Serial reads 8-channel frames from a UART-attached ADC front-end.
// The front-end streams lines as fast as it converts; Read returns the most
// recent complete frame.
type Serial struct {
	port       string
	baudRate   int
	resolution int
	log        *zap.Logger

	conn      serial.Port
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected atomic.Bool
	done      chan struct{}

	latest  atomic.Pointer[Frame]
	frames  atomic.Uint64
	badLine atomic.Uint64
}

// NewSerial creates a new Serial source with the specified port, baud rate and ADC resolution.
func NewSerial(port string, baudRate, resolution int, log *zap.Logger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if resolution == 0 {
		resolution = DefaultResolution
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Serial{
		port:       port,
		baudRate:   baudRate,
		resolution: resolution,
		log:        log.With(zap.String("component", "adc.serial"), zap.String("port", port)),
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts reading frames.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected.Load() {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}

	s.conn = port
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.connected.Store(true)

	go func() {
		defer close(s.done)
		s.readFrames(s.ctx, port)
	}()

	return nil
}

// Close closes the connection and stops the reader.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected.Load() {
		return nil
	}

	s.cancel()
	s.connected.Store(false)

	var err error
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil {
			err = fmt.Errorf("failed to close serial port: %w", cerr)
		}
		s.conn = nil
	}
	<-s.done
	s.latest.Store(nil)

	return err
}

// IsConnected returns whether the port is open.
func (s *Serial) IsConnected() bool {
	return s.connected.Load()
}

// Read copies the latest frame into r. It never blocks.
func (s *Serial) Read(r *Reading) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	f := s.latest.Load()
	if f == nil {
		return ErrNoData
	}
	*r = f.Reading
	return nil
}

// Frames returns the number of frames parsed and the number of rejected lines.
func (s *Serial) Frames() (parsed, rejected uint64) {
	return s.frames.Load(), s.badLine.Load()
}

// SetInterval asks the front-end to convert at the given interval.
// Command format: "I<micros>\n".
func (s *Serial) SetInterval(d time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected.Load() {
		return fmt.Errorf("not connected")
	}
	if d < time.Microsecond {
		return fmt.Errorf("interval %v below 1us", d)
	}

	if _, err := io.WriteString(s.conn, formatIntervalCommand(d)); err != nil {
		return fmt.Errorf("failed to send interval command: %w", err)
	}
	return nil
}

func formatIntervalCommand(d time.Duration) string {
	return "I" + strconv.FormatInt(d.Microseconds(), 10) + "\n"
}

// readFrames reads lines from r until EOF or cancellation and publishes each
// valid frame as the latest one.
func (s *Serial) readFrames(ctx context.Context, r io.Reader) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("panic in serial reader", zap.Any("panic", p))
		}
	}()

	maxCount := MaxCount(s.resolution)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		frame, err := parseLine(line, maxCount)
		if err != nil {
			n := s.badLine.Add(1)
			// Rate limited: the stream runs at kHz rates.
			if n&(n-1) == 0 {
				s.log.Warn("failed to parse frame", zap.String("line", line), zap.Uint64("rejected", n), zap.Error(err))
			}
			continue
		}

		s.latest.Store(&frame)
		s.frames.Add(1)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.log.Error("error reading from serial port", zap.Error(err))
	}
}

// parseLine parses a line from the front-end into a Frame.
// Format: unix_micros,c0,c1,c2,c3,c4,c5,c6,c7
// Example: 1234567890123,2048,2050,1999,12,13,11,0,4095
func parseLine(line string, maxCount uint16) (Frame, error) {
	parts := strings.Split(line, ",")
	if len(parts) != NumChannels+1 {
		return Frame{}, fmt.Errorf("invalid line format: expected %d comma-separated values, got %d", NumChannels+1, len(parts))
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	f := Frame{Timestamp: time.UnixMicro(micros)}
	for i := 0; i < NumChannels; i++ {
		v, err := strconv.ParseUint(parts[i+1], 10, 16)
		if err != nil {
			return Frame{}, fmt.Errorf("invalid channel %d: %w", i, err)
		}
		if v > uint64(maxCount) {
			return Frame{}, fmt.Errorf("channel %d out of range: %d (max %d)", i, v, maxCount)
		}
		f.Reading[i] = uint16(v)
	}

	return f, nil
}
