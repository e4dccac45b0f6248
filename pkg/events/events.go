// Package events publishes agent events (OTA outcomes, acquisition alarms)
// to an optional NATS server.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Topics.
const (
	TopicOTA     = "ota"
	TopicOverrun = "acquisition.overrun"
	TopicBoot    = "boot"
)

// Envelope wraps every published event.
type Envelope struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Device string          `json:"device"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data"`
}

// Publisher publishes events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, data any) error
	Close() error
}

// Subject builds a subject from prefix, device id and topic.
func Subject(prefix, device, topic string) string {
	s := topic
	if device != "" {
		s = device + "." + s
	}
	if prefix != "" {
		s = prefix + "." + s
	}
	return s
}

// NewID returns a new event id.
func NewID() string { return uuid.NewString() }

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

// Config configures a NATS publisher.
type Config struct {
	URL     string
	Prefix  string
	Device  string
	Timeout time.Duration
}

// NATS publishes JSON envelopes over core NATS.
type NATS struct {
	nc     *nats.Conn
	prefix string
	device string
	log    *zap.Logger
}

var (
	_ Publisher = (*NATS)(nil)
	_ Publisher = Nop{}
)

// Connect dials the NATS server. The connection reconnects on its own;
// publishes while disconnected are buffered by the client.
func Connect(cfg Config, log *zap.Logger) (*NATS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "events"))

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("dfrnode "+cfg.Device),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}
	return &NATS{nc: nc, prefix: cfg.Prefix, device: cfg.Device, log: log}, nil
}

// Publish implements Publisher.
func (n *NATS) Publish(ctx context.Context, topic string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	env, err := json.Marshal(Envelope{
		ID:     NewID(),
		Type:   topic,
		Device: n.device,
		Time:   time.Now().UTC(),
		Data:   raw,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := &nats.Msg{
		Subject: Subject(n.prefix, n.device, topic),
		Data:    env,
		Header:  nats.Header{},
	}
	msg.Header.Set("Content-Type", "application/json")
	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (n *NATS) Close() error {
	if n == nil || n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
