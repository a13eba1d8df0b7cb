package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kandev/tgsched/internal/common/logger"
)

// NATSConfig holds the connection settings for a NATS-backed event bus.
type NATSConfig struct {
	URL            string
	ConnectTimeout time.Duration
}

// NATSBus is a Bus implementation backed by a NATS connection, for
// deployments that want scheduler telemetry visible to other processes.
type NATSBus struct {
	conn   *nats.Conn
	log    *logger.Logger
	subject func(eventType string) string
}

// NewNATSBus dials cfg.URL and returns a connected NATSBus. The subject
// namespace is "tgsched.events.<eventType>".
func NewNATSBus(cfg NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Warn("nats connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.WithError(err).Error("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSBus{
		conn: conn,
		log:  log,
		subject: func(eventType string) string {
			return "tgsched.events." + eventType
		},
	}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Publish marshals data into an Event and publishes it on the event's subject.
func (b *NATSBus) Publish(eventType string, data map[string]interface{}) error {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "scheduler",
		Timestamp: time.Now(),
		Data:      data,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.conn.Publish(b.subject(eventType), payload)
}

// Subscribe registers handler on the event's subject.
func (b *NATSBus) Subscribe(eventType string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject(eventType), func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.log.WithError(err).Error("decode nats event")
			return
		}
		handler(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &natsSubscription{sub: sub}, nil
}

// IsConnected reports whether the underlying NATS connection is up.
func (b *NATSBus) IsConnected() bool {
	return b.conn.IsConnected()
}

// Close drains and closes the underlying NATS connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
