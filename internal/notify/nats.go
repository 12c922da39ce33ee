package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the subject prefix events are published under.
const DefaultSubject = "ucl.sync.events"

// Publisher is the part of a NATS connection the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes events as JSON on <subject>.<event type>.
type NATSNotifier struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSNotifier connects to url.
func NewNATSNotifier(url, subject string, logger *zap.Logger) (*NATSNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("ucl-sync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := NewNATSPublisher(conn, subject, logger)
	n.conn = conn
	return n, nil
}

// NewNATSPublisher wraps an existing publisher.
func NewNATSPublisher(pub Publisher, subject string, logger *zap.Logger) *NATSNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{pub: pub, subject: subject, logger: logger.Named("notify")}
}

// Subject returns the subject an event type is published on.
func (n *NATSNotifier) Subject(t EventType) string {
	return n.subject + "." + string(t)
}

func (n *NATSNotifier) Notify(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.pub.Publish(n.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
