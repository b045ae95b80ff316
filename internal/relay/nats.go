package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes relayed messages to <prefix>.<stream> for other consumers
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// ConnectNATS opens a connection shared by the sinks built from it
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("blockbridge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return conn, nil
}

// NewNATSSink creates a sink for one stream (e.g. "chat")
func NewNATSSink(conn *nats.Conn, prefix, stream string) *NATSSink {
	return &NATSSink{conn: conn, subject: prefix + "." + stream}
}

// Subject returns the subject messages are published on
func (s *NATSSink) Subject() string {
	return s.subject
}

// Deliver implements Sink
func (s *NATSSink) Deliver(ctx context.Context, message string) error {
	if err := s.conn.Publish(s.subject, []byte(message)); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.subject, err)
	}
	return nil
}
