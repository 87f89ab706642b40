// Package natspub publishes flight events on a NATS subject so other
// services can follow takeoffs and landings without polling storage.
package natspub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const DefaultSubjectPrefix = "tracker.events"

type Config struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
	Name          string
}

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher is safe for concurrent use. A nil or disabled publisher
// accepts events and does nothing.
type Publisher struct {
	nc     conn
	prefix string
	logger *logger.Logger
}

// Connect dials NATS when cfg.Enabled. The connection reconnects on its own.
func Connect(cfg Config, log *logger.Logger) (*Publisher, error) {
	l := log.Named("nats")
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if !cfg.Enabled {
		return &Publisher{prefix: prefix, logger: l}, nil
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "ogn-tracker"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("NATS disconnected", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("NATS reconnected", logger.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	l.Info("Connected to NATS", logger.String("url", cfg.URL), logger.String("prefix", prefix))
	return &Publisher{nc: nc, prefix: prefix, logger: l}, nil
}

// Subject returns the subject for an event type.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// PublishFlightEvent publishes e as JSON on <prefix>.<type>.
func (p *Publisher) PublishFlightEvent(e storage.FlightEvent) error {
	if p == nil || p.nc == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal flight event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(e.Type), err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
