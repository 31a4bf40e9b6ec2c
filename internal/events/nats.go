// Package events fans coordinator events out over NATS so other hosts can
// follow power transitions.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/corepower/pmcoord/internal/power"
)

// DefaultSubjectPrefix is the subject root for published events.
const DefaultSubjectPrefix = "pmcoord.events"

// Publisher is the part of a NATS connection the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on <prefix>.<kind>[.<core>].
type NATSSink struct {
	pub    Publisher
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// Connect dials url and returns a sink publishing on it. The connection
// reconnects forever; events published while disconnected are buffered by
// the client.
func Connect(url, name, prefix string, log zerolog.Logger) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	s := NewNATSSink(nc, prefix, log)
	s.nc = nc
	log.Info().Str("url", nc.ConnectedUrl()).Str("prefix", s.prefix).Msg("publishing events to nats")
	return s, nil
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, prefix string, log zerolog.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(ev power.Event) string {
	subject := s.prefix + "." + string(ev.Kind)
	if ev.Core != "" {
		subject += "." + ev.Core
	}
	return subject
}

// Publish implements power.EventSink.
func (s *NATSSink) Publish(ev power.Event) {
	if s.nc != nil && s.nc.IsClosed() {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal event")
		return
	}
	if err := s.pub.Publish(s.Subject(ev), data); err != nil {
		s.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("nats publish failed")
	}
}

// Close drains and closes a connection opened by Connect.
func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Drain()
		s.nc.Close()
	}
}
