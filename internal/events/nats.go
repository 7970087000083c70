package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ConnectNATS dials the NATS server used for event mirroring.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
}

// subjectPublisher is satisfied by *nats.Conn, whose Publish only buffers.
type subjectPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events on <prefix>.<gateway>.event.<type>.
type NATSSink struct {
	pub     subjectPublisher
	prefix  string
	gateway string
	log     zerolog.Logger
}

func NewNATSSink(nc *nats.Conn, prefix, gateway string, logger zerolog.Logger) *NATSSink {
	return newNATSSink(nc, prefix, gateway, logger)
}

func newNATSSink(pub subjectPublisher, prefix, gateway string, logger zerolog.Logger) *NATSSink {
	return &NATSSink{
		pub:     pub,
		prefix:  strings.Trim(prefix, "."),
		gateway: gateway,
		log:     logger.With().Str("component", "nats-sink").Logger(),
	}
}

func (s *NATSSink) Subject(t Type) string {
	parts := []string{s.gateway, "event", string(t)}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, ".")
}

func (s *NATSSink) Publish(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(e.Type)).Msg("marshal event failed")
		return
	}
	subject := s.Subject(e.Type)
	if err := s.pub.Publish(subject, b); err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("publish failed")
	}
}
