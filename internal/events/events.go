package events

import (
	"time"

	"github.com/rs/zerolog"
)

// Type names an observable engine event.
type Type string

const (
	MessageSent        Type = "message_sent"
	MessageAcked       Type = "message_acked"
	AckRetry           Type = "ack_retry"
	AckTimeout         Type = "ack_timeout"
	AckUnmatched       Type = "ack_unmatched"
	DownlinkScheduled  Type = "downlink_scheduled"
	DownlinkMissed     Type = "downlink_missed"
	ReconnectAttempted Type = "reconnect_attempted"
	SessionState       Type = "session_state"
	StatsEmitted       Type = "stats_emitted"
	DecodeFailed       Type = "decode_failed"
)

type Event struct {
	Type    Type           `json:"type"`
	Time    time.Time      `json:"time"`
	Gateway string         `json:"gateway,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Token   uint16         `json:"token"`
	Retry   int            `json:"retry,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink receives events from the engine loop. Publish must not block.
type Sink interface {
	Publish(Event)
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger.With().Str("component", "events").Logger()}
}

func (s *LogSink) Publish(e Event) {
	var ev *zerolog.Event
	switch e.Type {
	case AckTimeout, AckUnmatched, DownlinkMissed, ReconnectAttempted, DecodeFailed:
		ev = s.log.Warn()
	case MessageSent, MessageAcked, AckRetry:
		ev = s.log.Debug()
	default:
		ev = s.log.Info()
	}
	ev = ev.Str("event", string(e.Type))
	if e.Kind != "" {
		ev = ev.Str("kind", e.Kind).Uint16("token", e.Token)
	}
	if e.Retry > 0 {
		ev = ev.Int("retry", e.Retry)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg(string(e.Type))
}
