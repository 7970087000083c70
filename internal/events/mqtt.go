package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

// Publisher is satisfied by mqtt.Client.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

type MQTTSinkOptions struct {
	TopicPrefix string
	Gateway     string
	QoS         byte
	Retain      bool
	QueueSize   int
}

// MQTTSink mirrors events to <prefix>/<gateway>/event/<type>. Publishing
// happens on a worker goroutine; events are dropped when its queue is full.
type MQTTSink struct {
	pub   Publisher
	opts  MQTTSinkOptions
	log   zerolog.Logger
	queue chan Event

	mu      sync.Mutex
	closed  bool
	dropped uint64

	done chan struct{}
}

func NewMQTTSink(pub Publisher, o MQTTSinkOptions, logger zerolog.Logger) *MQTTSink {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	o.TopicPrefix = strings.Trim(o.TopicPrefix, "/")
	s := &MQTTSink{
		pub:   pub,
		opts:  o,
		log:   logger.With().Str("component", "mqtt-sink").Logger(),
		queue: make(chan Event, o.QueueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *MQTTSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			s.log.Warn().Uint64("dropped", s.dropped).Msg("mqtt event queue full")
		}
	}
}

// Topic returns the topic an event of type t is published on.
func (s *MQTTSink) Topic(t Type) string {
	parts := []string{s.opts.Gateway, "event", string(t)}
	if s.opts.TopicPrefix != "" {
		parts = append([]string{s.opts.TopicPrefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// Close drains the queue and stops the worker.
func (s *MQTTSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *MQTTSink) run() {
	defer close(s.done)
	for e := range s.queue {
		b, err := json.Marshal(e)
		if err != nil {
			s.log.Error().Err(err).Str("event", string(e.Type)).Msg("marshal event failed")
			continue
		}
		topic := s.Topic(e.Type)
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := s.pub.Publish(ctx, topic, s.opts.QoS, s.opts.Retain, b); err != nil {
			s.log.Error().Err(err).Str("topic", topic).Msg("publish failed")
		}
		cancel()
	}
}
