package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
	gate chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: payload})
	return p.err
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type fakeSubjects struct {
	subjects []string
	err      error
}

func (f *fakeSubjects) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	return f.err
}

func TestMQTTSinkPublishes(t *testing.T) {
	pub := &fakePublisher{}
	s := NewMQTTSink(pub, MQTTSinkOptions{TopicPrefix: "/gateway/", Gateway: "0102030405060708"}, zerolog.Nop())

	s.Publish(Event{Type: StatsEmitted, Time: time.Unix(0, 0), Fields: map[string]any{"rxnb": 3}})
	s.Close()
	s.Publish(Event{Type: StatsEmitted})

	require.Equal(t, 1, pub.count())
	assert.Equal(t, "gateway/0102030405060708/event/stats_emitted", pub.msgs[0].topic)
	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &got))
	assert.Equal(t, "stats_emitted", got["type"])
}

func TestMQTTSinkDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{gate: make(chan struct{})}
	s := NewMQTTSink(pub, MQTTSinkOptions{Gateway: "gw", QueueSize: 1}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		s.Publish(Event{Type: MessageSent, Token: uint16(i)})
	}
	close(pub.gate)
	s.Close()

	s.mu.Lock()
	dropped := s.dropped
	s.mu.Unlock()
	assert.GreaterOrEqual(t, dropped, uint64(3))
	assert.Equal(t, uint64(5), dropped+uint64(pub.count()))
	assert.Equal(t, "gw/event/message_sent", s.Topic(MessageSent))
}

func TestMQTTSinkPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	s := NewMQTTSink(pub, MQTTSinkOptions{Gateway: "gw"}, zerolog.Nop())
	s.Publish(Event{Type: AckTimeout})
	s.Close()
	assert.Equal(t, 1, pub.count())
}

func TestNATSSink(t *testing.T) {
	f := &fakeSubjects{}
	s := newNATSSink(f, "gateway.", "0102030405060708", zerolog.Nop())
	s.Publish(Event{Type: DownlinkScheduled})
	assert.Equal(t, []string{"gateway.0102030405060708.event.downlink_scheduled"}, f.subjects)

	f.err = errors.New("closed")
	assert.NotPanics(t, func() { s.Publish(Event{Type: DownlinkMissed}) })
}

func TestLogSinkAndMulti(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	f := &fakeSubjects{}
	m := Multi{NewLogSink(logger), newNATSSink(f, "", "gw", zerolog.Nop())}

	m.Publish(Event{Type: AckTimeout, Kind: "PUSH_DATA", Token: 7, Retry: 3, Reason: "no ack"})
	m.Publish(Event{Type: MessageSent, Kind: "PULL_DATA", Token: 8})

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"token":7`)
	assert.NotContains(t, out, `"token":8`)
	assert.Equal(t, []string{"gw.event.ack_timeout", "gw.event.message_sent"}, f.subjects)
}
