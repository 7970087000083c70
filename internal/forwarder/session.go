package forwarder

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"nano-gateway/internal/events"
	"nano-gateway/internal/semtech"
	"nano-gateway/internal/status"
)

var (
	ErrNotConnected       = errors.New("forwarder: session not connected")
	ErrAckTimeout         = errors.New("forwarder: ack timeout")
	ErrReconnectExhausted = errors.New("forwarder: reconnect attempts exhausted")
	ErrTokensExhausted    = errors.New("forwarder: no free token")
)

// drainWait bounds every Recv after the first one of a drain.
const drainWait = time.Millisecond

type State int

const (
	Disconnected State = iota
	Connecting
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type SessionOptions struct {
	Gateway           semtech.EUI64
	Server            string
	AckTimeout        time.Duration
	MaxRetries        int
	KeepaliveInterval time.Duration
	StaleThreshold    time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	// ReconnectAttempts caps consecutive connection attempts that do not
	// reach Active, the first connect included. Zero means unlimited.
	ReconnectAttempts int
}

type pendingAck struct {
	kind     semtech.Kind
	data     []byte
	sentAt   time.Time
	deadline time.Time
	retries  int
}

// scheduler is the downlink path as seen by the session.
type scheduler interface {
	Schedule(tx semtech.TXPK, now time.Time) (string, error)
}

// Session owns the transport, the token allocator and the pending-ack
// table. It is not safe for concurrent use; the engine loop drives it.
type Session struct {
	opts     SessionOptions
	dial     Dialer
	downlink scheduler
	stats    *Stats
	pub      publisher
	log      zerolog.Logger

	state   State
	conn    Conn
	tokens  *tokenAllocator
	pending map[uint16]*pendingAck

	// STATs are not retried but servers still PUSH_ACK them.
	statToken   uint16
	statPending bool

	lastSend time.Time
	lastRecv time.Time

	backoff       *backoff.ExponentialBackOff
	nextReconnect time.Time
	attempts      int
	dials         int
	reconnects    int

	sent, received, acked uint64

	onActive func(now time.Time)
}

func newSession(opts SessionOptions, dial Dialer, down scheduler, stats *Stats, pub publisher, logger zerolog.Logger) *Session {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ReconnectMin
	b.MaxInterval = opts.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &Session{
		opts:     opts,
		dial:     dial,
		downlink: down,
		stats:    stats,
		pub:      pub,
		log:      logger.With().Str("component", "session").Str("server", opts.Server).Logger(),
		tokens:   newTokenAllocator(uint16(rand.Uint32())),
		pending:  make(map[uint16]*pendingAck),
		backoff:  b,
	}
}

func (s *Session) State() State { return s.state }

// InFlight returns the number of messages waiting for an ack.
func (s *Session) InFlight() int { return len(s.pending) }

// OnActive registers fn to run each time the session becomes Active.
func (s *Session) OnActive(fn func(now time.Time)) { s.onActive = fn }

// Connect opens a fresh transport and sends the PULL_DATA that opens the
// downlink path. The session stays Connecting until the server answers.
func (s *Session) Connect(now time.Time) error {
	if s.conn != nil {
		return nil
	}
	if s.opts.ReconnectAttempts > 0 && s.attempts >= s.opts.ReconnectAttempts {
		return ErrReconnectExhausted
	}
	s.attempts++
	if s.dials > 0 {
		s.reconnects++
		s.pub.publish(now, events.Event{
			Type:   events.ReconnectAttempted,
			Fields: map[string]any{"attempt": s.attempts, "server": s.opts.Server},
		})
	}
	s.dials++
	s.setState(Connecting, now, "")

	conn, err := s.dial(s.opts.Server)
	if err != nil {
		s.setState(Disconnected, now, err.Error())
		s.scheduleReconnect(now)
		return fmt.Errorf("connect %s: %w", s.opts.Server, err)
	}
	s.conn = conn
	s.lastRecv = now
	s.lastSend = time.Time{}
	_, err = s.Send(semtech.PullDataPacket{}, now)
	return err
}

// Send stamps p with a fresh token and the gateway EUI, writes it and, for
// PUSH_DATA and PULL_DATA, registers it for retry. TX_ACKs keep the token of
// the PULL_RESP they answer. Only PULL_DATA may be sent before the session
// is Active.
func (s *Session) Send(p semtech.Packet, now time.Time) (uint16, error) {
	if s.conn == nil || (s.state != Active && p.Kind() != semtech.PullData) {
		return 0, fmt.Errorf("send %s: %w", p.Kind(), ErrNotConnected)
	}
	p, err := s.stamp(p)
	if err != nil {
		return 0, err
	}
	b, err := semtech.Encode(p)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	if err := s.conn.Send(b); err != nil {
		s.fail(now, err)
		return 0, fmt.Errorf("send %s: %w", p.Kind(), err)
	}

	token := p.Token()
	s.sent++
	s.lastSend = now
	switch p.Kind() {
	case semtech.PushData, semtech.PullData:
		s.pending[token] = &pendingAck{
			kind:     p.Kind(),
			data:     b,
			sentAt:   now,
			deadline: now.Add(s.opts.AckTimeout),
		}
		if p.Kind() == semtech.PushData {
			s.stats.recordPushSent()
		}
	case semtech.PushStat:
		s.statToken, s.statPending = token, true
	}
	s.pub.publish(now, events.Event{Type: events.MessageSent, Kind: p.Kind().String(), Token: token})
	return token, nil
}

func (s *Session) stamp(p semtech.Packet) (semtech.Packet, error) {
	if v, ok := p.(semtech.TXACKPacket); ok {
		v.GatewayEUI = s.opts.Gateway
		return v, nil
	}
	token, ok := s.tokens.allocate(s.inFlight)
	if !ok {
		return nil, ErrTokensExhausted
	}
	switch v := p.(type) {
	case semtech.PushDataPacket:
		v.RandomToken, v.GatewayEUI = token, s.opts.Gateway
		return v, nil
	case semtech.StatPacket:
		v.RandomToken, v.GatewayEUI = token, s.opts.Gateway
		return v, nil
	case semtech.PullDataPacket:
		v.RandomToken, v.GatewayEUI = token, s.opts.Gateway
		return v, nil
	}
	return nil, fmt.Errorf("send %s: not an uplink packet", p.Kind())
}

func (s *Session) inFlight(token uint16) bool {
	if s.statPending && token == s.statToken {
		return true
	}
	_, ok := s.pending[token]
	return ok
}

// HandleDatagram processes one datagram from the server. Acks resolve their
// pending entry, PULL_RESPs go to the downlink path and are answered with a
// TX_ACK. Undecodable datagrams are reported and dropped.
func (s *Session) HandleDatagram(data []byte, now time.Time) error {
	p, err := semtech.Decode(data)
	if err != nil {
		s.pub.publish(now, events.Event{
			Type:   events.DecodeFailed,
			Reason: err.Error(),
			Fields: map[string]any{"size": len(data)},
		})
		return fmt.Errorf("decode datagram: %w", err)
	}
	s.received++
	s.lastRecv = now
	if s.state == Connecting {
		s.activate(now)
	}

	switch v := p.(type) {
	case semtech.PushACKPacket:
		s.ack(v.RandomToken, semtech.PushData, now)
	case semtech.PullACKPacket:
		s.ack(v.RandomToken, semtech.PullData, now)
	case semtech.PullRespPacket:
		return s.handlePullResp(v, now)
	default:
		s.log.Debug().Str("kind", p.Kind().String()).Uint16("token", p.Token()).Msg("ignoring packet")
	}
	return nil
}

func (s *Session) ack(token uint16, kind semtech.Kind, now time.Time) {
	pa, ok := s.pending[token]
	if !ok || pa.kind != kind {
		if kind == semtech.PushData && s.statPending && token == s.statToken {
			s.statPending = false
			s.log.Debug().Uint16("token", token).Msg("stat acknowledged")
			return
		}
		s.pub.publish(now, events.Event{
			Type:   events.AckUnmatched,
			Kind:   kind.String(),
			Token:  token,
			Reason: "no pending message",
		})
		return
	}
	delete(s.pending, token)
	s.acked++
	if kind == semtech.PushData {
		s.stats.recordPushAcked()
	}
	s.pub.publish(now, events.Event{
		Type:   events.MessageAcked,
		Kind:   kind.String(),
		Token:  token,
		Retry:  pa.retries,
		Fields: map[string]any{"rtt_ms": now.Sub(pa.sentAt).Milliseconds()},
	})
}

func (s *Session) handlePullResp(p semtech.PullRespPacket, now time.Time) error {
	code, err := s.downlink.Schedule(p.TXPK, now)
	if err != nil {
		s.log.Debug().Err(err).Uint16("token", p.RandomToken).Str("code", code).Msg("downlink refused")
	}
	ack := semtech.TXACKPacket{RandomToken: p.RandomToken, Ack: semtech.TXPKACK{Error: code}}
	if _, err := s.Send(ack, now); err != nil {
		return fmt.Errorf("tx_ack: %w", err)
	}
	return nil
}

// Drain handles at most limit datagrams. The first read waits up to wait,
// the following ones only drainWait.
func (s *Session) Drain(clock func() time.Time, limit int, wait time.Duration) int {
	n := 0
	for n < limit && s.conn != nil {
		b, err := s.conn.Recv(wait)
		if err != nil {
			s.fail(clock(), err)
			break
		}
		if b == nil {
			break
		}
		n++
		if err := s.HandleDatagram(b, clock()); err != nil {
			s.log.Warn().Err(err).Msg("datagram dropped")
		}
		wait = drainWait
	}
	return n
}

// Sweep retransmits expired pending messages and drops those that used up
// their retries.
func (s *Session) Sweep(now time.Time) {
	if s.conn == nil {
		return
	}
	var due []uint16
	for token, pa := range s.pending {
		if !now.Before(pa.deadline) {
			due = append(due, token)
		}
	}
	sort.Slice(due, func(i, j int) bool { return s.pending[due[i]].sentAt.Before(s.pending[due[j]].sentAt) })

	for _, token := range due {
		pa := s.pending[token]
		if pa.retries >= s.opts.MaxRetries {
			delete(s.pending, token)
			s.stats.recordFailure(pa.kind)
			s.pub.publish(now, events.Event{
				Type:   events.AckTimeout,
				Kind:   pa.kind.String(),
				Token:  token,
				Retry:  pa.retries,
				Reason: ErrAckTimeout.Error(),
			})
			continue
		}
		if err := s.conn.Send(pa.data); err != nil {
			s.fail(now, err)
			return
		}
		pa.retries++
		pa.deadline = now.Add(s.opts.AckTimeout)
		s.pub.publish(now, events.Event{Type: events.AckRetry, Kind: pa.kind.String(), Token: token, Retry: pa.retries})
	}
}

// Tick runs the keepalive, staleness and reconnect timers. It returns
// ErrReconnectExhausted once the reconnect budget is spent.
func (s *Session) Tick(now time.Time) error {
	if s.state == Disconnected {
		if now.Before(s.nextReconnect) {
			return nil
		}
		return s.Connect(now)
	}
	if now.Sub(s.lastRecv) > s.opts.StaleThreshold {
		s.log.Warn().Dur("silent", now.Sub(s.lastRecv)).Msg("server silent, reconnecting")
		s.disconnect(now, "stale")
		return nil
	}
	if now.Sub(s.lastSend) >= s.opts.KeepaliveInterval {
		_, err := s.Send(semtech.PullDataPacket{}, now)
		return err
	}
	return nil
}

// Close sends a best-effort PULL_DATA and releases the transport.
func (s *Session) Close(now time.Time) error {
	if s.conn == nil {
		return nil
	}
	if token, ok := s.tokens.allocate(s.inFlight); ok {
		if b, err := semtech.Encode(semtech.PullDataPacket{RandomToken: token, GatewayEUI: s.opts.Gateway}); err == nil {
			if err := s.conn.Send(b); err != nil {
				s.log.Debug().Err(err).Msg("final pull_data failed")
			}
		}
	}
	err := s.conn.Close()
	s.conn = nil
	clear(s.pending)
	s.statPending = false
	s.setState(Disconnected, now, "shutdown")
	return err
}

// Snapshot returns the status view of the session.
func (s *Session) Snapshot(now time.Time) status.Snapshot {
	return status.Snapshot{
		State:             s.state.String(),
		Active:            s.state == Active,
		Gateway:           s.opts.Gateway.String(),
		Server:            s.opts.Server,
		Sent:              s.sent,
		Received:          s.received,
		Acked:             s.acked,
		InFlight:          len(s.pending),
		ReconnectAttempts: s.reconnects,
		LastReceive:       s.lastRecv,
		UpdatedAt:         now,
	}
}

func (s *Session) activate(now time.Time) {
	s.attempts = 0
	s.backoff.Reset()
	s.setState(Active, now, "")
	if s.onActive != nil {
		s.onActive(now)
	}
}

func (s *Session) fail(now time.Time, err error) {
	s.log.Warn().Err(err).Msg("transport error")
	s.disconnect(now, err.Error())
}

func (s *Session) disconnect(now time.Time, reason string) {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close transport")
		}
		s.conn = nil
	}
	if n := len(s.pending); n > 0 {
		s.log.Debug().Int("pending", n).Msg("dropping in-flight messages")
		clear(s.pending)
	}
	s.statPending = false
	s.setState(Disconnected, now, reason)
	s.scheduleReconnect(now)
}

func (s *Session) scheduleReconnect(now time.Time) {
	d := s.backoff.NextBackOff()
	if d == backoff.Stop {
		d = s.opts.ReconnectMax
	}
	s.nextReconnect = now.Add(d)
	s.log.Info().Dur("in", d).Msg("reconnect scheduled")
}

func (s *Session) setState(to State, now time.Time, reason string) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.log.Info().Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("session state")
	s.pub.publish(now, events.Event{
		Type:   events.SessionState,
		Reason: reason,
		Fields: map[string]any{"from": from.String(), "to": to.String()},
	})
}
