package forwarder

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nano-gateway/internal/band"
	"nano-gateway/internal/events"
	"nano-gateway/internal/radio"
	"nano-gateway/internal/semtech"
)

var testEUI = semtech.EUI64{0x01, 0x02, 0x03, 0xFF, 0xFE, 0x04, 0x05, 0x06}

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	inbox   [][]byte
	sendErr error
	recvErr error
	closed  bool
}

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) Recv(time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvErr != nil {
		return nil, c.recvErr
	}
	if len(c.inbox) == 0 {
		return nil, nil
	}
	b := c.inbox[0]
	c.inbox = c.inbox[1:]
	return b, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) push(t *testing.T, p semtech.Packet) {
	t.Helper()
	b, err := semtech.Encode(p)
	require.NoError(t, err)
	c.mu.Lock()
	c.inbox = append(c.inbox, b)
	c.mu.Unlock()
}

// packets decodes everything sent so far.
func (c *fakeConn) packets(t *testing.T) []semtech.Packet {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]semtech.Packet, 0, len(c.sent))
	for _, b := range c.sent {
		p, err := semtech.Decode(b)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func (c *fakeConn) last(t *testing.T) semtech.Packet {
	t.Helper()
	ps := c.packets(t)
	require.NotEmpty(t, ps)
	return ps[len(ps)-1]
}

func (c *fakeConn) count(t *testing.T, k semtech.Kind) int {
	t.Helper()
	n := 0
	for _, p := range c.packets(t) {
		if p.Kind() == k {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	conns []*fakeConn
	addrs []string
	err   error
}

func (d *fakeDialer) dial(addr string) (Conn, error) {
	d.addrs = append(d.addrs, addr)
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn() *fakeConn {
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type txCall struct {
	frame radio.Frame
	at    radio.Time
}

type fakeRadio struct {
	rx    []radio.Frame
	now   radio.Time
	caps  radio.Capabilities
	txs   []txCall
	txErr error
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{now: 1_000_000, caps: radio.CapabilitiesFromPlan(band.EU868)}
}

func (r *fakeRadio) Receive() (radio.Frame, bool) {
	if len(r.rx) == 0 {
		return radio.Frame{}, false
	}
	f := r.rx[0]
	r.rx = r.rx[1:]
	return f, true
}

func (r *fakeRadio) Transmit(f radio.Frame, at radio.Time) error {
	if r.txErr != nil {
		return r.txErr
	}
	r.txs = append(r.txs, txCall{frame: f, at: at})
	return nil
}

func (r *fakeRadio) Now() radio.Time                  { return r.now }
func (r *fakeRadio) Capabilities() radio.Capabilities { return r.caps }

type recordSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordSink) Publish(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordSink) count(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (s *recordSink) last(t events.Type) (events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == t {
			return s.events[i], true
		}
	}
	return events.Event{}, false
}

// stubScheduler accepts every downlink.
type stubScheduler struct {
	calls int
	code  string
	err   error
}

func (s *stubScheduler) Schedule(semtech.TXPK, time.Time) (string, error) {
	s.calls++
	if s.code == "" {
		return semtech.TxErrNone, s.err
	}
	return s.code, s.err
}

func testSessionOptions() SessionOptions {
	return SessionOptions{
		Gateway:           testEUI,
		Server:            "127.0.0.1:1700",
		AckTimeout:        2 * time.Second,
		MaxRetries:        3,
		KeepaliveInterval: 25 * time.Second,
		StaleThreshold:    50 * time.Second,
		ReconnectMin:      time.Second,
		ReconnectMax:      60 * time.Second,
	}
}

type sessionFixture struct {
	s      *Session
	dialer *fakeDialer
	clock  *fakeClock
	sink   *recordSink
	stats  *Stats
	sched  *stubScheduler
}

func newSessionFixture(opts SessionOptions) *sessionFixture {
	f := &sessionFixture{
		dialer: &fakeDialer{},
		clock:  newFakeClock(),
		sink:   &recordSink{},
		stats:  &Stats{},
		sched:  &stubScheduler{},
	}
	pub := publisher{sink: f.sink, gateway: opts.Gateway.String()}
	f.s = newSession(opts, f.dialer.dial, f.sched, f.stats, pub, zerolog.Nop())
	return f
}

// activate connects and answers the opening PULL_DATA.
func (f *sessionFixture) activate(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, f.s.Connect(f.clock.Now()))
	require.Equal(t, Connecting, f.s.State())
	c := f.dialer.conn()
	pull, ok := c.last(t).(semtech.PullDataPacket)
	require.True(t, ok)
	f.receive(t, semtech.PullACKPacket{RandomToken: pull.RandomToken})
	require.Equal(t, Active, f.s.State())
	return c
}

func (f *sessionFixture) receive(t *testing.T, p semtech.Packet) {
	t.Helper()
	b, err := semtech.Encode(p)
	require.NoError(t, err)
	require.NoError(t, f.s.HandleDatagram(b, f.clock.Now()))
}

func testFrame(payload string) radio.Frame {
	return radio.Frame{
		Payload:    []byte(payload),
		Frequency:  868100000,
		DataRate:   band.DataRate{SpreadFactor: 7, Bandwidth: 125},
		CodingRate: "4/5",
		Timestamp:  123456,
		RSSI:       -57,
		SNR:        9.5,
		CRCStatus:  1,
	}
}

func testTXPK(tmst uint32) semtech.TXPK {
	return semtech.TXPK{
		Tmst: &tmst,
		Freq: 869.525,
		Powe: intPtr(14),
		Modu: "LORA",
		DatR: "SF9BW125",
		CodR: "4/5",
		IPol: true,
		Size: 5,
		Data: base64.StdEncoding.EncodeToString([]byte("hello")),
	}
}

func intPtr(v int) *int { return &v }

var errNetDown = errors.New("network is down")
