package radio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"nano-gateway/internal/band"
)

const (
	defaultQueueSize = 32
	defaultPreamble  = 4
	maxLineLength    = 512
)

// ModemOptions configures an AT-command LoRa modem (RYLR89x family).
type ModemOptions struct {
	PortName     string
	BaudRate     int
	Frequency    uint32 // receive frequency, Hz
	DataRate     band.DataRate
	CodingRate   string
	Capabilities Capabilities
	QueueSize    int
}

// Modem drives a serial LoRa modem. Received frames are handed from the
// reader goroutine to Receive through a bounded queue; frames that do not
// fit are dropped.
type Modem struct {
	opts  ModemOptions
	port  io.ReadWriteCloser
	log   zerolog.Logger
	start time.Time
	rx    chan Frame

	writeMu sync.Mutex

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	dropped uint64

	done chan struct{}
}

// OpenModem opens the serial port and configures the receive channel.
func OpenModem(o ModemOptions, logger zerolog.Logger) (*Modem, error) {
	if o.PortName == "" {
		return nil, errors.New("serial port is empty")
	}
	if o.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", o.BaudRate)
	}
	port, err := serial.Open(o.PortName, &serial.Mode{BaudRate: o.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", o.PortName, err)
	}
	m := newModem(port, o, logger)
	if err := m.configureRX(); err != nil {
		_ = m.Close()
		return nil, err
	}
	logger.Info().Str("port", o.PortName).Str("freq", band.FormatMHz(o.Frequency)).Str("datr", o.DataRate.String()).Msg("lora modem ready")
	return m, nil
}

func newModem(port io.ReadWriteCloser, o ModemOptions, logger zerolog.Logger) *Modem {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.CodingRate == "" {
		o.CodingRate = "4/5"
	}
	m := &Modem{
		opts:  o,
		port:  port,
		log:   logger.With().Str("component", "modem").Logger(),
		start: time.Now(),
		rx:    make(chan Frame, o.QueueSize),
		done:  make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Receive implements Radio.
func (m *Modem) Receive() (Frame, bool) {
	select {
	case f := <-m.rx:
		return f, true
	default:
		return Frame{}, false
	}
}

// Now implements Radio.
func (m *Modem) Now() Time {
	return Time(uint32(time.Since(m.start) / time.Microsecond))
}

// Capabilities implements Radio.
func (m *Modem) Capabilities() Capabilities {
	return m.opts.Capabilities
}

// Transmit implements Radio. Only one transmission can be pending; the
// modem returns to the receive configuration once it has been sent.
func (m *Modem) Transmit(f Frame, at Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &TxError{Frequency: f.Frequency, At: at, Err: ErrClosed}
	}
	if m.timer != nil {
		return &TxError{Frequency: f.Frequency, At: at, Err: ErrBusy}
	}
	delay := at.Sub(m.Now())
	if delay < 0 {
		delay = 0
	}
	m.timer = time.AfterFunc(delay, func() {
		if err := m.transmitNow(f); err != nil {
			m.log.Error().Err(err).Str("freq", band.FormatMHz(f.Frequency)).Msg("modem transmit failed")
		}
		m.mu.Lock()
		m.timer = nil
		m.mu.Unlock()
	})
	return nil
}

// Dropped returns the number of frames discarded because the queue was full.
func (m *Modem) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close stops pending transmissions and closes the port.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	err := m.port.Close()
	<-m.done
	return err
}

func (m *Modem) transmitNow(f Frame) error {
	cmds := [][]byte{
		[]byte("AT+BAND=" + strconv.FormatUint(uint64(f.Frequency), 10)),
		[]byte("AT+PARAMETER=" + parameters(f.DataRate, f.CodingRate)),
	}
	if f.Power > 0 {
		cmds = append(cmds, []byte("AT+CRFOP="+strconv.Itoa(f.Power)))
	}
	send := []byte("AT+SEND=0," + strconv.Itoa(len(f.Payload)) + ",")
	cmds = append(cmds, append(send, f.Payload...))
	if err := m.write(cmds...); err != nil {
		return err
	}
	m.log.Debug().Str("freq", band.FormatMHz(f.Frequency)).Str("datr", f.DataRate.String()).Int("size", len(f.Payload)).Msg("modem transmitted")
	return m.configureRX()
}

func (m *Modem) configureRX() error {
	return m.write(
		[]byte("AT+BAND="+strconv.FormatUint(uint64(m.opts.Frequency), 10)),
		[]byte("AT+PARAMETER="+parameters(m.opts.DataRate, m.opts.CodingRate)),
	)
}

func (m *Modem) write(cmds ...[]byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	for _, c := range cmds {
		if _, err := m.port.Write(append(c, '\r', '\n')); err != nil {
			return fmt.Errorf("write modem command: %w", err)
		}
	}
	return nil
}

func (m *Modem) readLoop() {
	defer close(m.done)
	buf := make([]byte, 0, maxLineLength)
	chunk := make([]byte, 256)
	for {
		n, err := m.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = m.consume(buf)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.mu.Lock()
				closed := m.closed
				m.mu.Unlock()
				if !closed {
					m.log.Error().Err(err).Msg("modem read failed")
				}
			}
			return
		}
	}
}

// consume handles every complete line in buf and returns the remainder.
func (m *Modem) consume(buf []byte) []byte {
	for {
		line, rest, ok := splitLine(buf)
		if !ok {
			if len(buf) > maxLineLength {
				m.log.Warn().Int("bytes", len(buf)).Msg("modem line too long; discarding")
				return buf[:0]
			}
			return buf
		}
		m.handleLine(line)
		buf = rest
	}
}

func (m *Modem) handleLine(line []byte) {
	switch {
	case len(line) == 0:
	case bytes.HasPrefix(line, []byte("+RCV=")):
		f, err := parseRCV(line)
		if err != nil {
			m.log.Warn().Err(err).Msg("modem frame discarded")
			return
		}
		f.Frequency = m.opts.Frequency
		f.DataRate = m.opts.DataRate
		f.CodingRate = m.opts.CodingRate
		f.Timestamp = m.Now()
		select {
		case m.rx <- f:
		default:
			m.mu.Lock()
			m.dropped++
			m.mu.Unlock()
			m.log.Warn().Int("size", len(f.Payload)).Msg("radio queue full; frame dropped")
		}
	case bytes.HasPrefix(line, []byte("+ERR=")):
		m.log.Warn().Str("reply", string(line)).Msg("modem error")
	default:
		m.log.Debug().Str("reply", string(line)).Msg("modem reply")
	}
}

// splitLine cuts the first CRLF terminated line from buf. +RCV lines carry
// a length-prefixed payload that may itself contain CR or LF bytes.
func splitLine(buf []byte) (line, rest []byte, ok bool) {
	from := 0
	if bytes.HasPrefix(buf, []byte("+RCV=")) {
		c1 := bytes.IndexByte(buf[5:], ',')
		if c1 < 0 {
			return nil, buf, false
		}
		c1 += 5
		c2 := bytes.IndexByte(buf[c1+1:], ',')
		if c2 < 0 {
			return nil, buf, false
		}
		c2 += c1 + 1
		n, err := strconv.Atoi(string(buf[c1+1 : c2]))
		if err == nil && n >= 0 {
			from = c2 + 1 + n
			if from > len(buf) {
				return nil, buf, false
			}
		}
	}
	i := bytes.Index(buf[from:], []byte("\r\n"))
	if i < 0 {
		return nil, buf, false
	}
	end := from + i
	return buf[:end], buf[end+2:], true
}

// parseRCV parses "+RCV=<addr>,<len>,<data>,<rssi>,<snr>".
func parseRCV(line []byte) (Frame, error) {
	var f Frame
	body := line[len("+RCV="):]
	c1 := bytes.IndexByte(body, ',')
	if c1 < 0 {
		return f, fmt.Errorf("malformed +RCV line %q", line)
	}
	c2 := bytes.IndexByte(body[c1+1:], ',')
	if c2 < 0 {
		return f, fmt.Errorf("malformed +RCV line %q", line)
	}
	c2 += c1 + 1
	n, err := strconv.Atoi(string(body[c1+1 : c2]))
	if err != nil || n < 0 {
		return f, fmt.Errorf("bad +RCV length in %q", line)
	}
	dataEnd := c2 + 1 + n
	if dataEnd >= len(body) || body[dataEnd] != ',' {
		return f, fmt.Errorf("truncated +RCV payload in %q", line)
	}
	tail := bytes.Split(body[dataEnd+1:], []byte(","))
	if len(tail) != 2 {
		return f, fmt.Errorf("missing rssi/snr in %q", line)
	}
	rssi, err := strconv.Atoi(string(tail[0]))
	if err != nil {
		return f, fmt.Errorf("bad rssi in %q: %w", line, err)
	}
	snr, err := strconv.ParseFloat(string(tail[1]), 64)
	if err != nil {
		return f, fmt.Errorf("bad snr in %q: %w", line, err)
	}
	f.Payload = append([]byte(nil), body[c2+1:dataEnd]...)
	f.RSSI = rssi
	f.SNR = snr
	f.CRCStatus = 1
	return f, nil
}

// parameters renders AT+PARAMETER=<sf>,<bw>,<cr>,<preamble>.
func parameters(dr band.DataRate, codingRate string) string {
	bw := 7
	switch dr.Bandwidth {
	case 250:
		bw = 8
	case 500:
		bw = 9
	}
	cr := 1
	switch codingRate {
	case "4/6":
		cr = 2
	case "4/7":
		cr = 3
	case "4/8":
		cr = 4
	}
	return fmt.Sprintf("%d,%d,%d,%d", dr.SpreadFactor, bw, cr, defaultPreamble)
}
