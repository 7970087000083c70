package radio

import (
	"errors"
	"fmt"
	"time"

	"nano-gateway/internal/band"
)

// Time is the radio's free running microsecond counter. It wraps every
// 2^32 µs (about 71.6 minutes), like a concentrator's tmst.
type Time uint32

// Sub returns t-u, assuming the two are less than half a wrap apart.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(int32(t-u)) * time.Microsecond
}

// Add returns t+d modulo the counter width.
func (t Time) Add(d time.Duration) Time {
	return t + Time(uint32(int64(d/time.Microsecond)))
}

// Frame is a LoRa frame, either received or to be transmitted.
type Frame struct {
	Payload    []byte
	Frequency  uint32 // Hz
	DataRate   band.DataRate
	CodingRate string // "4/5"
	Timestamp  Time

	// receive only
	RSSI      int
	SNR       float64
	CRCStatus int8 // 1 ok, -1 bad, 0 no CRC

	// transmit only
	Power    int // dBm, 0 selects the radio default
	InvertIQ bool
}

// Capabilities bounds what the radio can transmit.
type Capabilities struct {
	MinFrequency uint32
	MaxFrequency uint32
	DataRates    []band.DataRate
	MaxPower     int
}

// CapabilitiesFromPlan returns the capabilities of a frequency plan.
func CapabilitiesFromPlan(p band.Plan) Capabilities {
	return Capabilities{
		MinFrequency: p.MinFrequency,
		MaxFrequency: p.MaxFrequency,
		DataRates:    append([]band.DataRate(nil), p.DataRates...),
		MaxPower:     p.MaxPower,
	}
}

// SupportsFrequency reports whether freq (Hz) can be transmitted.
func (c Capabilities) SupportsFrequency(freq uint32) bool {
	return freq >= c.MinFrequency && freq <= c.MaxFrequency
}

// SupportsDataRate reports whether dr can be transmitted.
func (c Capabilities) SupportsDataRate(dr band.DataRate) bool {
	for _, d := range c.DataRates {
		if d == dr {
			return true
		}
	}
	return false
}

// Radio is the capability the forwarder consumes. Implementations own the
// transceiver; Receive must not block.
type Radio interface {
	// Receive returns the next buffered frame, if any.
	Receive() (Frame, bool)
	// Transmit schedules f for transmission at radio time at.
	Transmit(f Frame, at Time) error
	Now() Time
	Capabilities() Capabilities
}

var (
	ErrBusy   = errors.New("radio: transmitter busy")
	ErrClosed = errors.New("radio: closed")
)

// TxError is returned when the radio refuses or fails a transmission.
type TxError struct {
	Frequency uint32
	At        Time
	Err       error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("radio: transmit at %d on %s MHz: %v", e.At, band.FormatMHz(e.Frequency), e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }
