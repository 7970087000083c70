package forwarder

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"nano-gateway/internal/band"
	"nano-gateway/internal/events"
	"nano-gateway/internal/radio"
	"nano-gateway/internal/semtech"
)

var (
	ErrUnsupportedParameters = errors.New("forwarder: unsupported downlink parameters")
	ErrTooLate               = errors.New("forwarder: downlink too late")
	ErrTooEarly              = errors.New("forwarder: downlink too early")
)

const defaultCodingRate = "4/5"

type DownlinkOptions struct {
	// Grace is the minimum lead a timed downlink needs; immediate downlinks
	// are scheduled this far ahead.
	Grace   time.Duration
	MaxLead time.Duration
}

// Downlink validates PULL_RESP requests and hands them to the radio.
type Downlink struct {
	radio radio.Radio
	opts  DownlinkOptions
	stats *Stats
	pub   publisher
	log   zerolog.Logger
}

func newDownlink(r radio.Radio, opts DownlinkOptions, stats *Stats, pub publisher, logger zerolog.Logger) *Downlink {
	return &Downlink{
		radio: r,
		opts:  opts,
		stats: stats,
		pub:   pub,
		log:   logger.With().Str("component", "downlink").Logger(),
	}
}

// Schedule returns the TX_ACK error code for tx together with the reason
// when it is not NONE. Requests failing validation never reach the radio.
func (d *Downlink) Schedule(tx semtech.TXPK, now time.Time) (string, error) {
	d.stats.recordDownlink()

	f, code, err := d.frame(tx)
	if err != nil {
		return d.missed(now, tx, code, err)
	}

	rnow := d.radio.Now()
	at := rnow.Add(d.opts.Grace)
	if !tx.Imme {
		if tx.Tmst == nil {
			return d.missed(now, tx, semtech.TxErrTooLate, fmt.Errorf("%w: no tmst", ErrTooLate))
		}
		at = radio.Time(*tx.Tmst)
		lead := at.Sub(rnow)
		switch {
		case lead < d.opts.Grace:
			return d.missed(now, tx, semtech.TxErrTooLate, fmt.Errorf("%w: lead %s", ErrTooLate, lead))
		case lead > d.opts.MaxLead:
			return d.missed(now, tx, semtech.TxErrTooEarly, fmt.Errorf("%w: lead %s", ErrTooEarly, lead))
		}
	}
	f.Timestamp = at

	if err := d.radio.Transmit(f, at); err != nil {
		var txErr *radio.TxError
		if !errors.As(err, &txErr) {
			err = &radio.TxError{Frequency: f.Frequency, At: at, Err: err}
		}
		// no TX_ACK code describes a generic radio failure
		return d.missed(now, tx, semtech.TxErrCollisionPacket, err)
	}

	d.stats.recordTransmit()
	d.pub.publish(now, events.Event{
		Type: events.DownlinkScheduled,
		Kind: semtech.PullResp.String(),
		Fields: map[string]any{
			"freq":    band.FormatMHz(f.Frequency),
			"datr":    f.DataRate.String(),
			"size":    len(f.Payload),
			"lead_ms": at.Sub(rnow).Milliseconds(),
			"imme":    tx.Imme,
		},
	})
	return semtech.TxErrNone, nil
}

// frame checks tx against the radio capabilities.
func (d *Downlink) frame(tx semtech.TXPK) (radio.Frame, string, error) {
	caps := d.radio.Capabilities()
	freq, ok := band.HzFromMHz(tx.Freq)
	if !ok || !caps.SupportsFrequency(freq) {
		return radio.Frame{}, semtech.TxErrFreq, fmt.Errorf("%w: frequency %v MHz", ErrUnsupportedParameters, tx.Freq)
	}
	dr, err := band.ParseDataRate(tx.DatR)
	if err != nil || !caps.SupportsDataRate(dr) {
		return radio.Frame{}, semtech.TxErrFreq, fmt.Errorf("%w: datarate %q", ErrUnsupportedParameters, tx.DatR)
	}
	power := 0
	if tx.Powe != nil {
		power = *tx.Powe
		if power < 0 || power > caps.MaxPower {
			return radio.Frame{}, semtech.TxErrPower, fmt.Errorf("%w: power %d dBm", ErrUnsupportedParameters, power)
		}
	}
	payload, err := tx.Payload()
	if err != nil {
		return radio.Frame{}, semtech.TxErrFreq, fmt.Errorf("%w: payload: %v", ErrUnsupportedParameters, err)
	}
	cr := tx.CodR
	if cr == "" {
		cr = defaultCodingRate
	}
	return radio.Frame{
		Payload:    payload,
		Frequency:  freq,
		DataRate:   dr,
		CodingRate: cr,
		Power:      power,
		InvertIQ:   tx.IPol,
	}, "", nil
}

func (d *Downlink) missed(now time.Time, tx semtech.TXPK, code string, err error) (string, error) {
	d.pub.publish(now, events.Event{
		Type:   events.DownlinkMissed,
		Kind:   semtech.PullResp.String(),
		Reason: err.Error(),
		Fields: map[string]any{"code": code, "freq": tx.Freq, "datr": tx.DatR},
	})
	return code, err
}
