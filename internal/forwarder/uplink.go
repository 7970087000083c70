package forwarder

import (
	"encoding/base64"
	"time"

	"github.com/rs/zerolog"

	"nano-gateway/internal/band"
	"nano-gateway/internal/radio"
	"nano-gateway/internal/semtech"
)

// Uplink moves received radio frames into PUSH_DATA messages.
type Uplink struct {
	radio   radio.Radio
	session *Session
	stats   *Stats
	burst   int
	log     zerolog.Logger
}

func newUplink(r radio.Radio, session *Session, stats *Stats, burst int, logger zerolog.Logger) *Uplink {
	return &Uplink{
		radio:   r,
		session: session,
		stats:   stats,
		burst:   burst,
		log:     logger.With().Str("component", "uplink").Logger(),
	}
}

// Poll drains at most burst frames from the radio and returns how many
// were forwarded. Frames with a bad CRC, or arriving while the session is
// not Active, are counted and dropped.
func (u *Uplink) Poll(now time.Time) int {
	forwarded := 0
	for i := 0; i < u.burst; i++ {
		f, ok := u.radio.Receive()
		if !ok {
			break
		}
		u.stats.recordReceived(f)
		if f.CRCStatus < 0 {
			u.log.Debug().Str("freq", band.FormatMHz(f.Frequency)).Msg("dropping frame with bad crc")
			continue
		}
		if u.session.State() != Active {
			u.log.Debug().Str("state", u.session.State().String()).Int("size", len(f.Payload)).Msg("dropping frame, session not active")
			continue
		}
		pkt := semtech.PushDataPacket{RXPK: []semtech.RXPK{newRXPK(f, now)}}
		if _, err := u.session.Send(pkt, now); err != nil {
			u.log.Warn().Err(err).Msg("forward frame")
			continue
		}
		u.stats.recordForwarded()
		forwarded++
	}
	return forwarded
}

func newRXPK(f radio.Frame, now time.Time) semtech.RXPK {
	cr := f.CodingRate
	if cr == "" {
		cr = defaultCodingRate
	}
	return semtech.RXPK{
		Time: semtech.FormatCompactTime(now),
		Tmst: uint32(f.Timestamp),
		Freq: band.MHzFromHz(f.Frequency),
		Stat: f.CRCStatus,
		Modu: "LORA",
		DatR: f.DataRate.String(),
		CodR: cr,
		RSSI: int16(f.RSSI),
		LSNR: f.SNR,
		Size: uint16(len(f.Payload)),
		Data: base64.StdEncoding.EncodeToString(f.Payload),
	}
}
