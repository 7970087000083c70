package forwarder

import (
	"math"
	"time"

	"nano-gateway/internal/events"
	"nano-gateway/internal/radio"
	"nano-gateway/internal/semtech"
)

// Location is reported in every STAT.
type Location struct {
	Latitude  float64
	Longitude float64
	Altitude  int
}

// Stats accumulates counters between two STAT reports. It is touched only
// from the engine loop.
type Stats struct {
	rxnb, rxok, rxfw    uint32
	pushSent, pushAcked uint32
	dwnb, txnb          uint32

	uplinkFailures    uint32
	keepaliveFailures uint32

	lastRSSI   int
	lastSNR    float64
	haveSignal bool
}

func (s *Stats) recordReceived(f radio.Frame) {
	s.rxnb++
	if f.CRCStatus >= 0 {
		s.rxok++
	}
	s.lastRSSI, s.lastSNR, s.haveSignal = f.RSSI, f.SNR, true
}

func (s *Stats) recordForwarded() { s.rxfw++ }
func (s *Stats) recordPushSent()  { s.pushSent++ }
func (s *Stats) recordPushAcked() { s.pushAcked++ }
func (s *Stats) recordDownlink()  { s.dwnb++ }
func (s *Stats) recordTransmit()  { s.txnb++ }

// recordFailure counts a pending entry dropped after its last retry.
func (s *Stats) recordFailure(k semtech.Kind) {
	switch k {
	case semtech.PushData:
		s.uplinkFailures++
	case semtech.PullData:
		s.keepaliveFailures++
	}
}

// ackRatio is the percentage of PUSH_DATA acknowledged, 100 when none was sent.
func (s *Stats) ackRatio() float64 {
	if s.pushSent == 0 {
		return 100
	}
	r := 100 * float64(s.pushAcked) / float64(s.pushSent)
	return math.Min(100, math.Round(r*10)/10)
}

func (s *Stats) reset() { *s = Stats{} }

// StatsReporter periodically sends a STAT built from Stats and resets it.
type StatsReporter struct {
	stats    *Stats
	session  *Session
	location Location
	interval time.Duration
	pub      publisher

	next time.Time
}

func newStatsReporter(stats *Stats, session *Session, loc Location, interval time.Duration, pub publisher) *StatsReporter {
	return &StatsReporter{stats: stats, session: session, location: loc, interval: interval, pub: pub}
}

// Tick reports when the interval elapsed and the session is active.
func (r *StatsReporter) Tick(now time.Time) error {
	if r.session.State() != Active || now.Before(r.next) {
		return nil
	}
	return r.Report(now)
}

// Report sends a STAT now. Counters are reset whether or not the send
// succeeds; the STAT is not acknowledged.
func (r *StatsReporter) Report(now time.Time) error {
	s := r.stats
	st := semtech.Stat{
		Time: semtech.FormatExpandedTime(now),
		Lati: r.location.Latitude,
		Long: r.location.Longitude,
		Alti: int32(r.location.Altitude),
		RXNb: s.rxnb,
		RXOK: s.rxok,
		RXFW: s.rxfw,
		ACKR: s.ackRatio(),
		DWNb: s.dwnb,
		TXNb: s.txnb,
	}
	fields := map[string]any{
		"rxnb":               st.RXNb,
		"rxok":               st.RXOK,
		"rxfw":               st.RXFW,
		"ackr":               st.ACKR,
		"dwnb":               st.DWNb,
		"txnb":               st.TXNb,
		"uplink_failures":    s.uplinkFailures,
		"keepalive_failures": s.keepaliveFailures,
	}
	if s.haveSignal {
		fields["last_rssi"] = s.lastRSSI
		fields["last_snr"] = s.lastSNR
	}
	s.reset()
	r.next = now.Add(r.interval)

	token, err := r.session.Send(semtech.StatPacket{Stat: st}, now)
	if err != nil {
		return err
	}
	r.pub.publish(now, events.Event{
		Type:   events.StatsEmitted,
		Kind:   semtech.PushStat.String(),
		Token:  token,
		Fields: fields,
	})
	return nil
}
