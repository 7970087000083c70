package forwarder

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"nano-gateway/internal/events"
	"nano-gateway/internal/radio"
	"nano-gateway/internal/semtech"
	"nano-gateway/internal/status"
)

type Options struct {
	Gateway  semtech.EUI64
	Server   string
	Location Location

	PollInterval time.Duration
	UplinkBurst  int

	AckTimeout        time.Duration
	MaxRetries        int
	KeepaliveInterval time.Duration
	StaleThreshold    time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	Grace   time.Duration
	MaxLead time.Duration

	StatsInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.UplinkBurst <= 0 {
		o.UplinkBurst = 8
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 2 * time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 25 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 2 * o.KeepaliveInterval
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 60 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = 10 * time.Millisecond
	}
	if o.MaxLead <= 0 {
		o.MaxLead = 20 * time.Second
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = 60 * time.Second
	}
}

// publisher stamps events with the gateway and the loop time.
type publisher struct {
	sink    events.Sink
	gateway string
}

func (p publisher) publish(now time.Time, e events.Event) {
	if p.sink == nil {
		return
	}
	e.Time = now
	e.Gateway = p.gateway
	p.sink.Publish(e)
}

// Engine is the single scheduling loop that owns the radio and the
// transport.
type Engine struct {
	opts     Options
	session  *Session
	uplink   *Uplink
	downlink *Downlink
	reporter *StatsReporter
	store    *status.Store
	log      zerolog.Logger

	now func() time.Time
}

// NewEngine wires the session, uplink and downlink paths and the stats
// reporter. sink and store may be nil.
func NewEngine(opts Options, r radio.Radio, dial Dialer, sink events.Sink, store *status.Store, logger zerolog.Logger) *Engine {
	opts.setDefaults()
	logger = logger.With().Str("gateway", opts.Gateway.String()).Logger()
	pub := publisher{sink: sink, gateway: opts.Gateway.String()}
	stats := &Stats{}

	down := newDownlink(r, DownlinkOptions{Grace: opts.Grace, MaxLead: opts.MaxLead}, stats, pub, logger)
	session := newSession(SessionOptions{
		Gateway:           opts.Gateway,
		Server:            opts.Server,
		AckTimeout:        opts.AckTimeout,
		MaxRetries:        opts.MaxRetries,
		KeepaliveInterval: opts.KeepaliveInterval,
		StaleThreshold:    opts.StaleThreshold,
		ReconnectMin:      opts.ReconnectMin,
		ReconnectMax:      opts.ReconnectMax,
		ReconnectAttempts: opts.ReconnectAttempts,
	}, dial, down, stats, pub, logger)

	e := &Engine{
		opts:     opts,
		session:  session,
		uplink:   newUplink(r, session, stats, opts.UplinkBurst, logger),
		downlink: down,
		reporter: newStatsReporter(stats, session, opts.Location, opts.StatsInterval, pub),
		store:    store,
		log:      logger.With().Str("component", "engine").Logger(),
		now:      time.Now,
	}
	session.OnActive(func(now time.Time) {
		if err := e.reporter.Report(now); err != nil {
			e.log.Warn().Err(err).Msg("initial stat")
		}
	})
	return e
}

// Run drives the loop until ctx is done, then sends a last PULL_DATA and
// closes the transport. It returns ErrReconnectExhausted when the server
// could not be reached within the configured attempts.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Str("server", e.opts.Server).Msg("engine started")
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		default:
		}

		if err := e.iterate(); err != nil {
			e.shutdown()
			return err
		}

		// without a socket there is no read deadline to pace the loop
		if e.session.State() == Disconnected {
			t := time.NewTimer(e.opts.PollInterval)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}
}

// iterate runs one pass of the loop. Only fatal errors are returned.
func (e *Engine) iterate() error {
	e.uplink.Poll(e.now())
	e.session.Drain(e.now, e.opts.UplinkBurst, e.opts.PollInterval)

	now := e.now()
	e.session.Sweep(now)
	if err := e.session.Tick(now); err != nil {
		if errors.Is(err, ErrReconnectExhausted) {
			e.log.Error().Err(err).Int("attempts", e.opts.ReconnectAttempts).Msg("giving up")
			return err
		}
		e.log.Warn().Err(err).Msg("session tick")
	}
	if err := e.reporter.Tick(now); err != nil {
		e.log.Warn().Err(err).Msg("stat report")
	}
	if e.store != nil {
		e.store.Update(e.session.Snapshot(now))
	}
	return nil
}

func (e *Engine) shutdown() {
	now := e.now()
	if err := e.session.Close(now); err != nil {
		e.log.Warn().Err(err).Msg("close transport")
	}
	if e.store != nil {
		e.store.Update(e.session.Snapshot(now))
	}
	e.log.Info().Msg("engine stopped")
}
