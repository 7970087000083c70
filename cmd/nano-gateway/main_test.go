package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-gateway/internal/config"
	"nano-gateway/internal/forwarder"
	"nano-gateway/internal/radio"
)

func TestEngineOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.EUI = "0102-03FF-FE04-0506"
	cfg.Gateway.Server = "eu1.cloud.thethings.network"
	cfg.Gateway.Latitude = 52.1
	cfg.Session.ReconnectAttempts = 5
	require.NoError(t, cfg.Validate())

	o := engineOptions(cfg)
	assert.Equal(t, "010203FFFE040506", o.Gateway.String())
	assert.Equal(t, "eu1.cloud.thethings.network:1700", o.Server)
	assert.Equal(t, 52.1, o.Location.Latitude)
	assert.Equal(t, 5, o.ReconnectAttempts)
	assert.Equal(t, 50*time.Second, o.StaleThreshold)
	assert.Equal(t, 10*time.Millisecond, o.Grace)
}

func TestStatusTopic(t *testing.T) {
	assert.Equal(t, "gateway/010203FFFE040506/status", statusTopic("gateway", "010203FFFE040506"))
	assert.Equal(t, "010203FFFE040506/status", statusTopic("", "010203FFFE040506"))
}

type idleRadio struct{ caps radio.Capabilities }

func (r idleRadio) Receive() (radio.Frame, bool)           { return radio.Frame{}, false }
func (r idleRadio) Transmit(radio.Frame, radio.Time) error { return nil }
func (r idleRadio) Now() radio.Time                        { return 0 }
func (r idleRadio) Capabilities() radio.Capabilities       { return r.caps }

// silentPort returns a local UDP port nobody listens on.
func silentPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := c.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, c.Close())
	return port
}

func TestRunReturnsReconnectExhausted(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.EUI = "0102030405060708"
	cfg.Gateway.Server = "127.0.0.1"
	cfg.Gateway.Port = silentPort(t)
	cfg.Session.AckTimeout = 10 * time.Millisecond
	cfg.Session.KeepaliveInterval = 20 * time.Millisecond
	cfg.Session.StaleThreshold = 40 * time.Millisecond
	cfg.Session.ReconnectMin = 10 * time.Millisecond
	cfg.Session.ReconnectMax = 20 * time.Millisecond
	cfg.Session.ReconnectAttempts = 1
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, cfg, idleRadio{caps: radio.CapabilitiesFromPlan(cfg.Plan)}, zerolog.Nop())
	require.ErrorIs(t, err, forwarder.ErrReconnectExhausted)
	assert.NoError(t, ctx.Err(), "engine must give up before the deadline")
}
