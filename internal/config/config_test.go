package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-gateway/internal/band"
	"nano-gateway/internal/semtech"
)

func writeConfig(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[gateway]
eui = 24:0A:C4:FF:FE:00:11:22
server = eu1.cloud.thethings.network
port = 1700

[radio]
plan = US915
frequency = 903900000
datarate = SF10BW125

[session]
keepalive_interval = 10s
ack_timeout = 1500ms

[mqtt]
broker = tcp://localhost:1883
topic_prefix = "lora/gw/"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, semtech.EUI64{0x24, 0x0a, 0xc4, 0xff, 0xfe, 0x00, 0x11, 0x22}, cfg.EUI)
	assert.Equal(t, "eu1.cloud.thethings.network:1700", cfg.ServerAddr())
	assert.Equal(t, "US915", cfg.Plan.Name)
	assert.Equal(t, band.DataRate{SpreadFactor: 10, Bandwidth: 125}, cfg.DataRate)
	assert.Equal(t, 10*time.Second, cfg.Session.KeepaliveInterval)
	assert.Equal(t, 20*time.Second, cfg.Session.StaleThreshold)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.AckTimeout)
	assert.Equal(t, 3, cfg.Session.MaxRetries)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Radio.SerialPort)
	assert.Equal(t, "lora/gw", cfg.MQTT.TopicPrefix)
	assert.Contains(t, cfg.MQTT.ClientID, "nano-gateway-")
}

func TestLoadCustomPlan(t *testing.T) {
	path := writeConfig(t, `
[gateway]
eui = 0102030405060708

[radio]
plan = custom
frequency = 433175000
datarate = SF9BW125
min_frequency = 433050000
max_frequency = 434790000
datarates = SF7BW125, SF9BW125, SF12BW125
max_power = 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM", cfg.Plan.Name)
	assert.Len(t, cfg.Plan.DataRates, 3)
	assert.Equal(t, 10, cfg.Plan.MaxPower)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad eui", func(c *Config) { c.Gateway.EUI = "xyz" }},
		{"empty server", func(c *Config) { c.Gateway.Server = "" }},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }},
		{"unknown plan", func(c *Config) { c.Radio.Plan = "MARS433" }},
		{"frequency outside plan", func(c *Config) { c.Radio.Frequency = 915000000 }},
		{"bad datarate", func(c *Config) { c.Radio.DataRate = "SF7" }},
		{"datarate outside plan", func(c *Config) { c.Radio.DataRate = "SF7BW500" }},
		{"empty serial port", func(c *Config) { c.Radio.SerialPort = " " }},
		{"zero baud rate", func(c *Config) { c.Radio.BaudRate = 0 }},
		{"zero keepalive", func(c *Config) { c.Session.KeepaliveInterval = 0 }},
		{"negative retries", func(c *Config) { c.Session.MaxRetries = -1 }},
		{"stale below keepalive", func(c *Config) { c.Session.StaleThreshold = time.Second }},
		{"reconnect bounds", func(c *Config) { c.Session.ReconnectMax = 0 }},
		{"max lead below grace", func(c *Config) { c.Downlink.MaxLead = time.Millisecond }},
		{"zero stats interval", func(c *Config) { c.Stats.Interval = 0 }},
		{"custom without datarates", func(c *Config) {
			c.Radio.Plan = "CUSTOM"
			c.Radio.MinFrequency = 433000000
			c.Radio.MaxFrequency = 435000000
			c.Radio.Frequency = 433175000
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Gateway.EUI = "0102030405060708"
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Gateway.EUI = "0102030405060708"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50*time.Second, cfg.Session.StaleThreshold)
	assert.Empty(t, cfg.MQTT.ClientID)
}

func TestEUIFromMAC(t *testing.T) {
	mac, err := net.ParseMAC("24:0a:c4:00:11:22")
	require.NoError(t, err)
	eui, ok := EUIFromMAC(mac)
	require.True(t, ok)
	assert.Equal(t, "240AC4FFFE001122", eui.String())

	_, ok = EUIFromMAC(net.HardwareAddr{1, 2, 3})
	assert.False(t, ok)
}
