package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	ini "gopkg.in/ini.v1"

	"nano-gateway/internal/band"
	"nano-gateway/internal/semtech"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

type GatewayConfig struct {
	EUI       string  `ini:"eui"`
	Server    string  `ini:"server"`
	Port      int     `ini:"port"`
	Latitude  float64 `ini:"latitude"`
	Longitude float64 `ini:"longitude"`
	Altitude  int     `ini:"altitude"`
}

type RadioConfig struct {
	Plan         string   `ini:"plan"`
	Frequency    uint32   `ini:"frequency"`
	DataRate     string   `ini:"datarate"`
	CodingRate   string   `ini:"coding_rate"`
	SerialPort   string   `ini:"serial_port"`
	BaudRate     int      `ini:"baud_rate"`
	MaxPower     int      `ini:"max_power"`
	MinFrequency uint32   `ini:"min_frequency"`
	MaxFrequency uint32   `ini:"max_frequency"`
	DataRates    []string `ini:"datarates" delim:","`
}

type SessionConfig struct {
	PollInterval      time.Duration `ini:"poll_interval"`
	AckTimeout        time.Duration `ini:"ack_timeout"`
	MaxRetries        int           `ini:"max_retries"`
	KeepaliveInterval time.Duration `ini:"keepalive_interval"`
	StaleThreshold    time.Duration `ini:"stale_threshold"`
	ReconnectMin      time.Duration `ini:"reconnect_min"`
	ReconnectMax      time.Duration `ini:"reconnect_max"`
	ReconnectAttempts int           `ini:"reconnect_attempts"`
	UplinkBurst       int           `ini:"uplink_burst"`
}

type DownlinkConfig struct {
	Grace   time.Duration `ini:"grace"`
	MaxLead time.Duration `ini:"max_lead"`
}

type StatsConfig struct {
	Interval time.Duration `ini:"interval"`
}

type LoggingConfig struct {
	File       string `ini:"file"`
	Level      string `ini:"level"`
	MaxSizeMB  int    `ini:"max_size_mb"`
	MaxBackups int    `ini:"max_backups"`
	MaxAgeDays int    `ini:"max_age_days"`
}

type MQTTConfig struct {
	Broker      string `ini:"broker"`
	ClientID    string `ini:"client_id"`
	Username    string `ini:"username"`
	Password    string `ini:"password"`
	QoS         int    `ini:"qos"`
	Retain      bool   `ini:"retain"`
	TopicPrefix string `ini:"topic_prefix"`
}

type NATSConfig struct {
	URL           string `ini:"url"`
	SubjectPrefix string `ini:"subject_prefix"`
}

type StatusConfig struct {
	Listen string `ini:"listen"`
}

type Config struct {
	Gateway  GatewayConfig
	Radio    RadioConfig
	Session  SessionConfig
	Downlink DownlinkConfig
	Stats    StatsConfig
	Logging  LoggingConfig
	MQTT     MQTTConfig
	NATS     NATSConfig
	Status   StatusConfig

	// resolved by Validate
	EUI      semtech.EUI64
	Plan     band.Plan
	DataRate band.DataRate
}

// Default returns the configuration used for keys that are not set.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Server: "router.eu.thethings.network",
			Port:   1700,
		},
		Radio: RadioConfig{
			Plan:       "EU868",
			Frequency:  868100000,
			DataRate:   "SF7BW125",
			CodingRate: "4/5",
			SerialPort: "/dev/ttyUSB0",
			BaudRate:   115200,
		},
		Session: SessionConfig{
			PollInterval:      10 * time.Millisecond,
			AckTimeout:        2 * time.Second,
			MaxRetries:        3,
			KeepaliveInterval: 25 * time.Second,
			ReconnectMin:      time.Second,
			ReconnectMax:      time.Minute,
			UplinkBurst:       8,
		},
		Downlink: DownlinkConfig{
			Grace:   10 * time.Millisecond,
			MaxLead: 20 * time.Second,
		},
		Stats: StatsConfig{
			Interval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "gateway",
		},
		NATS: NATSConfig{
			SubjectPrefix: "gateway",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	// IgnoreInlineComment keeps '#' inside values such as MQTT topics.
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return cfg, err
	}
	sections := []struct {
		name string
		dst  any
	}{
		{"gateway", &cfg.Gateway},
		{"radio", &cfg.Radio},
		{"session", &cfg.Session},
		{"downlink", &cfg.Downlink},
		{"stats", &cfg.Stats},
		{"logging", &cfg.Logging},
		{"mqtt", &cfg.MQTT},
		{"nats", &cfg.NATS},
		{"status", &cfg.Status},
	}
	for _, s := range sections {
		if err := f.Section(s.name).MapTo(s.dst); err != nil {
			return cfg, fmt.Errorf("section [%s]: %w", s.name, err)
		}
	}
	cfg.MQTT.TopicPrefix = strings.Trim(cfg.MQTT.TopicPrefix, "\"'/")
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration and resolves EUI, plan and datarate.
func (c *Config) Validate() error {
	var err error
	if strings.TrimSpace(c.Gateway.EUI) == "" {
		if c.EUI, err = EUIFromInterfaces(); err != nil {
			return invalid("gateway.eui", err.Error())
		}
	} else if c.EUI, err = semtech.ParseEUI64(c.Gateway.EUI); err != nil {
		return invalid("gateway.eui", err.Error())
	}
	if c.Gateway.Server == "" {
		return invalid("gateway.server", "must be set")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return invalid("gateway.port", fmt.Sprintf("%d out of range", c.Gateway.Port))
	}

	if c.Plan, err = c.plan(); err != nil {
		return err
	}
	if !c.Plan.Contains(c.Radio.Frequency) {
		return invalid("radio.frequency", fmt.Sprintf("%d outside %s", c.Radio.Frequency, c.Plan.Name))
	}
	if c.DataRate, err = band.ParseDataRate(c.Radio.DataRate); err != nil {
		return invalid("radio.datarate", err.Error())
	}
	if !c.Plan.Supports(c.DataRate) {
		return invalid("radio.datarate", fmt.Sprintf("%s not in %s", c.DataRate, c.Plan.Name))
	}
	if strings.TrimSpace(c.Radio.SerialPort) == "" {
		return invalid("radio.serial_port", "must be set")
	}
	if c.Radio.BaudRate <= 0 {
		return invalid("radio.baud_rate", "must be positive")
	}
	if c.Radio.MaxPower > 0 {
		c.Plan.MaxPower = c.Radio.MaxPower
	}

	s := &c.Session
	switch {
	case s.PollInterval <= 0:
		return invalid("session.poll_interval", "must be positive")
	case s.AckTimeout <= 0:
		return invalid("session.ack_timeout", "must be positive")
	case s.MaxRetries < 0:
		return invalid("session.max_retries", "must not be negative")
	case s.KeepaliveInterval <= 0:
		return invalid("session.keepalive_interval", "must be positive")
	case s.ReconnectMin <= 0 || s.ReconnectMax < s.ReconnectMin:
		return invalid("session.reconnect_min", "must be positive and not above reconnect_max")
	case s.ReconnectAttempts < 0:
		return invalid("session.reconnect_attempts", "must not be negative")
	case s.UplinkBurst <= 0:
		return invalid("session.uplink_burst", "must be positive")
	}
	if s.StaleThreshold == 0 {
		s.StaleThreshold = 2 * s.KeepaliveInterval
	}
	if s.StaleThreshold < s.KeepaliveInterval {
		return invalid("session.stale_threshold", "must not be below keepalive_interval")
	}

	if c.Downlink.Grace < 0 {
		return invalid("downlink.grace", "must not be negative")
	}
	if c.Downlink.MaxLead <= c.Downlink.Grace {
		return invalid("downlink.max_lead", "must exceed grace")
	}
	if c.Stats.Interval <= 0 {
		return invalid("stats.interval", "must be positive")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return invalid("mqtt.qos", fmt.Sprintf("%d out of range", c.MQTT.QoS))
	}
	if c.MQTT.Broker != "" && c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "nano-gateway-" + uuid.NewString()
	}
	return nil
}

// ServerAddr returns host:port of the network server.
func (c Config) ServerAddr() string {
	return net.JoinHostPort(c.Gateway.Server, fmt.Sprint(c.Gateway.Port))
}

func (c Config) plan() (band.Plan, error) {
	if p, ok := band.Lookup(c.Radio.Plan); ok {
		return p, nil
	}
	if !strings.EqualFold(c.Radio.Plan, "CUSTOM") {
		return band.Plan{}, invalid("radio.plan", fmt.Sprintf("unknown plan %q", c.Radio.Plan))
	}
	p := band.Plan{
		Name:         "CUSTOM",
		MinFrequency: c.Radio.MinFrequency,
		MaxFrequency: c.Radio.MaxFrequency,
		MaxPower:     c.Radio.MaxPower,
	}
	if p.MinFrequency == 0 || p.MaxFrequency < p.MinFrequency {
		return p, invalid("radio.min_frequency", "custom plan needs min_frequency <= max_frequency")
	}
	for _, s := range c.Radio.DataRates {
		dr, err := band.ParseDataRate(s)
		if err != nil {
			return p, invalid("radio.datarates", err.Error())
		}
		p.DataRates = append(p.DataRates, dr)
	}
	if len(p.DataRates) == 0 {
		return p, invalid("radio.datarates", "custom plan needs at least one datarate")
	}
	if p.MaxPower <= 0 {
		p.MaxPower = 14
	}
	return p, nil
}

// EUIFromInterfaces derives a gateway EUI from the first hardware address:
// the first three bytes, FFFE, then the last three bytes.
func EUIFromInterfaces() (semtech.EUI64, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return semtech.EUI64{}, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if eui, ok := EUIFromMAC(iface.HardwareAddr); ok {
			return eui, nil
		}
	}
	return semtech.EUI64{}, errors.New("no hardware address to derive the eui from; set it explicitly")
}

// EUIFromMAC expands a 48-bit MAC address into an EUI-64.
func EUIFromMAC(mac net.HardwareAddr) (semtech.EUI64, bool) {
	var eui semtech.EUI64
	if len(mac) != 6 {
		return eui, false
	}
	copy(eui[:3], mac[:3])
	eui[3], eui[4] = 0xff, 0xfe
	copy(eui[5:], mac[3:])
	return eui, true
}

func invalid(key, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, key, reason)
}
