package band

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataRate is a LoRa spreading factor / bandwidth pair.
type DataRate struct {
	SpreadFactor int
	Bandwidth    int // kHz
}

// String returns the packet forwarder identifier, e.g. "SF7BW125".
func (d DataRate) String() string {
	return "SF" + strconv.Itoa(d.SpreadFactor) + "BW" + strconv.Itoa(d.Bandwidth)
}

// ParseDataRate parses identifiers such as "SF7BW125" or "SF12BW500".
func ParseDataRate(s string) (DataRate, error) {
	var dr DataRate
	u := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(u, "SF") {
		return dr, fmt.Errorf("invalid datarate %q", s)
	}
	i := strings.Index(u, "BW")
	if i < 3 {
		return dr, fmt.Errorf("invalid datarate %q", s)
	}
	sf, err := strconv.Atoi(u[2:i])
	if err != nil {
		return dr, fmt.Errorf("invalid spreading factor in %q: %w", s, err)
	}
	bw, err := strconv.Atoi(u[i+2:])
	if err != nil {
		return dr, fmt.Errorf("invalid bandwidth in %q: %w", s, err)
	}
	if sf < 6 || sf > 12 {
		return dr, fmt.Errorf("spreading factor out of range in %q", s)
	}
	switch bw {
	case 125, 250, 500:
	default:
		return dr, fmt.Errorf("unsupported bandwidth in %q", s)
	}
	return DataRate{SpreadFactor: sf, Bandwidth: bw}, nil
}

// Plan describes the RF capability of a region.
type Plan struct {
	Name         string
	MinFrequency uint32
	MaxFrequency uint32
	DataRates    []DataRate
	MaxPower     int // dBm EIRP
}

// Contains reports whether freq (Hz) lies within the plan.
func (p Plan) Contains(freq uint32) bool {
	return freq >= p.MinFrequency && freq <= p.MaxFrequency
}

// Supports reports whether dr is one of the plan's datarates.
func (p Plan) Supports(dr DataRate) bool {
	for _, d := range p.DataRates {
		if d == dr {
			return true
		}
	}
	return false
}

var EU868 = Plan{
	Name:         "EU868",
	MinFrequency: 863000000,
	MaxFrequency: 870000000,
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125},
		{SpreadFactor: 10, Bandwidth: 125},
		{SpreadFactor: 9, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 250}, // DR6
	},
	MaxPower: 16,
}

// US915 covers the uplink 125 kHz channels, the 500 kHz uplink channel and
// the 500 kHz downlink datarates.
var US915 = Plan{
	Name:         "US915",
	MinFrequency: 902000000,
	MaxFrequency: 928000000,
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125},
		{SpreadFactor: 9, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 500},
		{SpreadFactor: 12, Bandwidth: 500},
		{SpreadFactor: 11, Bandwidth: 500},
		{SpreadFactor: 10, Bandwidth: 500},
		{SpreadFactor: 9, Bandwidth: 500},
		{SpreadFactor: 7, Bandwidth: 500},
	},
	MaxPower: 30,
}

var AU915 = Plan{
	Name:         "AU915",
	MinFrequency: 915000000,
	MaxFrequency: 928000000,
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125},
		{SpreadFactor: 11, Bandwidth: 125},
		{SpreadFactor: 10, Bandwidth: 125},
		{SpreadFactor: 9, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 500},
		{SpreadFactor: 12, Bandwidth: 500},
		{SpreadFactor: 11, Bandwidth: 500},
		{SpreadFactor: 10, Bandwidth: 500},
		{SpreadFactor: 9, Bandwidth: 500},
		{SpreadFactor: 7, Bandwidth: 500},
	},
	MaxPower: 30,
}

var AS923 = Plan{
	Name:         "AS923",
	MinFrequency: 915000000,
	MaxFrequency: 928000000,
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125},
		{SpreadFactor: 11, Bandwidth: 125},
		{SpreadFactor: 10, Bandwidth: 125},
		{SpreadFactor: 9, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 250},
	},
	MaxPower: 16,
}

// Lookup returns the built-in plan for name. CUSTOM plans are assembled by
// the caller from configuration.
func Lookup(name string) (Plan, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "EU868":
		return EU868, true
	case "US915":
		return US915, true
	case "AU915":
		return AU915, true
	case "AS923":
		return AS923, true
	}
	return Plan{}, false
}

// FormatMHz renders a frequency in Hz as MHz with Hz precision and no
// trailing zeros (868100000 -> "868.1").
func FormatMHz(freq uint32) string {
	return strconv.FormatFloat(float64(freq)/1e6, 'f', -1, 64)
}

// HzFromMHz converts a packet forwarder MHz value to Hz, rounding to the
// nearest Hz. It reports false when the value does not fit in a uint32.
func HzFromMHz(mhz float64) (uint32, bool) {
	hz := math.Round(mhz * 1e6)
	if math.IsNaN(hz) || hz <= 0 || hz > math.MaxUint32 {
		return 0, false
	}
	return uint32(hz), true
}

// MHzFromHz converts a frequency in Hz to the MHz float used on the wire.
func MHzFromHz(freq uint32) float64 {
	v, _ := strconv.ParseFloat(FormatMHz(freq), 64)
	return v
}
