package band

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataRate(t *testing.T) {
	tests := []struct {
		in      string
		want    DataRate
		wantErr bool
	}{
		{in: "SF7BW125", want: DataRate{SpreadFactor: 7, Bandwidth: 125}},
		{in: "SF12BW500", want: DataRate{SpreadFactor: 12, Bandwidth: 500}},
		{in: "sf9bw250", want: DataRate{SpreadFactor: 9, Bandwidth: 250}},
		{in: "SF13BW125", wantErr: true},
		{in: "SF7BW200", wantErr: true},
		{in: "BW125", wantErr: true},
		{in: "SFBW125", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDataRate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) DataRate {
	t.Helper()
	dr, err := ParseDataRate(s)
	require.NoError(t, err)
	return dr
}

func TestPlan(t *testing.T) {
	assert.True(t, EU868.Contains(868100000))
	assert.False(t, EU868.Contains(915000000))
	assert.True(t, EU868.Supports(DataRate{SpreadFactor: 7, Bandwidth: 250}))
	assert.False(t, EU868.Supports(DataRate{SpreadFactor: 7, Bandwidth: 500}))
	assert.True(t, US915.Supports(DataRate{SpreadFactor: 12, Bandwidth: 500}))

	p, ok := Lookup("us915")
	require.True(t, ok)
	assert.Equal(t, "US915", p.Name)
	_, ok = Lookup("CUSTOM")
	assert.False(t, ok)
}

func TestFrequencyConversion(t *testing.T) {
	assert.Equal(t, "868.1", FormatMHz(868100000))
	assert.Equal(t, "869.525", FormatMHz(869525000))
	hz, ok := HzFromMHz(868.1)
	assert.True(t, ok)
	assert.Equal(t, uint32(868100000), hz)
	hz, ok = HzFromMHz(MHzFromHz(923300000))
	assert.True(t, ok)
	assert.Equal(t, uint32(923300000), hz)

	for _, mhz := range []float64{0, -868.1, 4294.967296, 869.525 + 4294.967296, math.NaN(), math.Inf(1)} {
		_, ok := HzFromMHz(mhz)
		assert.False(t, ok, "%v MHz", mhz)
	}
	assert.Equal(t, 868.3, MHzFromHz(868300000))
}
