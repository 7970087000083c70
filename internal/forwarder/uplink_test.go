package forwarder

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-gateway/internal/radio"
	"nano-gateway/internal/semtech"
)

func TestUplinkDropsWhileNotActive(t *testing.T) {
	f := newSessionFixture(testSessionOptions())
	r := newFakeRadio()
	r.rx = []radio.Frame{testFrame("a"), testFrame("b")}
	u := newUplink(r, f.s, f.stats, 8, zerolog.Nop())

	assert.Equal(t, 0, u.Poll(f.clock.Now()))
	assert.Empty(t, r.rx)
	assert.Equal(t, uint32(2), f.stats.rxnb)
	assert.Equal(t, uint32(2), f.stats.rxok)
	assert.Zero(t, f.stats.rxfw)
}

func TestUplinkForwardsFrames(t *testing.T) {
	f := newSessionFixture(testSessionOptions())
	c := f.activate(t)
	r := newFakeRadio()
	bad := testFrame("bad")
	bad.CRCStatus = -1
	r.rx = []radio.Frame{testFrame("hello"), bad}
	u := newUplink(r, f.s, f.stats, 8, zerolog.Nop())

	assert.Equal(t, 1, u.Poll(f.clock.Now()))
	assert.Equal(t, uint32(2), f.stats.rxnb)
	assert.Equal(t, uint32(1), f.stats.rxok)
	assert.Equal(t, uint32(1), f.stats.rxfw)
	assert.Equal(t, uint32(1), f.stats.pushSent)
	assert.Equal(t, 1, f.s.InFlight())

	push, ok := c.last(t).(semtech.PushDataPacket)
	require.True(t, ok)
	assert.Equal(t, testEUI, push.GatewayEUI)
	require.Len(t, push.RXPK, 1)
	rx := push.RXPK[0]
	assert.Equal(t, 868.1, rx.Freq)
	assert.Equal(t, "SF7BW125", rx.DatR)
	assert.Equal(t, "4/5", rx.CodR)
	assert.Equal(t, "LORA", rx.Modu)
	assert.Equal(t, uint32(123456), rx.Tmst)
	assert.Equal(t, int16(-57), rx.RSSI)
	assert.Equal(t, 9.5, rx.LSNR)
	assert.Equal(t, int8(1), rx.Stat)
	assert.Equal(t, uint16(5), rx.Size)
	assert.Equal(t, "2024-05-01T12:00:00.000000Z", rx.Time)
	payload, err := rx.Payload()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
}

func TestUplinkBurstIsBounded(t *testing.T) {
	f := newSessionFixture(testSessionOptions())
	f.activate(t)
	r := newFakeRadio()
	for i := 0; i < 10; i++ {
		r.rx = append(r.rx, testFrame("x"))
	}
	u := newUplink(r, f.s, f.stats, 8, zerolog.Nop())

	assert.Equal(t, 8, u.Poll(f.clock.Now()))
	assert.Len(t, r.rx, 2)
	assert.Equal(t, 2, u.Poll(f.clock.Now()))
	assert.Equal(t, 10, f.s.InFlight())
}
