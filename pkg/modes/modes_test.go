package modes

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference frames from the published 1090 MHz decoding guide.
const (
	frameIdent    = "8D4840D6202CC371C32CE0576098" // DF17 TC4, KLM1023
	framePosEven  = "8D40621D58C382D690C8AC2863A7" // DF17 TC11, even
	framePosOdd   = "8D40621D58C386435CC412692AD6" // DF17 TC11, odd
	frameVelocity = "8D485020994409940838175B284F" // DF17 TC19 subtype 1
	frameAirspeed = "8DA05F219B06B6AF189400CBC33F" // DF17 TC19 subtype 3
	frameSquawk   = "2A00516D492B80"               // DF5, squawk 0356
)

func mustFrame(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDFAndTypeCode(t *testing.T) {
	d := NewDecoder()

	msg := mustFrame(t, frameIdent)
	assert.Equal(t, 17, d.DF(msg))
	assert.Equal(t, 4, d.TypeCode(msg))

	assert.Equal(t, 11, d.TypeCode(mustFrame(t, framePosEven)))
	assert.Equal(t, 19, d.TypeCode(mustFrame(t, frameVelocity)))
	assert.Equal(t, 5, d.DF(mustFrame(t, frameSquawk)))
}

func TestChecksum(t *testing.T) {
	d := NewDecoder()

	for _, s := range []string{frameIdent, framePosEven, framePosOdd, frameVelocity} {
		assert.True(t, d.ChecksumOK(mustFrame(t, s)), "frame %s", s)
	}

	// Flip one payload bit and the CRC must fail.
	corrupted := mustFrame(t, frameIdent)
	corrupted[5] ^= 0x01
	assert.False(t, d.ChecksumOK(corrupted))
}

func TestChecksumRecoversOverlaidAddress(t *testing.T) {
	d := NewDecoder()

	// An AP-overlaid frame from an address we have never seen directly
	// cannot be verified.
	assert.False(t, d.ChecksumOK(mustFrame(t, frameSquawk)))
}

func TestICAO(t *testing.T) {
	d := NewDecoder()
	assert.Equal(t, "4840d6", d.ICAO(mustFrame(t, frameIdent)))
	assert.Equal(t, "40621d", d.ICAO(mustFrame(t, framePosEven)))
}

func TestCallsign(t *testing.T) {
	d := NewDecoder()

	cs, err := d.Callsign(mustFrame(t, frameIdent))
	require.NoError(t, err)
	assert.Equal(t, "KLM1023", cs)
}

func TestAltitudeAC12(t *testing.T) {
	d := NewDecoder()

	alt, err := d.AltitudeAC12(mustFrame(t, framePosEven))
	require.NoError(t, err)
	assert.Equal(t, 38000, alt)
}

func TestAltitudeAC13(t *testing.T) {
	d := NewDecoder()

	// Crafted DF4 reply with Q=1 and N=1560: 1560*25-1000 = 38000 ft.
	msg := []byte{0x20, 0x00, 0x18, 0x38, 0x00, 0x00, 0x00}
	alt, err := d.AltitudeAC13(msg)
	require.NoError(t, err)
	assert.Equal(t, 38000, alt)

	// Metric altitudes are rejected.
	msg[3] |= 0x40
	_, err = d.AltitudeAC13(msg)
	assert.Error(t, err)
}

func TestSquawk(t *testing.T) {
	d := NewDecoder()

	sq, err := d.Squawk(mustFrame(t, frameSquawk))
	require.NoError(t, err)
	assert.Equal(t, "0356", sq)
}

func TestRawCPR(t *testing.T) {
	d := NewDecoder()

	lat, lon, odd, err := d.RawCPR(mustFrame(t, framePosEven))
	require.NoError(t, err)
	assert.False(t, odd)
	assert.Equal(t, 93000, lat)
	assert.Equal(t, 51372, lon)

	lat, lon, odd, err = d.RawCPR(mustFrame(t, framePosOdd))
	require.NoError(t, err)
	assert.True(t, odd)
	assert.Equal(t, 74158, lat)
	assert.Equal(t, 50194, lon)
}

func TestVelocityGroundSpeed(t *testing.T) {
	d := NewDecoder()

	v, err := d.Velocity(mustFrame(t, frameVelocity))
	require.NoError(t, err)
	assert.InDelta(t, 159.20, v.GroundSpeedKts, 0.01)
	assert.InDelta(t, 182.88, v.TrackDeg, 0.01)
	assert.True(t, v.HeadingValid)
	assert.Equal(t, -832, v.VerticalRateFPM)
}

func TestVelocityAirspeed(t *testing.T) {
	d := NewDecoder()

	v, err := d.Velocity(mustFrame(t, frameAirspeed))
	require.NoError(t, err)
	assert.InDelta(t, 375, v.AirspeedKts, 0.01)
	assert.True(t, v.AirspeedIsTAS)
	assert.InDelta(t, 243.98, v.TrackDeg, 0.01)
	assert.True(t, v.HeadingValid)
	assert.Equal(t, -2304, v.VerticalRateFPM)
}
