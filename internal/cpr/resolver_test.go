package cpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlipin/skytrack/pkg/logger"
	"github.com/mlipin/skytrack/pkg/modes"
)

// CPR half-frames of the reference even/odd pair resolving near
// (52.2572, 3.9194).
const (
	evenLat = 93000
	evenLon = 51372
	oddLat  = 74158
	oddLon  = 50194
)

func testConfig(withRef bool) Config {
	return Config{
		GlobalAirborneWindow: 10 * time.Second,
		GlobalSurfaceWindow:  5 * time.Second,
		LocalWindow:          30 * time.Second,
		HasReference:         withRef,
		RefLat:               52.258,
		RefLon:               3.918,
	}
}

func newResolver(cfg Config) *Resolver {
	return NewResolver(cfg, modes.NewDecoder(), logger.NewNop())
}

func TestGlobalResolutionFromPair(t *testing.T) {
	r := newResolver(testConfig(false))
	now := time.Now().UTC()

	pos := r.Update("40621d", evenLat, evenLon, false, false, now)
	assert.Nil(t, pos, "single half-frame without reference cannot resolve")

	pos = r.Update("40621d", oddLat, oddLon, true, false, now.Add(2*time.Second))
	require.NotNil(t, pos)
	assert.GreaterOrEqual(t, pos.Lat, -90.0)
	assert.LessOrEqual(t, pos.Lat, 90.0)
	assert.GreaterOrEqual(t, pos.Lon, -180.0)
	assert.LessOrEqual(t, pos.Lon, 180.0)
	assert.InDelta(t, 52.26, pos.Lat, 0.05)
	assert.InDelta(t, 3.92, pos.Lon, 0.05)
}

func TestGlobalPairOutsideWindow(t *testing.T) {
	r := newResolver(testConfig(false))
	now := time.Now().UTC()

	r.Update("40621d", evenLat, evenLon, false, false, now)
	pos := r.Update("40621d", oddLat, oddLon, true, false, now.Add(11*time.Second))
	assert.Nil(t, pos, "stale even frame must not pair globally")
}

func TestLocalResolutionWithReference(t *testing.T) {
	r := newResolver(testConfig(true))

	pos := r.Update("40621d", evenLat, evenLon, false, false, time.Now().UTC())
	require.NotNil(t, pos)
	assert.InDelta(t, 52.2572, pos.Lat, 0.001)
	assert.InDelta(t, 3.9194, pos.Lon, 0.001)
}

func TestStalePairFallsBackToLocal(t *testing.T) {
	r := newResolver(testConfig(true))
	now := time.Now().UTC()

	r.Update("40621d", oddLat, oddLon, true, false, now.Add(-time.Minute))
	pos := r.Update("40621d", evenLat, evenLon, false, false, now)
	require.NotNil(t, pos, "fresh frame plus reference resolves locally")
	assert.InDelta(t, 52.2572, pos.Lat, 0.001)
}

func TestParitySlotOverwrite(t *testing.T) {
	r := newResolver(testConfig(false))
	now := time.Now().UTC()

	// Two even frames then one odd: the newer even frame pairs.
	r.Update("40621d", 11111, 22222, false, false, now.Add(-time.Hour))
	r.Update("40621d", evenLat, evenLon, false, false, now)
	pos := r.Update("40621d", oddLat, oddLon, true, false, now.Add(time.Second))
	require.NotNil(t, pos)
	assert.InDelta(t, 52.26, pos.Lat, 0.05)
	assert.Equal(t, 1, r.Len())
}

// scriptedDecoder returns a fixed coordinate, letting tests exercise the
// bounds policy.
type scriptedDecoder struct {
	lat, lon float64
}

func (s scriptedDecoder) GlobalPosition(int, int, int, int, bool) (float64, float64, error) {
	return s.lat, s.lon, nil
}
func (s scriptedDecoder) LocalPosition(int, int, bool, float64, float64) (float64, float64, error) {
	return s.lat, s.lon, nil
}
func (s scriptedDecoder) SurfaceGlobalPosition(int, int, int, int, bool, float64, float64) (float64, float64, error) {
	return s.lat, s.lon, nil
}
func (s scriptedDecoder) SurfaceLocalPosition(int, int, bool, float64, float64) (float64, float64, error) {
	return s.lat, s.lon, nil
}

func TestOutOfBoundsPositionNeverSurfaced(t *testing.T) {
	r := NewResolver(testConfig(true), scriptedDecoder{lat: 91.0, lon: 0}, logger.NewNop())

	pos := r.Update("abc123", evenLat, evenLon, false, false, time.Now().UTC())
	assert.Nil(t, pos)

	r = NewResolver(testConfig(true), scriptedDecoder{lat: 10, lon: -181}, logger.NewNop())
	pos = r.Update("abc123", evenLat, evenLon, false, false, time.Now().UTC())
	assert.Nil(t, pos)
}

func TestSurfaceUsesSurfaceWindow(t *testing.T) {
	r := NewResolver(testConfig(false), scriptedDecoder{lat: 52, lon: 4}, logger.NewNop())
	now := time.Now().UTC()

	// 7 seconds apart: inside the airborne window, outside the surface one.
	r.Update("abc123", evenLat, evenLon, false, true, now)
	pos := r.Update("abc123", oddLat, oddLon, true, true, now.Add(7*time.Second))
	assert.Nil(t, pos, "surface pair outside surface window, no reference")

	pos = r.Update("abc123", oddLat, oddLon, true, false, now.Add(7*time.Second))
	require.NotNil(t, pos, "same spread pairs under the airborne window")
}

func TestForget(t *testing.T) {
	r := newResolver(testConfig(false))
	r.Update("40621d", evenLat, evenLon, false, false, time.Now().UTC())
	require.Equal(t, 1, r.Len())
	r.Forget("40621d")
	assert.Equal(t, 0, r.Len())
}
