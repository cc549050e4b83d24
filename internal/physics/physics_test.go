package physics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceNM(t *testing.T) {
	// One degree of latitude is sixty nautical miles.
	assert.InDelta(t, 60.0, DistanceNM(43.0, -79.0, 44.0, -79.0), 0.2)
	assert.InDelta(t, 0.0, DistanceNM(43.0, -79.0, 43.0, -79.0), 0.001)
}

func TestCASBelowTASAtAltitude(t *testing.T) {
	// At altitude, calibrated airspeed is well below true airspeed.
	cas := CAS(450, 35000, ISATemp(35000))
	assert.Greater(t, cas, 200.0)
	assert.Less(t, cas, 450.0)

	// At sea level and ISA they coincide closely.
	assert.InDelta(t, 250, CAS(250, 0, ISATemp(0)), 2.0)
}

func TestTrueToMagnetic(t *testing.T) {
	assert.InDelta(t, 350.0, TrueToMagnetic(0, 10), 0.001)
	assert.InDelta(t, 5.0, TrueToMagnetic(355, -10), 0.001)
}
