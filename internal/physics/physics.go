// Package physics provides the small amount of flight physics and geodesy
// the tracker needs: airspeed derivation, great-circle distance, and
// magnetic variation.
package physics

import (
	"math"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

const (
	R           = 287.058  // Specific gas constant for dry air (J/(kg·K))
	Gamma       = 1.4      // Adiabatic index
	G           = 9.80665  // Gravity (m/s^2)
	T0          = 288.15   // Standard sea level temperature (K)
	P0          = 1013.25  // Standard sea level pressure (hPa)
	L           = 0.0065   // Tropospheric lapse rate (K/m)
	ZeroCelsius = 273.15   // 0°C in Kelvin
	KnotsToMs   = 0.514444 // Knots to m/s
	MsToKnots   = 1.94384  // m/s to knots

	TropopauseAltM    = 11000.0
	StratosphereTempK = 216.65
	TropopausePress   = 226.32 // hPa at the tropopause

	EarthRadiusNM = 3440.065 // mean Earth radius in nautical miles
)

// SoundSpeed returns the speed of sound in m/s at the given temperature in
// Kelvin.
func SoundSpeed(tempK float64) float64 {
	if tempK <= 0 {
		return 0
	}
	return math.Sqrt(Gamma * R * tempK)
}

// Mach returns the Mach number for a true airspeed in knots at the given
// temperature in Celsius.
func Mach(tasKnots, tempCelsius float64) float64 {
	a := SoundSpeed(tempCelsius + ZeroCelsius)
	if a == 0 {
		return 0
	}
	return tasKnots * KnotsToMs / a
}

// AltitudeToPressure converts a pressure altitude in feet to static pressure
// in hPa using the standard atmosphere, valid through the lower
// stratosphere.
func AltitudeToPressure(altFt float64) float64 {
	altM := altFt * 0.3048
	if altM < 0 {
		altM = 0
	}
	if altM <= TropopauseAltM {
		return P0 * math.Pow(1-(L*altM/T0), G/(R*L))
	}
	relAlt := altM - TropopauseAltM
	return TropopausePress * math.Exp(-(G*relAlt)/(R*StratosphereTempK))
}

// CAS derives calibrated airspeed in knots from TAS using the compressible
// (Saint-Venant) impact pressure relation. tempCelsius is the outside air
// temperature; when unknown, ISA temperature at the altitude is a reasonable
// stand-in.
func CAS(tasKnots, pressAltFt, tempCelsius float64) float64 {
	pPa := AltitudeToPressure(pressAltFt) * 100
	p0Pa := P0 * 100

	m := Mach(tasKnots, tempCelsius)
	qc := pPa * (math.Pow(1+0.2*m*m, 3.5) - 1)

	a0 := SoundSpeed(T0) * MsToKnots
	term := qc/p0Pa + 1
	if term < 0 {
		return 0
	}
	return a0 * math.Sqrt(5*(math.Pow(term, 1/3.5)-1))
}

// ISATemp returns the standard atmosphere temperature in Celsius at the
// given pressure altitude in feet.
func ISATemp(altFt float64) float64 {
	altM := altFt * 0.3048
	if altM > TropopauseAltM {
		return StratosphereTempK - ZeroCelsius
	}
	return T0 - L*altM - ZeroCelsius
}

// DistanceNM returns the great-circle distance in nautical miles between two
// coordinates.
func DistanceNM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusNM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// MagneticVariation returns the magnetic declination in degrees (+E/-W) at a
// position and time, from the World Magnetic Model.
func MagneticVariation(lat, lon, altFt float64, date time.Time) float64 {
	loc := egm96.NewLocationGeodetic(lat, lon, altFt*0.3048)
	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		return 0
	}
	return mag.D()
}

// TrueToMagnetic converts a true track to a magnetic heading given the local
// variation.
func TrueToMagnetic(trueDeg, variation float64) float64 {
	h := trueDeg - variation
	for h < 0 {
		h += 360
	}
	for h >= 360 {
		h -= 360
	}
	return h
}
