package modes

import (
	"fmt"
	"math"
)

// Compact Position Reporting coordinate recovery. A globally unambiguous
// position needs one even and one odd frame from the same aircraft; a single
// frame can be resolved against a nearby reference position instead.

const cprScale = 131072.0 // 2^17, the CPR fraction denominator

// cprMod is the always-positive modulus used throughout CPR math.
func cprMod(a, b float64) float64 {
	return a - b*math.Floor(a/b)
}

// cprNL returns the number of longitude zones at the given latitude
// (NZ = 15).
func cprNL(lat float64) int {
	if lat < 0 {
		lat = -lat
	}
	switch {
	case lat == 0:
		return 59
	case lat == 87:
		return 2
	case lat > 87:
		return 1
	}
	a := 1 - math.Cos(math.Pi/30)
	b := math.Cos(math.Pi / 180 * lat)
	return int(math.Floor(2 * math.Pi / math.Acos(1-a/(b*b))))
}

// GlobalPosition recovers latitude and longitude from an even/odd airborne
// frame pair. oddNewest selects which frame's zone the final position is
// computed in. Fails when the two frames straddle a longitude zone boundary.
func (d *Decoder) GlobalPosition(evenLat, evenLon, oddLat, oddLon int, oddNewest bool) (float64, float64, error) {
	const dlat0 = 360.0 / 60.0
	const dlat1 = 360.0 / 59.0

	latE := float64(evenLat) / cprScale
	lonE := float64(evenLon) / cprScale
	latO := float64(oddLat) / cprScale
	lonO := float64(oddLon) / cprScale

	j := math.Floor(59*latE - 60*latO + 0.5)
	rlat0 := dlat0 * (cprMod(j, 60) + latE)
	rlat1 := dlat1 * (cprMod(j, 59) + latO)
	if rlat0 >= 270 {
		rlat0 -= 360
	}
	if rlat1 >= 270 {
		rlat1 -= 360
	}
	if rlat0 < -90 || rlat0 > 90 || rlat1 < -90 || rlat1 > 90 {
		return 0, 0, fmt.Errorf("cpr: latitude index out of range")
	}
	if cprNL(rlat0) != cprNL(rlat1) {
		return 0, 0, fmt.Errorf("cpr: frames straddle a longitude zone boundary")
	}

	var lat, lon float64
	if oddNewest {
		nl := cprNL(rlat1)
		ni := nl - 1
		if ni < 1 {
			ni = 1
		}
		m := math.Floor(lonE*float64(nl-1) - lonO*float64(nl) + 0.5)
		lon = 360.0 / float64(ni) * (cprMod(m, float64(ni)) + lonO)
		lat = rlat1
	} else {
		nl := cprNL(rlat0)
		ni := nl
		if ni < 1 {
			ni = 1
		}
		m := math.Floor(lonE*float64(nl-1) - lonO*float64(nl) + 0.5)
		lon = 360.0 / float64(ni) * (cprMod(m, float64(ni)) + lonE)
		lat = rlat0
	}
	if lon > 180 {
		lon -= 360
	}
	return lat, lon, nil
}

// LocalPosition recovers latitude and longitude from a single airborne frame
// using a reference position (receiver location or last known aircraft
// position) to select the zone.
func (d *Decoder) LocalPosition(latCPR, lonCPR int, odd bool, refLat, refLon float64) (float64, float64, error) {
	return localPosition(latCPR, lonCPR, odd, refLat, refLon, 360.0)
}

// SurfaceLocalPosition is LocalPosition for surface position messages, whose
// zones span a quarter of the airborne angular range.
func (d *Decoder) SurfaceLocalPosition(latCPR, lonCPR int, odd bool, refLat, refLon float64) (float64, float64, error) {
	return localPosition(latCPR, lonCPR, odd, refLat, refLon, 90.0)
}

func localPosition(latCPR, lonCPR int, odd bool, refLat, refLon, span float64) (float64, float64, error) {
	latF := float64(latCPR) / cprScale
	lonF := float64(lonCPR) / cprScale

	dlat := span / 60.0
	if odd {
		dlat = span / 59.0
	}

	j := math.Floor(refLat/dlat) + math.Floor(0.5+cprMod(refLat, dlat)/dlat-latF)
	lat := dlat * (j + latF)
	if lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("cpr: resolved latitude out of range")
	}

	nl := cprNL(lat)
	if odd {
		nl--
	}
	if nl < 1 {
		nl = 1
	}
	dlon := span / float64(nl)

	m := math.Floor(refLon/dlon) + math.Floor(0.5+cprMod(refLon, dlon)/dlon-lonF)
	lon := dlon * (m + lonF)
	return lat, lon, nil
}

// SurfaceGlobalPosition recovers a surface position from an even/odd frame
// pair. Surface frames only encode a quarter of the angular range, so the
// reference position is needed to select among the four candidate solutions
// on each axis.
func (d *Decoder) SurfaceGlobalPosition(evenLat, evenLon, oddLat, oddLon int, oddNewest bool, refLat, refLon float64) (float64, float64, error) {
	const dlat0 = 90.0 / 60.0
	const dlat1 = 90.0 / 59.0

	latE := float64(evenLat) / cprScale
	lonE := float64(evenLon) / cprScale
	latO := float64(oddLat) / cprScale
	lonO := float64(oddLon) / cprScale

	j := math.Floor(59*latE - 60*latO + 0.5)
	rlat0 := dlat0 * (cprMod(j, 60) + latE)
	rlat1 := dlat1 * (cprMod(j, 59) + latO)

	// Each computed latitude is ambiguous in 90 degree steps; pick the
	// candidate nearest the reference.
	rlat0 = nearestCandidate(rlat0, refLat, 90)
	rlat1 = nearestCandidate(rlat1, refLat, 90)
	if rlat0 < -90 || rlat0 > 90 || rlat1 < -90 || rlat1 > 90 {
		return 0, 0, fmt.Errorf("cpr: latitude index out of range")
	}
	if cprNL(rlat0) != cprNL(rlat1) {
		return 0, 0, fmt.Errorf("cpr: frames straddle a longitude zone boundary")
	}

	var lat, lon float64
	if oddNewest {
		nl := cprNL(rlat1)
		ni := nl - 1
		if ni < 1 {
			ni = 1
		}
		m := math.Floor(lonE*float64(nl-1) - lonO*float64(nl) + 0.5)
		lon = 90.0 / float64(ni) * (cprMod(m, float64(ni)) + lonO)
		lat = rlat1
	} else {
		nl := cprNL(rlat0)
		ni := nl
		if ni < 1 {
			ni = 1
		}
		m := math.Floor(lonE*float64(nl-1) - lonO*float64(nl) + 0.5)
		lon = 90.0 / float64(ni) * (cprMod(m, float64(ni)) + lonE)
		lat = rlat0
	}

	lon = nearestCandidate(lon, refLon, 90)
	if lon > 180 {
		lon -= 360
	}
	return lat, lon, nil
}

// nearestCandidate returns the value among v + k*step (k integer) closest to
// ref.
func nearestCandidate(v, ref, step float64) float64 {
	return v + step*math.Round((ref-v)/step)
}
