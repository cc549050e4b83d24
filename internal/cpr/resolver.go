// Package cpr resolves compact position reports into coordinates. It keeps
// one even and one odd half-frame per aircraft and applies the global, then
// local, resolution strategies. The coordinate math itself is an external
// capability behind the PositionDecoder interface.
package cpr

import (
	"sync"
	"time"

	"github.com/mlipin/skytrack/pkg/logger"
)

// PositionDecoder is the external CPR-pair-to-coordinate capability.
type PositionDecoder interface {
	GlobalPosition(evenLat, evenLon, oddLat, oddLon int, oddNewest bool) (float64, float64, error)
	LocalPosition(latCPR, lonCPR int, odd bool, refLat, refLon float64) (float64, float64, error)
	SurfaceGlobalPosition(evenLat, evenLon, oddLat, oddLon int, oddNewest bool, refLat, refLon float64) (float64, float64, error)
	SurfaceLocalPosition(latCPR, lonCPR int, odd bool, refLat, refLon float64) (float64, float64, error)
}

// Config contains the resolution timeouts and the optional receiver
// reference position used for local decoding.
type Config struct {
	GlobalAirborneWindow time.Duration // max even/odd age spread, airborne
	GlobalSurfaceWindow  time.Duration // max even/odd age spread, surface
	LocalWindow          time.Duration // max half-frame age for local decode

	HasReference bool
	RefLat       float64
	RefLon       float64
}

// Position is a resolved aircraft position.
type Position struct {
	Lat       float64
	Lon       float64
	Surface   bool
	Timestamp time.Time
}

type halfFrame struct {
	latCPR int
	lonCPR int
	ts     time.Time
	valid  bool
}

// entry holds at most one even and one odd half-frame per aircraft, plus the
// last resolved position as a local-decode anchor.
type entry struct {
	even    halfFrame
	odd     halfFrame
	lastPos *Position
}

// Resolver resolves CPR half-frames to positions, per aircraft.
type Resolver struct {
	mu     sync.Mutex
	cfg    Config
	dec    PositionDecoder
	cache  map[string]*entry
	logger *logger.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg Config, dec PositionDecoder, log *logger.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		dec:    dec,
		cache:  make(map[string]*entry),
		logger: log.Named("cpr"),
	}
}

// Update stores the half-frame in the matching-parity slot for the aircraft
// (overwriting any older frame of that parity) and attempts resolution:
// global decode when both parities are fresh enough, local decode against a
// reference otherwise, nil when neither applies. Resolved positions outside
// valid bounds are discarded and never surfaced.
func (r *Resolver) Update(icao string, latCPR, lonCPR int, odd, surface bool, ts time.Time) *Position {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.cache[icao]
	if e == nil {
		e = &entry{}
		r.cache[icao] = e
	}

	hf := halfFrame{latCPR: latCPR, lonCPR: lonCPR, ts: ts, valid: true}
	if odd {
		e.odd = hf
	} else {
		e.even = hf
	}

	if pos := r.resolve(e, odd, surface, ts); pos != nil {
		e.lastPos = pos
		return pos
	}
	return nil
}

func (r *Resolver) resolve(e *entry, oddNewest, surface bool, now time.Time) *Position {
	window := r.cfg.GlobalAirborneWindow
	if surface {
		window = r.cfg.GlobalSurfaceWindow
	}

	// Global decode first: both parities present and close in time.
	if e.even.valid && e.odd.valid {
		spread := e.even.ts.Sub(e.odd.ts)
		if spread < 0 {
			spread = -spread
		}
		if spread <= window {
			var lat, lon float64
			var err error
			if surface {
				refLat, refLon, ok := r.reference(e)
				if ok {
					lat, lon, err = r.dec.SurfaceGlobalPosition(
						e.even.latCPR, e.even.lonCPR, e.odd.latCPR, e.odd.lonCPR, oddNewest, refLat, refLon)
					if err == nil {
						return r.bounded(lat, lon, surface, now)
					}
				}
			} else {
				lat, lon, err = r.dec.GlobalPosition(
					e.even.latCPR, e.even.lonCPR, e.odd.latCPR, e.odd.lonCPR, oddNewest)
				if err == nil {
					return r.bounded(lat, lon, surface, now)
				}
			}
			if err != nil {
				r.logger.Debug("global decode failed", logger.Error(err))
			}
		}
	}

	// Local decode: the frame just stored is by definition the newest of
	// its parity; it only needs an anchor.
	newest := e.even
	if oddNewest {
		newest = e.odd
	}
	if now.Sub(newest.ts) <= r.cfg.LocalWindow {
		if refLat, refLon, ok := r.reference(e); ok {
			var lat, lon float64
			var err error
			if surface {
				lat, lon, err = r.dec.SurfaceLocalPosition(newest.latCPR, newest.lonCPR, oddNewest, refLat, refLon)
			} else {
				lat, lon, err = r.dec.LocalPosition(newest.latCPR, newest.lonCPR, oddNewest, refLat, refLon)
			}
			if err == nil {
				return r.bounded(lat, lon, surface, now)
			}
			r.logger.Debug("local decode failed", logger.Error(err))
		}
	}

	return nil
}

// reference picks the local-decode anchor: the aircraft's own last resolved
// position when fresh, else the configured receiver position.
func (r *Resolver) reference(e *entry) (float64, float64, bool) {
	if e.lastPos != nil {
		return e.lastPos.Lat, e.lastPos.Lon, true
	}
	if r.cfg.HasReference {
		return r.cfg.RefLat, r.cfg.RefLon, true
	}
	return 0, 0, false
}

func (r *Resolver) bounded(lat, lon float64, surface bool, now time.Time) *Position {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		r.logger.Debug("resolved position out of bounds",
			logger.Float64("lat", lat),
			logger.Float64("lon", lon))
		return nil
	}
	return &Position{Lat: lat, Lon: lon, Surface: surface, Timestamp: now}
}

// Forget drops the cached half-frames for an aircraft. Called when the
// aircraft is expired or evicted so the cache stays bounded by the live
// aircraft set.
func (r *Resolver) Forget(icao string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, icao)
}

// Len returns the number of aircraft with cached half-frames.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
