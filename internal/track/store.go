// Package track maintains the live aircraft picture: one state per ICAO
// address, merged from decoded messages, with conflict flagging, expiry, and
// capacity eviction. The store is the single access point; nothing outside
// this package mutates an entry directly.
package track

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mlipin/skytrack/internal/physics"
	"github.com/mlipin/skytrack/pkg/logger"
)

// Plausibility limits for the conflict check. The allowances give short
// update intervals slack so position jitter near the noise floor does not
// flag.
const (
	maxPlausibleSpeedKts   = 1200.0
	positionSlackNM        = 2.0
	maxPlausibleRateFPM    = 12000.0
	altitudeSlackFt        = 500.0
	minConflictElapsedSecs = 0.5
)

// Position is a resolved aircraft position.
type Position struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Surface   bool      `json:"surface"`
	Timestamp time.Time `json:"timestamp"`
}

// Velocity is the kinematic state from a velocity message, with the derived
// airspeed and magnetic track fields filled in by the service.
type Velocity struct {
	GroundSpeedKts   float64 `json:"gs_kts"`
	TrackDeg         float64 `json:"track_deg"`
	TrackValid       bool    `json:"track_valid"`
	VerticalRateFPM  int     `json:"vertical_rate_fpm"`
	TASKts           float64 `json:"tas_kts,omitempty"`
	CASKts           float64 `json:"cas_kts,omitempty"`
	MagneticTrackDeg float64 `json:"magnetic_track_deg,omitempty"`
}

// Aircraft is the merged state for one ICAO address.
type Aircraft struct {
	ICAO         string          `json:"icao"`
	Callsign     string          `json:"callsign,omitempty"`
	Squawk       string          `json:"squawk,omitempty"`
	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
	Position     *Position       `json:"position,omitempty"`
	AltitudeFt   *int            `json:"altitude_ft,omitempty"`
	Velocity     *Velocity       `json:"velocity,omitempty"`
	MessageCount int64           `json:"message_count"`
	Categories   map[string]bool `json:"categories"`
	OnWatchlist  bool            `json:"on_watchlist"`
	Source       string          `json:"source,omitempty"`
}

// clone returns a copy safe to hand outside the store lock. The categories
// map is copied; Position/Velocity values are never mutated after merge.
func (a *Aircraft) clone() *Aircraft {
	c := *a
	c.Categories = make(map[string]bool, len(a.Categories))
	for k, v := range a.Categories {
		c.Categories[k] = v
	}
	return &c
}

// Update is one decoded message's contribution, already resolved: the
// service converts classifier output and CPR results into this shape before
// merging. Nil/empty fields are absent and leave the state untouched.
type Update struct {
	ICAO       string
	Category   string
	Timestamp  time.Time
	Source     string
	Callsign   string
	Squawk     string
	AltitudeFt *int
	Position   *Position
	Velocity   *Velocity
}

// Conflict kinds.
const (
	ConflictPosition = "position_jump"
	ConflictAltitude = "altitude_rate"
	ConflictCallsign = "callsign_change"
)

// Conflict records an implausible update. Policy is prefer-newest: the
// update is applied anyway and the conflict is kept for observability.
type Conflict struct {
	ICAO      string    `json:"icao"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// StoreConfig bounds the store and sets the expiry schedule.
type StoreConfig struct {
	MaxAircraft    int
	EvictTarget    float64 // fraction of MaxAircraft to shrink to
	ExpirySurface  time.Duration
	ExpiryAirborne time.Duration
	ExpiryDefault  time.Duration
}

// Store owns the aircraft map. All access goes through its methods.
type Store struct {
	mu     sync.RWMutex
	cfg    StoreConfig
	byICAO map[string]*Aircraft
	logger *logger.Logger
}

// NewStore creates a store.
func NewStore(cfg StoreConfig, log *logger.Logger) *Store {
	if cfg.MaxAircraft == 0 {
		cfg.MaxAircraft = 1000
	}
	if cfg.EvictTarget == 0 {
		cfg.EvictTarget = 0.7
	}
	if cfg.ExpirySurface == 0 {
		cfg.ExpirySurface = 60 * time.Second
	}
	if cfg.ExpiryAirborne == 0 {
		cfg.ExpiryAirborne = 300 * time.Second
	}
	if cfg.ExpiryDefault == 0 {
		cfg.ExpiryDefault = 120 * time.Second
	}
	return &Store{
		cfg:    cfg,
		byICAO: make(map[string]*Aircraft),
		logger: log.Named("store"),
	}
}

// Merge applies an update to the aircraft's state, creating it if this is
// the first message. Only fields present in the update are overwritten;
// last_seen never regresses and message_count never decreases. Conflicts
// found by the plausibility check are returned but the update is applied
// regardless.
func (s *Store) Merge(u Update) (*Aircraft, bool, []Conflict) {
	now := u.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byICAO[u.ICAO]
	if !ok {
		a = &Aircraft{
			ICAO:       u.ICAO,
			FirstSeen:  now,
			LastSeen:   now,
			Categories: make(map[string]bool),
		}
		s.byICAO[u.ICAO] = a
	}

	var conflicts []Conflict
	if ok {
		conflicts = s.conflictCheck(a, u, now)
	}

	if u.Callsign != "" {
		a.Callsign = u.Callsign
	}
	if u.Squawk != "" {
		a.Squawk = u.Squawk
	}
	if u.AltitudeFt != nil {
		alt := *u.AltitudeFt
		a.AltitudeFt = &alt
	}
	if u.Position != nil {
		p := *u.Position
		a.Position = &p
	}
	if u.Velocity != nil {
		v := *u.Velocity
		a.Velocity = &v
	}
	if u.Source != "" {
		a.Source = u.Source
	}
	if u.Category != "" {
		a.Categories[u.Category] = true
	}
	if now.After(a.LastSeen) {
		a.LastSeen = now
	}
	a.MessageCount++

	return a.clone(), !ok, conflicts
}

// conflictCheck flags implausible transitions without blocking the merge.
func (s *Store) conflictCheck(a *Aircraft, u Update, now time.Time) []Conflict {
	var conflicts []Conflict

	if u.Position != nil && a.Position != nil {
		elapsed := u.Position.Timestamp.Sub(a.Position.Timestamp).Seconds()
		if elapsed >= minConflictElapsedSecs {
			dist := physics.DistanceNM(a.Position.Lat, a.Position.Lon, u.Position.Lat, u.Position.Lon)
			allowed := maxPlausibleSpeedKts*elapsed/3600.0 + positionSlackNM
			if dist > allowed {
				conflicts = append(conflicts, Conflict{
					ICAO:      a.ICAO,
					Kind:      ConflictPosition,
					Detail:    fmt.Sprintf("moved %.1f nm in %.1f s", dist, elapsed),
					Timestamp: now,
				})
			}
		}
	}

	if u.AltitudeFt != nil && a.AltitudeFt != nil {
		elapsed := now.Sub(a.LastSeen).Seconds()
		if elapsed >= minConflictElapsedSecs {
			delta := float64(*u.AltitudeFt - *a.AltitudeFt)
			if delta < 0 {
				delta = -delta
			}
			allowed := maxPlausibleRateFPM*elapsed/60.0 + altitudeSlackFt
			if delta > allowed {
				conflicts = append(conflicts, Conflict{
					ICAO:      a.ICAO,
					Kind:      ConflictAltitude,
					Detail:    fmt.Sprintf("altitude changed %.0f ft in %.1f s", delta, elapsed),
					Timestamp: now,
				})
			}
		}
	}

	if u.Callsign != "" && a.Callsign != "" && u.Callsign != a.Callsign {
		conflicts = append(conflicts, Conflict{
			ICAO:      a.ICAO,
			Kind:      ConflictCallsign,
			Detail:    fmt.Sprintf("callsign %s replaced %s", u.Callsign, a.Callsign),
			Timestamp: now,
		})
	}

	return conflicts
}

// SetWatchlisted marks an aircraft as a watchlist hit. The flag is set by
// the matching collaborator and never cleared by merges.
func (s *Store) SetWatchlisted(icao string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byICAO[icao]; ok {
		a.OnWatchlist = true
	}
}

// Get returns a copy of one aircraft's state.
func (s *Store) Get(icao string) (*Aircraft, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byICAO[icao]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// All returns a snapshot of every live aircraft.
func (s *Store) All() []*Aircraft {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Aircraft, 0, len(s.byICAO))
	for _, a := range s.byICAO {
		out = append(out, a.clone())
	}
	return out
}

// Len returns the live aircraft count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byICAO)
}

// expiryFor picks the category timeout: surface aircraft go stale fastest,
// airborne ones slowest, everything else uses the default.
func (s *Store) expiryFor(a *Aircraft) time.Duration {
	if a.Position != nil {
		if a.Position.Surface {
			return s.cfg.ExpirySurface
		}
		return s.cfg.ExpiryAirborne
	}
	return s.cfg.ExpiryDefault
}

// Expire removes aircraft not heard from within their category timeout and
// returns the removed ICAO addresses.
func (s *Store) Expire(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for icao, a := range s.byICAO {
		if now.Sub(a.LastSeen) > s.expiryFor(a) {
			delete(s.byICAO, icao)
			removed = append(removed, icao)
		}
	}
	if len(removed) > 0 {
		s.logger.Debug("Expired stale aircraft", logger.Int("count", len(removed)))
	}
	return removed
}

// EvictForCapacity shrinks the store in one batch when it exceeds the
// configured maximum, removing oldest-last_seen entries first until the
// target threshold is reached. Batching avoids evicting one entry per
// message when the store hovers at the cap.
func (s *Store) EvictForCapacity() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byICAO) <= s.cfg.MaxAircraft {
		return nil
	}
	target := int(float64(s.cfg.MaxAircraft) * s.cfg.EvictTarget)

	all := make([]*Aircraft, 0, len(s.byICAO))
	for _, a := range s.byICAO {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastSeen.Before(all[j].LastSeen)
	})

	var removed []string
	for _, a := range all {
		if len(s.byICAO) <= target {
			break
		}
		delete(s.byICAO, a.ICAO)
		removed = append(removed, a.ICAO)
	}
	s.logger.Info("Evicted aircraft for capacity",
		logger.Int("removed", len(removed)),
		logger.Int("remaining", len(s.byICAO)))
	return removed
}
