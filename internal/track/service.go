package track

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mlipin/skytrack/internal/cpr"
	"github.com/mlipin/skytrack/internal/decode"
	"github.com/mlipin/skytrack/internal/physics"
	"github.com/mlipin/skytrack/internal/source"
	"github.com/mlipin/skytrack/internal/websocket"
	"github.com/mlipin/skytrack/internal/wire"
	"github.com/mlipin/skytrack/pkg/logger"
)

// Aggregator is the upstream frame supply.
type Aggregator interface {
	Batches() <-chan []wire.Frame
	Stats() source.Stats
	ResetCounters()
}

// Decoder validates and decodes one frame.
type Decoder interface {
	Decode(frame wire.Frame) (*decode.Message, error)
}

// PositionResolver turns CPR half-frames into coordinates.
type PositionResolver interface {
	Update(icao string, latCPR, lonCPR int, odd, surface bool, ts time.Time) *cpr.Position
	Forget(icao string)
}

// ConflictJournal persists conflict records for observability.
type ConflictJournal interface {
	RecordConflict(c Conflict)
}

// WatchlistMatcher is the external pattern-matching collaborator. Match
// reports the matching rule name for an aircraft, if any.
type WatchlistMatcher interface {
	Match(icao, callsign string) (rule string, ok bool)
}

// AlertSink receives watchlist hits. Delivery is the collaborator's problem.
type AlertSink interface {
	Notify(a *Aircraft, rule string)
}

// Broadcaster pushes live updates to WebSocket clients.
type Broadcaster interface {
	Broadcast(message *websocket.Message)
}

// ServiceConfig tunes the consumer loop schedules.
type ServiceConfig struct {
	CleanupInterval time.Duration
	StatsInterval   time.Duration
}

// Stats is the observability snapshot, covering the current reporting
// interval. Gauges (sources, live aircraft) are instantaneous.
type Stats struct {
	ConnectedSources  int       `json:"connected_sources"`
	TotalSources      int       `json:"total_sources"`
	MessagesProcessed int64     `json:"messages_processed"`
	MessagesPerSec    float64   `json:"messages_per_sec"`
	Duplicates        int64     `json:"duplicates"`
	FormatErrors      int64     `json:"format_errors"`
	ChecksumErrors    int64     `json:"checksum_errors"`
	DecodeErrors      int64     `json:"decode_errors"`
	DecodeSuccessRate float64   `json:"decode_success_rate"`
	Conflicts         int64     `json:"conflicts"`
	PositionsResolved int64     `json:"positions_resolved"`
	LiveAircraft      int       `json:"live_aircraft"`
	IntervalStart     time.Time `json:"interval_start"`
}

// Service is the single consumer of aggregator batches: it decodes frames,
// resolves positions, merges aircraft state, and runs the periodic cleanup
// and stats schedules. All store mutation happens on this one goroutine, so
// merge/conflict/expire ordering per ICAO is inherent.
type Service struct {
	agg       Aggregator
	decoder   Decoder
	resolver  PositionResolver
	store     *Store
	journal   ConflictJournal
	watchlist WatchlistMatcher
	alerts    AlertSink
	wsServer  Broadcaster
	cfg       ServiceConfig
	logger    *logger.Logger

	mu             sync.Mutex
	processed      int64
	formatErrors   int64
	checksumErrors int64
	decodeErrors   int64
	conflicts      int64
	positions      int64
	intervalStart  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService wires the consumer. journal, watchlist, alerts, and wsServer
// may be nil.
func NewService(
	agg Aggregator,
	decoder Decoder,
	resolver PositionResolver,
	store *Store,
	journal ConflictJournal,
	watchlist WatchlistMatcher,
	alerts AlertSink,
	wsServer Broadcaster,
	cfg ServiceConfig,
	log *logger.Logger,
) *Service {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Second
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = 60 * time.Second
	}
	return &Service{
		agg:           agg,
		decoder:       decoder,
		resolver:      resolver,
		store:         store,
		journal:       journal,
		watchlist:     watchlist,
		alerts:        alerts,
		wsServer:      wsServer,
		cfg:           cfg,
		logger:        log.Named("track"),
		intervalStart: time.Now().UTC(),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the consumer and maintenance loops.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting track service",
		logger.Duration("cleanup_interval", s.cfg.CleanupInterval),
		logger.Duration("stats_interval", s.cfg.StatsInterval))

	s.wg.Add(2)
	go s.consumeLoop(ctx)
	go s.maintenanceLoop(ctx)
	return nil
}

// Stop terminates both loops.
func (s *Service) Stop() {
	s.logger.Info("Stopping track service")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Track service stopped")
}

func (s *Service) consumeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case batch := <-s.agg.Batches():
			for _, frame := range batch {
				s.ProcessFrame(frame)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()
	stats := time.NewTicker(s.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-cleanup.C:
			s.runCleanup(time.Now().UTC())
		case <-stats.C:
			s.reportAndReset()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessFrame decodes one frame and merges its contribution. Malformed
// frames are counted per failure class and dropped; they never stop the
// consumer.
func (s *Service) ProcessFrame(frame wire.Frame) {
	msg, err := s.decoder.Decode(frame)
	if err != nil {
		s.mu.Lock()
		switch {
		case errors.Is(err, decode.ErrFrameLength), errors.Is(err, decode.ErrFrameHex):
			s.formatErrors++
		case errors.Is(err, decode.ErrChecksum):
			s.checksumErrors++
		default:
			s.decodeErrors++
		}
		s.mu.Unlock()
		return
	}

	u := Update{
		ICAO:      msg.ICAO,
		Category:  msg.Category.String(),
		Timestamp: frame.Timestamp,
		Source:    frame.Source,
	}

	if msg.Ident != nil {
		u.Callsign = msg.Ident.Callsign
	}
	if msg.Surveillance != nil {
		u.Squawk = msg.Surveillance.Squawk
		u.AltitudeFt = msg.Surveillance.AltitudeFt
	}
	if msg.Position != nil {
		u.AltitudeFt = msg.Position.AltitudeFt
		if msg.Position.CPRValid {
			surface := msg.Category == decode.CategorySurfacePosition
			if pos := s.resolver.Update(msg.ICAO,
				msg.Position.LatCPR, msg.Position.LonCPR,
				msg.Position.Odd, surface, frame.Timestamp); pos != nil {
				u.Position = &Position{
					Lat:       pos.Lat,
					Lon:       pos.Lon,
					Surface:   pos.Surface,
					Timestamp: pos.Timestamp,
				}
				s.mu.Lock()
				s.positions++
				s.mu.Unlock()
			}
		}
	}
	if msg.Velocity != nil {
		u.Velocity = s.deriveVelocity(msg, u)
	}

	a, created, conflicts := s.store.Merge(u)

	if len(conflicts) > 0 {
		s.mu.Lock()
		s.conflicts += int64(len(conflicts))
		s.mu.Unlock()
		for _, c := range conflicts {
			s.logger.Warn("Conflict detected, update applied",
				logger.String("icao", c.ICAO),
				logger.String("kind", c.Kind),
				logger.String("detail", c.Detail))
			if s.journal != nil {
				s.journal.RecordConflict(c)
			}
			s.broadcastConflict(c)
		}
	}

	s.mu.Lock()
	s.processed++
	s.mu.Unlock()

	s.checkWatchlist(a)
	s.broadcastAircraft(a, created)
}

// deriveVelocity fills the reported kinematics plus the derived airspeed and
// magnetic track fields, using whatever altitude and position the aircraft
// already has.
func (s *Service) deriveVelocity(msg *decode.Message, u Update) *Velocity {
	vv := msg.Velocity
	v := &Velocity{
		GroundSpeedKts:  vv.GroundSpeedKts,
		TrackDeg:        vv.TrackDeg,
		TrackValid:      vv.TrackValid,
		VerticalRateFPM: vv.VerticalRateFPM,
	}

	prev, _ := s.store.Get(u.ICAO)

	altFt := u.AltitudeFt
	if altFt == nil && prev != nil {
		altFt = prev.AltitudeFt
	}

	if vv.AirspeedKts > 0 {
		if vv.AirspeedIsTAS {
			v.TASKts = vv.AirspeedKts
			if altFt != nil {
				alt := float64(*altFt)
				v.CASKts = physics.CAS(v.TASKts, alt, physics.ISATemp(alt))
			}
		} else {
			v.CASKts = vv.AirspeedKts
		}
	}

	if vv.TrackValid {
		pos := u.Position
		if pos == nil && prev != nil {
			pos = prev.Position
		}
		if pos != nil {
			alt := 0.0
			if altFt != nil {
				alt = float64(*altFt)
			}
			variation := physics.MagneticVariation(pos.Lat, pos.Lon, alt, u.Timestamp)
			v.MagneticTrackDeg = physics.TrueToMagnetic(vv.TrackDeg, variation)
		}
	}
	return v
}

// checkWatchlist runs the external matcher and flags/forwards hits. An
// aircraft already flagged is not re-alerted.
func (s *Service) checkWatchlist(a *Aircraft) {
	if s.watchlist == nil || a.OnWatchlist {
		return
	}
	rule, ok := s.watchlist.Match(a.ICAO, a.Callsign)
	if !ok {
		return
	}
	s.store.SetWatchlisted(a.ICAO)
	a.OnWatchlist = true
	s.logger.Info("Watchlist hit",
		logger.String("icao", a.ICAO),
		logger.String("callsign", a.Callsign),
		logger.String("rule", rule))
	if s.alerts != nil {
		s.alerts.Notify(a, rule)
	}
}

func (s *Service) broadcastAircraft(a *Aircraft, created bool) {
	if s.wsServer == nil {
		return
	}
	msgType := websocket.MessageTypeAircraftUpdate
	if created {
		msgType = websocket.MessageTypeAircraftAdded
	}
	surface := a.Position != nil && a.Position.Surface
	s.wsServer.Broadcast(&websocket.Message{
		Type: msgType,
		Data: map[string]any{
			"icao":     a.ICAO,
			"surface":  surface,
			"aircraft": a,
		},
	})
}

func (s *Service) broadcastConflict(c Conflict) {
	if s.wsServer == nil {
		return
	}
	s.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeConflict,
		Data: map[string]any{
			"icao":   c.ICAO,
			"kind":   c.Kind,
			"detail": c.Detail,
		},
	})
}

// runCleanup expires stale aircraft and evicts for capacity, dropping their
// CPR cache entries along the way.
func (s *Service) runCleanup(now time.Time) (expired, evicted int) {
	removed := s.store.Expire(now)
	expired = len(removed)
	evictedICAOs := s.store.EvictForCapacity()
	evicted = len(evictedICAOs)
	removed = append(removed, evictedICAOs...)

	for _, icao := range removed {
		s.resolver.Forget(icao)
		if s.wsServer != nil {
			s.wsServer.Broadcast(&websocket.Message{
				Type: websocket.MessageTypeAircraftRemoved,
				Data: map[string]any{"icao": icao},
			})
		}
	}
	return expired, evicted
}

// ForceCleanup runs expiry and eviction immediately. Administrative hook for
// memory-pressure callers.
func (s *Service) ForceCleanup() (expired, evicted int) {
	s.logger.Info("Forced cleanup requested")
	return s.runCleanup(time.Now().UTC())
}

// Aircraft returns the live picture.
func (s *Service) Aircraft() []*Aircraft {
	return s.store.All()
}

// AircraftByICAO returns one aircraft.
func (s *Service) AircraftByICAO(icao string) (*Aircraft, bool) {
	return s.store.Get(icao)
}

// StatsSnapshot returns the counters for the current reporting interval.
func (s *Service) StatsSnapshot() Stats {
	agg := s.agg.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.intervalStart).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(s.processed) / elapsed
	}
	attempts := s.processed + s.formatErrors + s.checksumErrors + s.decodeErrors
	var successRate float64
	if attempts > 0 {
		successRate = float64(s.processed) / float64(attempts)
	}

	return Stats{
		ConnectedSources:  agg.ConnectedSources,
		TotalSources:      agg.TotalSources,
		MessagesProcessed: s.processed,
		MessagesPerSec:    rate,
		Duplicates:        agg.Duplicates,
		FormatErrors:      s.formatErrors,
		ChecksumErrors:    s.checksumErrors,
		DecodeErrors:      s.decodeErrors,
		DecodeSuccessRate: successRate,
		Conflicts:         s.conflicts,
		PositionsResolved: s.positions,
		LiveAircraft:      s.store.Len(),
		IntervalStart:     s.intervalStart,
	}
}

// reportAndReset logs the interval summary, pushes it to WebSocket clients,
// and zeroes every counter for the next interval.
func (s *Service) reportAndReset() {
	snap := s.StatsSnapshot()
	s.logger.Info("Interval statistics",
		logger.Int("connected_sources", snap.ConnectedSources),
		logger.Int64("messages", snap.MessagesProcessed),
		logger.Float64("messages_per_sec", snap.MessagesPerSec),
		logger.Int64("duplicates", snap.Duplicates),
		logger.Int64("format_errors", snap.FormatErrors),
		logger.Int64("checksum_errors", snap.ChecksumErrors),
		logger.Int64("decode_errors", snap.DecodeErrors),
		logger.Int64("conflicts", snap.Conflicts),
		logger.Int64("positions", snap.PositionsResolved),
		logger.Int("live_aircraft", snap.LiveAircraft))

	if s.wsServer != nil {
		s.wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeStats,
			Data: map[string]any{"stats": snap},
		})
	}

	s.mu.Lock()
	s.processed = 0
	s.formatErrors = 0
	s.checksumErrors = 0
	s.decodeErrors = 0
	s.conflicts = 0
	s.positions = 0
	s.intervalStart = time.Now().UTC()
	s.mu.Unlock()
	s.agg.ResetCounters()
}
