package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mlipin/skytrack/internal/wire"
	"github.com/mlipin/skytrack/pkg/logger"
)

// AggregatorConfig tunes the coordinating cycle.
type AggregatorConfig struct {
	MaxSources     int
	DedupWindow    time.Duration
	QueueSize      int // output queue capacity, in batches
	PollInterval   time.Duration
	HealthInterval time.Duration
}

// Stats are the aggregator counters since the last reset.
type Stats struct {
	ConnectedSources int   `json:"connected_sources"`
	TotalSources     int   `json:"total_sources"`
	Messages         int64 `json:"messages"`
	Duplicates       int64 `json:"duplicates"`
	Shed             int64 `json:"shed_batches"`
}

// SourceEventSink receives connect/disconnect transitions for the journal.
type SourceEventSink interface {
	RecordSourceEvent(name, event string, ts time.Time)
}

// Aggregator owns a bounded registry of sources and runs the single
// coordinating cycle: poll every connected source, deduplicate identical
// message bytes across feeds within the dedup window, and emit ordered
// batches into a bounded output queue. When the consumer falls behind, the
// oldest queued batch is shed rather than blocking the cycle.
type Aggregator struct {
	cfg    AggregatorConfig
	logger *logger.Logger
	events SourceEventSink

	mu         sync.Mutex
	sources    []Source
	wasUp      map[string]bool
	messages   int64
	duplicates int64
	shed       int64

	seen *gocache.Cache
	out  chan []wire.Frame

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAggregator creates an aggregator. events may be nil.
func NewAggregator(cfg AggregatorConfig, events SourceEventSink, log *logger.Logger) *Aggregator {
	if cfg.MaxSources == 0 {
		cfg.MaxSources = 8
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 5 * time.Second
	}

	return &Aggregator{
		cfg:    cfg,
		logger: log.Named("aggregator"),
		events: events,
		wasUp:  make(map[string]bool),
		seen:   gocache.New(cfg.DedupWindow, cfg.DedupWindow),
		out:    make(chan []wire.Frame, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// AddSource registers a feed. The registry has fixed capacity.
func (a *Aggregator) AddSource(s Source) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sources) >= a.cfg.MaxSources {
		return fmt.Errorf("source registry full (max %d)", a.cfg.MaxSources)
	}
	for _, existing := range a.sources {
		if existing.Name() == s.Name() {
			return fmt.Errorf("duplicate source name: %s", s.Name())
		}
	}
	a.sources = append(a.sources, s)
	return nil
}

// Batches is the sole hand-off point into the decode stage.
func (a *Aggregator) Batches() <-chan []wire.Frame {
	return a.out
}

// Start connects every source and launches the coordinating cycle. A feed
// that fails its first dial is left for the health check; it does not stop
// the aggregator.
func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("Starting aggregator",
		logger.Int("sources", a.sourceCount()),
		logger.Duration("dedup_window", a.cfg.DedupWindow))

	for _, s := range a.snapshotSources() {
		if err := s.Connect(ctx); err != nil {
			a.logger.Warn("Initial connect failed",
				logger.String("source", s.Name()),
				logger.Error(err))
		}
	}

	a.wg.Add(1)
	go a.run(ctx)
	return nil
}

// Stop terminates the cycle and closes every socket.
func (a *Aggregator) Stop() {
	a.logger.Info("Stopping aggregator")
	close(a.stopCh)
	a.wg.Wait()
	for _, s := range a.snapshotSources() {
		s.Disconnect()
	}
	a.logger.Info("Aggregator stopped")
}

func (a *Aggregator) run(ctx context.Context) {
	defer a.wg.Done()

	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()
	health := time.NewTicker(a.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-poll.C:
			a.cycle()
		case <-health.C:
			a.healthCheck(ctx)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// cycle visits every connected source once. A single source failing mid-poll
// never stops collection from the others.
func (a *Aggregator) cycle() {
	var batch []wire.Frame
	for _, s := range a.snapshotSources() {
		if !s.Connected() {
			continue
		}
		frames, err := s.Poll()
		if err != nil {
			a.noteTransition(s)
		}
		for _, f := range frames {
			if err := a.seen.Add(f.Hex, struct{}{}, gocache.DefaultExpiration); err != nil {
				a.mu.Lock()
				a.duplicates++
				a.mu.Unlock()
				continue
			}
			batch = append(batch, f)
		}
	}

	if len(batch) == 0 {
		return
	}
	a.mu.Lock()
	a.messages += int64(len(batch))
	a.mu.Unlock()
	a.enqueue(batch)
}

// enqueue delivers a batch without ever blocking the cycle: when the queue
// is full the oldest batch is shed to make room.
func (a *Aggregator) enqueue(batch []wire.Frame) {
	for {
		select {
		case a.out <- batch:
			return
		default:
		}
		select {
		case old := <-a.out:
			a.mu.Lock()
			a.shed++
			a.mu.Unlock()
			a.logger.Warn("Output queue full, shedding oldest batch",
				logger.Int("dropped_frames", len(old)))
		default:
		}
	}
}

// healthCheck retries disconnected sources that are due and records state
// transitions.
func (a *Aggregator) healthCheck(ctx context.Context) {
	now := time.Now().UTC()
	for _, s := range a.snapshotSources() {
		if s.RetryDue(now) {
			if err := s.Connect(ctx); err != nil {
				a.logger.Debug("Reconnect attempt failed",
					logger.String("source", s.Name()),
					logger.Error(err))
			}
		}
		a.noteTransition(s)
	}
}

// noteTransition journals connect/disconnect edges per source.
func (a *Aggregator) noteTransition(s Source) {
	up := s.Connected()
	a.mu.Lock()
	was, known := a.wasUp[s.Name()]
	a.wasUp[s.Name()] = up
	a.mu.Unlock()

	if known && was == up {
		return
	}
	event := "disconnected"
	if up {
		event = "connected"
	}
	if a.events != nil {
		a.events.RecordSourceEvent(s.Name(), event, time.Now().UTC())
	}
}

// Stats returns the counters accumulated since the last reset.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	connected := 0
	for _, s := range a.sources {
		if s.Connected() {
			connected++
		}
	}
	return Stats{
		ConnectedSources: connected,
		TotalSources:     len(a.sources),
		Messages:         a.messages,
		Duplicates:       a.duplicates,
		Shed:             a.shed,
	}
}

// ResetCounters zeroes the interval counters. Called by the stats reporter
// on its fixed schedule.
func (a *Aggregator) ResetCounters() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = 0
	a.duplicates = 0
	a.shed = 0
}

// SourceHealth returns per-source health snapshots for the API.
func (a *Aggregator) SourceHealth() []Health {
	sources := a.snapshotSources()
	out := make([]Health, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.Health())
	}
	return out
}

func (a *Aggregator) snapshotSources() []Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Source, len(a.sources))
	copy(out, a.sources)
	return out
}

func (a *Aggregator) sourceCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sources)
}
