// Package source owns the receiver side of the pipeline: one Connection per
// TCP feed, and an Aggregator that polls them, deduplicates across feeds,
// and hands ordered frame batches to the decode stage.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mlipin/skytrack/internal/wire"
	"github.com/mlipin/skytrack/pkg/logger"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateUnhealthy    = "unhealthy" // retry budget exhausted
)

// ConnectionConfig describes one receiver feed.
type ConnectionConfig struct {
	Name           string
	Address        string // host:port
	Format         string // wire.FormatAVR, wire.FormatBeast, or wire.FormatJSONL
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // per-poll read deadline
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
	MinRetry       time.Duration // floor between reconnect attempts
}

// Health is a point-in-time view of a connection's counters.
type Health struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Messages     int64     `json:"messages"`
	Bytes        int64     `json:"bytes"`
	Errors       int64     `json:"errors"`
	Attempts     int       `json:"attempts"`
	LastActivity time.Time `json:"last_activity"`
}

// Source is what the aggregator needs from a feed. Connection is the TCP
// implementation; tests substitute scripted ones.
type Source interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect()
	Poll() ([]wire.Frame, error)
	Connected() bool
	RetryDue(now time.Time) bool
	Health() Health
}

// Dialer matches net.Dialer.DialContext, injectable for tests.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Connection owns one TCP socket and its framer. Reads are deadline-bounded
// so a stalled feed cannot block the aggregator cycle. On read failure the
// connection transitions to disconnected and schedules itself for a retry
// with capped exponential backoff.
type Connection struct {
	cfg    ConnectionConfig
	dial   Dialer
	logger *logger.Logger

	mu        sync.Mutex
	conn      net.Conn
	framer    wire.Framer
	state     string
	messages  int64
	bytes     int64
	errors    int64
	attempts  int
	backoff   time.Duration
	nextRetry time.Time
	lastSeen  time.Time

	readBuf []byte
}

// NewConnection creates a connection for one feed. It does not dial; the
// aggregator drives Connect.
func NewConnection(cfg ConnectionConfig, log *logger.Logger) (*Connection, error) {
	if _, err := wire.NewFramer(cfg.Format); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.MinRetry == 0 {
		cfg.MinRetry = 5 * time.Second
	}

	d := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Connection{
		cfg:     cfg,
		dial:    d.DialContext,
		logger:  log.Named("source").With(logger.String("source", cfg.Name)),
		state:   StateDisconnected,
		backoff: cfg.BackoffInitial,
		readBuf: make([]byte, 4096),
	}, nil
}

// SetDialer replaces the dial function. Test hook.
func (c *Connection) SetDialer(d Dialer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dial = d
}

// Name returns the configured feed name.
func (c *Connection) Name() string { return c.cfg.Name }

// Connect dials the feed. On success the backoff state resets; on failure
// the next retry time advances per the backoff schedule, and once the
// attempt budget is spent the connection is marked unhealthy and left for
// the periodic health check to report.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", c.cfg.Address)
	if err != nil {
		c.attempts++
		c.errors++
		wait := c.backoff
		if wait < c.cfg.MinRetry {
			wait = c.cfg.MinRetry
		}
		c.nextRetry = time.Now().Add(wait)
		c.backoff *= 2
		if c.backoff > c.cfg.BackoffMax {
			c.backoff = c.cfg.BackoffMax
		}
		if c.attempts >= c.cfg.MaxAttempts {
			c.state = StateUnhealthy
			c.logger.Warn("Retry budget exhausted, marking source unhealthy",
				logger.Int("attempts", c.attempts))
		}
		return fmt.Errorf("dial %s: %w", c.cfg.Address, err)
	}

	framer, err := wire.NewFramer(c.cfg.Format)
	if err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.framer = framer
	c.state = StateConnected
	c.attempts = 0
	c.backoff = c.cfg.BackoffInitial
	c.lastSeen = time.Now().UTC()
	c.logger.Info("Source connected",
		logger.String("address", c.cfg.Address),
		logger.String("format", c.cfg.Format))
	return nil
}

// Disconnect closes the socket if open.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Connection) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.state == StateConnected {
		c.state = StateDisconnected
		c.nextRetry = time.Now().Add(c.cfg.MinRetry)
	}
}

// Poll performs one deadline-bounded read and returns any complete frames.
// A deadline expiry is not an error; it just means the feed had nothing to
// say this cycle. A real read error or EOF transitions the connection to
// disconnected and schedules a retry.
func (c *Connection) Poll() ([]wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.conn == nil {
		return nil, nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		c.errors++
		c.closeLocked()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	n, err := c.conn.Read(c.readBuf)
	if n > 0 {
		c.bytes += int64(n)
		c.lastSeen = time.Now().UTC()
	}
	var frames []wire.Frame
	if n > 0 {
		frames = c.framer.Feed(c.readBuf[:n])
		for i := range frames {
			frames[i].Source = c.cfg.Name
		}
		c.messages += int64(len(frames))
	}

	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return frames, nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return frames, nil
		}
		c.errors++
		c.closeLocked()
		c.logger.Warn("Read failed, source disconnected", logger.Error(err))
		return frames, fmt.Errorf("read %s: %w", c.cfg.Name, err)
	}
	return frames, nil
}

// Connected reports whether the socket is up.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// RetryDue reports whether the health check should attempt a reconnect now.
// Unhealthy connections are never retried again.
func (c *Connection) RetryDue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDisconnected && !now.Before(c.nextRetry)
}

// Health returns a snapshot of the connection counters.
func (c *Connection) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{
		Name:         c.cfg.Name,
		State:        c.state,
		Messages:     c.messages,
		Bytes:        c.bytes,
		Errors:       c.errors,
		Attempts:     c.attempts,
		LastActivity: c.lastSeen,
	}
}
