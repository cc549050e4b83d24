// Package sqlite persists the observability event journal: conflict records
// and source connect/disconnect transitions. Live aircraft state and track
// history are deliberately not stored here.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mlipin/skytrack/internal/track"
	"github.com/mlipin/skytrack/pkg/logger"
)

// Event is one journal row.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"` // "conflict" or "source"
	ICAO      string    `json:"icao,omitempty"`
	Source    string    `json:"source,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventStorage is the SQLite-backed event journal.
type EventStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewEventStorage opens (or creates) the journal database.
func NewEventStorage(dbPath string, log *logger.Logger) (*EventStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing event journal",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &EventStorage{db: db, logger: storageLogger}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			icao TEXT,
			source TEXT,
			kind TEXT NOT NULL,
			detail TEXT,
			timestamp TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`)
	if err != nil {
		return fmt.Errorf("failed to create events index: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *EventStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordConflict journals a conflict record. Implements track.ConflictJournal;
// a journal write failure is logged, never surfaced into the pipeline.
func (s *EventStorage) RecordConflict(c track.Conflict) {
	_, err := s.db.Exec(
		`INSERT INTO events (type, icao, kind, detail, timestamp) VALUES ('conflict', ?, ?, ?, ?)`,
		c.ICAO, c.Kind, c.Detail, c.Timestamp.UTC(),
	)
	if err != nil {
		s.logger.Error("Failed to journal conflict",
			logger.String("icao", c.ICAO),
			logger.Error(err))
	}
}

// RecordSourceEvent journals a source connect/disconnect transition.
// Implements source.SourceEventSink.
func (s *EventStorage) RecordSourceEvent(name, event string, ts time.Time) {
	_, err := s.db.Exec(
		`INSERT INTO events (type, source, kind, timestamp) VALUES ('source', ?, ?, ?)`,
		name, event, ts.UTC(),
	)
	if err != nil {
		s.logger.Error("Failed to journal source event",
			logger.String("source", name),
			logger.Error(err))
	}
}

// RecentEvents returns the newest events, newest first.
func (s *EventStorage) RecentEvents(limit int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, type, COALESCE(icao, ''), COALESCE(source, ''), kind, COALESCE(detail, ''), timestamp
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.ICAO, &e.Source, &e.Kind, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneBefore deletes events older than the cutoff and returns the count.
func (s *EventStorage) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
