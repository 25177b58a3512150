// Package resultlog keeps an append-only SQLite log of insight cycles:
// when each ran, how it ended, and how large the prompt was. Skipped
// ticks are logged too, so the overlap guard is visible after the fact.
package resultlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/hass-insights/internal/insight"
)

// OutcomeSkipped marks a tick dropped because a cycle was running.
const OutcomeSkipped = "skipped"

// Entry is one logged cycle or skipped tick.
type Entry struct {
	ID          string        `json:"id"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration_ns"`
	Generation  uint64        `json:"generation"`
	Outcome     string        `json:"outcome"`
	Status      string        `json:"status,omitempty"`
	FailureKind string        `json:"failure_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Points      int           `json:"points"`
	Records     int           `json:"records"`
	PromptChars int           `json:"prompt_chars"`
	Summary     string        `json:"summary,omitempty"`
}

// Store is the cycle log. It implements insight.Observer. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) a cycle log at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open result log database: %w", err)
	}
	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a cycle log on an already-open database, running
// migrations on first use.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "resultlog")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate result log schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id           TEXT PRIMARY KEY,
		started      TEXT NOT NULL,
		duration_ms  INTEGER NOT NULL,
		generation   INTEGER NOT NULL,
		outcome      TEXT NOT NULL,
		status       TEXT,
		failure_kind TEXT,
		error        TEXT,
		points       INTEGER NOT NULL,
		records      INTEGER NOT NULL,
		prompt_chars INTEGER NOT NULL,
		summary      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists e. If e.ID is empty, a UUIDv7 is generated.
func (s *Store) Append(e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate cycle ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Started.IsZero() {
		e.Started = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO cycles
			(id, started, duration_ms, generation, outcome, status, failure_kind,
			 error, points, records, prompt_chars, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Started.UTC().Format(time.RFC3339Nano),
		e.Duration.Milliseconds(),
		int64(e.Generation),
		e.Outcome,
		e.Status,
		e.FailureKind,
		e.Error,
		e.Points,
		e.Records,
		e.PromptChars,
		e.Summary,
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, started, duration_ms, generation, outcome,
			COALESCE(status, ''), COALESCE(failure_kind, ''), COALESCE(error, ''),
			points, records, prompt_chars, COALESCE(summary, '')
		 FROM cycles
		 ORDER BY started DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var started string
		var durationMS, gen int64
		if err := rows.Scan(&e.ID, &started, &durationMS, &gen, &e.Outcome,
			&e.Status, &e.FailureKind, &e.Error,
			&e.Points, &e.Records, &e.PromptChars, &e.Summary); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		e.Started, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("parse cycle time %q: %w", started, err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Generation = uint64(gen)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts returns the number of entries per outcome started at or after
// since.
func (s *Store) Counts(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT outcome, COUNT(*) FROM cycles WHERE started >= ? GROUP BY outcome`,
		since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("count cycles: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan cycle count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// CycleFinished logs a finished cycle.
func (s *Store) CycleFinished(rep insight.CycleReport) {
	e := Entry{
		Started:     rep.Started,
		Duration:    rep.Duration,
		Generation:  rep.Generation,
		Outcome:     string(rep.Outcome),
		FailureKind: string(rep.FailureKind),
		Points:      rep.Points,
		Records:     rep.Records,
		PromptChars: rep.PromptChars,
	}
	if rep.Err != nil {
		e.Error = rep.Err.Error()
	}
	switch rep.Outcome {
	case insight.OutcomeSuccess, insight.OutcomePartial, insight.OutcomeFailed:
		e.Status = string(rep.Result.Status)
		e.Summary = rep.Result.Summary
	}
	if err := s.Append(e); err != nil {
		s.logger.Warn("failed to log cycle", "error", err)
	}
}

// TickSkipped logs a tick dropped by the overlap guard.
func (s *Store) TickSkipped(at time.Time) {
	if err := s.Append(Entry{Started: at, Outcome: OutcomeSkipped}); err != nil {
		s.logger.Warn("failed to log skipped tick", "error", err)
	}
}
