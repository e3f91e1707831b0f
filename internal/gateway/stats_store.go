package gateway

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// WorkspaceEvent records one workspace lifecycle transition. The
// SessionManager records "ready", "upgrading" and "closed" events.
type WorkspaceEvent struct {
	WorkspaceKey string
	Event        string
	Reason       string
	SessionCount int
	At           string // RFC3339
}

// StatsStore is the gateway's own operational-state persistence: it
// never touches pipeline/domain data, only the gateway's record of
// workspace lifecycle events, so it does not
// fall under the "persistent storage" non-goal.
type StatsStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStatsStore opens (creating if needed) a SQLite database at dbPath,
// tuned for the gateway's write-light, read-occasional access pattern.
func OpenStatsStore(dbPath string) (*StatsStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open stats database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &StatsStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate stats database: %w", err)
	}
	return store, nil
}

func (s *StatsStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{migrateStatsV1}
	for i := version; i < len(migrations); i++ {
		slog.Info("applying stats store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateStatsV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workspace_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_key TEXT NOT NULL,
			event TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			session_count INTEGER NOT NULL DEFAULT 0,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workspace_events_key ON workspace_events(workspace_key);
	`)
	return err
}

// Close closes the underlying database handle.
func (s *StatsStore) Close() error {
	return s.db.Close()
}

// RecordEvent appends one workspace lifecycle event.
func (s *StatsStore) RecordEvent(ev WorkspaceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.At == "" {
		ev.At = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(
		"INSERT INTO workspace_events (workspace_key, event, reason, session_count, at) VALUES (?, ?, ?, ?, ?)",
		ev.WorkspaceKey, ev.Event, ev.Reason, ev.SessionCount, ev.At,
	)
	if err != nil {
		return fmt.Errorf("record workspace event: %w", err)
	}
	return nil
}

// RecentEvents returns the most recent limit events for workspaceKey,
// newest first.
func (s *StatsStore) RecentEvents(workspaceKey string, limit int) ([]WorkspaceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT workspace_key, event, reason, session_count, at FROM workspace_events WHERE workspace_key = ? ORDER BY id DESC LIMIT ?",
		workspaceKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list workspace events: %w", err)
	}
	defer rows.Close()

	var events []WorkspaceEvent
	for rows.Next() {
		var ev WorkspaceEvent
		if err := rows.Scan(&ev.WorkspaceKey, &ev.Event, &ev.Reason, &ev.SessionCount, &ev.At); err != nil {
			return nil, fmt.Errorf("scan workspace event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace events: %w", err)
	}
	if events == nil {
		events = []WorkspaceEvent{}
	}
	return events, nil
}

// PruneOlderThan deletes events older than cutoff. Nothing in the
// gateway calls it, so the history table is not pruned automatically.
func (s *StatsStore) PruneOlderThan(cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM workspace_events WHERE at < ?", cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("prune workspace events: %w", err)
	}
	return nil
}
