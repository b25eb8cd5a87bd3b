// Package journal persists restart events to SQLite so restart history
// survives guardian restarts and can be queried after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/memguard/pkg/guardian"
)

// Journal is a SQLite-backed restart event log
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the journal database at dbPath
func Open(dbPath string) (*Journal, error) {
	// WAL plus a busy timeout keeps the single-writer setup responsive when
	// the status API reads while the guardian writes.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	// Single connection serializes writes and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS restart_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		attempt_number INTEGER NOT NULL,
		reason TEXT NOT NULL,
		cooldown_ms INTEGER NOT NULL DEFAULT 0,
		old_pid INTEGER NOT NULL DEFAULT 0,
		new_pid INTEGER NOT NULL DEFAULT 0,
		snapshot_id TEXT,
		success BOOLEAN NOT NULL DEFAULT 0,
		degraded BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_restart_events_timestamp ON restart_events(timestamp);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordRestart implements guardian.EventSink
func (j *Journal) RecordRestart(ev guardian.RestartEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO restart_events
			(timestamp, attempt_number, reason, cooldown_ms, old_pid, new_pid, snapshot_id, success, degraded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp, ev.AttemptNumber, ev.Reason, ev.Cooldown.Milliseconds(),
		ev.OldPID, ev.NewPID, ev.SnapshotID, ev.Success, ev.Degraded,
	)
	if err != nil {
		return fmt.Errorf("failed to record restart event: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first
func (j *Journal) Recent(limit int) ([]guardian.RestartEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT timestamp, attempt_number, reason, cooldown_ms, old_pid, new_pid,
		       COALESCE(snapshot_id, ''), success, degraded
		FROM restart_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query restart events: %w", err)
	}
	defer rows.Close()

	var events []guardian.RestartEvent
	for rows.Next() {
		var ev guardian.RestartEvent
		var cooldownMS int64
		if err := rows.Scan(&ev.Timestamp, &ev.AttemptNumber, &ev.Reason, &cooldownMS,
			&ev.OldPID, &ev.NewPID, &ev.SnapshotID, &ev.Success, &ev.Degraded); err != nil {
			return nil, fmt.Errorf("failed to scan restart event: %w", err)
		}
		ev.Cooldown = time.Duration(cooldownMS) * time.Millisecond
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountSince returns the number of events recorded at or after cutoff
func (j *Journal) CountSince(cutoff time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var count int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM restart_events WHERE timestamp >= ?`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count restart events: %w", err)
	}
	return count, nil
}

// Prune deletes events older than cutoff and returns how many were removed
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.Exec(`DELETE FROM restart_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune restart events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}
