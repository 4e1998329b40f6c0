package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"llamaterm/internal/logging"
)

// History mirrors completed user/assistant turns into SQLite so past
// conversations stay queryable without loading every JSON document.
// The document store remains authoritative; this mirror is opt-in.
type History struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Turn is one recorded user/assistant exchange.
type Turn struct {
	SessionID   string
	SessionName string
	TurnNumber  int
	Model       string
	UserInput   string
	Response    string
	CreatedAt   time.Time
}

// SessionActivity summarizes one session's footprint in the mirror.
type SessionActivity struct {
	SessionID   string
	SessionName string
	Turns       int
	LastActive  time.Time
}

// NewHistory initializes the SQLite mirror at the given path.
func NewHistory(path string) (*History, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewHistory")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.StoreError("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	h := &History{db: db, dbPath: path}
	if err := h.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("History mirror ready at %s", path)
	return h, nil
}

// initialize creates the required tables.
// UNIQUE constraint on (session_id, turn_number) enables idempotent sync.
func (h *History) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turn_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		session_name TEXT,
		turn_number INTEGER NOT NULL,
		model TEXT,
		user_input TEXT,
		response TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(session_id, turn_number)
	);
	CREATE INDEX IF NOT EXISTS idx_turn_session ON turn_history(session_id);
	CREATE INDEX IF NOT EXISTS idx_turn_created ON turn_history(created_at);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create turn_history table: %w", err)
	}
	return nil
}

// RecordTurn stores one completed exchange.
// Uses INSERT OR IGNORE for idempotent syncing (replayed turns are silently skipped).
func (h *History) RecordTurn(t Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	logging.StoreDebug("Recording turn: session=%s turn=%d input_len=%d response_len=%d",
		t.SessionID, t.TurnNumber, len(t.UserInput), len(t.Response))

	_, err := h.db.Exec(
		`INSERT OR IGNORE INTO turn_history (session_id, session_name, turn_number, model, user_input, response)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.SessionName, t.TurnNumber, t.Model, t.UserInput, t.Response,
	)
	if err != nil {
		logging.StoreError("Failed to record turn: session=%s turn=%d: %v", t.SessionID, t.TurnNumber, err)
		return err
	}
	return nil
}

// SessionTurns retrieves a session's recorded turns in order.
func (h *History) SessionTurns(sessionID string, limit int) ([]Turn, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SessionTurns")
	defer timer.Stop()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := h.db.Query(
		`SELECT session_id, session_name, turn_number, model, user_input, response, created_at
		 FROM turn_history
		 WHERE session_id = ?
		 ORDER BY turn_number ASC
		 LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		logging.StoreError("Failed to query turns for %s: %v", sessionID, err)
		return nil, err
	}
	defer rows.Close()

	return scanTurns(rows)
}

// RecentSessions lists sessions by most recent recorded activity.
func (h *History) RecentSessions(limit int) ([]SessionActivity, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RecentSessions")
	defer timer.Stop()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := h.db.Query(
		`SELECT session_id, session_name, COUNT(*) as turns, MAX(created_at) as last_active
		 FROM turn_history
		 GROUP BY session_id
		 ORDER BY last_active DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		logging.StoreError("Failed to query recent sessions: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []SessionActivity
	for rows.Next() {
		var a SessionActivity
		var name, last sql.NullString
		// MAX(created_at) is an expression, so the driver loses the
		// column's DATETIME declared type and hands back raw text.
		if err := rows.Scan(&a.SessionID, &name, &a.Turns, &last); err != nil {
			return nil, err
		}
		a.SessionName = name.String
		a.LastActive = parseSQLiteTime(last.String)
		out = append(out, a)
	}
	return out, rows.Err()
}

// parseSQLiteTime reads a DATETIME value delivered as text. Zero on a
// format the mirror never writes.
func parseSQLiteTime(s string) time.Time {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// SearchTurns finds turns whose input or response matches term.
func (h *History) SearchTurns(term string, limit int) ([]Turn, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchTurns")
	defer timer.Stop()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + term + "%"

	rows, err := h.db.Query(
		`SELECT session_id, session_name, turn_number, model, user_input, response, created_at
		 FROM turn_history
		 WHERE user_input LIKE ? OR response LIKE ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		logging.StoreError("Failed to search turns for %q: %v", term, err)
		return nil, err
	}
	defer rows.Close()

	return scanTurns(rows)
}

// DeleteSession purges a session's rows from the mirror.
func (h *History) DeleteSession(sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.db.Exec(`DELETE FROM turn_history WHERE session_id = ?`, sessionID)
	if err != nil {
		logging.StoreError("Failed to delete history for %s: %v", sessionID, err)
		return err
	}
	return nil
}

// Close releases the database handle.
func (h *History) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var out []Turn
	for rows.Next() {
		var t Turn
		var name, model sql.NullString
		if err := rows.Scan(&t.SessionID, &name, &t.TurnNumber, &model, &t.UserInput, &t.Response, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SessionName = name.String
		t.Model = model.String
		out = append(out, t)
	}
	return out, rows.Err()
}
