// Package journal keeps a small local SQLite record of case visits within a
// session. The execution record lives on the remote gateway; the journal
// only preserves visit-start timestamps and draft notes across a crash or
// reload, so a resumed session can persist real durations instead of the
// advisory on-screen timer.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS case_visits (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	case_id     TEXT NOT NULL,
	visited_at  TIMESTAMP NOT NULL,
	draft_note  TEXT NOT NULL DEFAULT '',
	UNIQUE(session_id, case_id)
);
CREATE INDEX IF NOT EXISTS idx_case_visits_session ON case_visits(session_id);
`

// Journal is the local visit journal.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// One writer at a time is plenty here; WAL keeps readers unblocked.
	db.SetMaxOpenConns(4)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// RecordVisit stores the visit-start timestamp for a case. Revisits keep
// the original timestamp: duration is measured from the first open.
func (j *Journal) RecordVisit(sessionID, caseID string, visitedAt time.Time) error {
	_, err := j.db.Exec(`
		INSERT INTO case_visits (id, session_id, case_id, visited_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, case_id) DO NOTHING
	`, ulid.Make().String(), sessionID, caseID, visitedAt.UTC())
	return err
}

// VisitedAt returns the recorded visit timestamp, if any.
func (j *Journal) VisitedAt(sessionID, caseID string) (time.Time, bool, error) {
	var at time.Time
	err := j.db.QueryRow(`
		SELECT visited_at FROM case_visits WHERE session_id = ? AND case_id = ?
	`, sessionID, caseID).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// SaveDraft stores the in-progress actual-result text for a case, creating
// the visit row if needed.
func (j *Journal) SaveDraft(sessionID, caseID, note string, now time.Time) error {
	_, err := j.db.Exec(`
		INSERT INTO case_visits (id, session_id, case_id, visited_at, draft_note)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, case_id) DO UPDATE SET draft_note = excluded.draft_note
	`, ulid.Make().String(), sessionID, caseID, now.UTC(), note)
	return err
}

// Draft returns the saved draft note for a case, empty when none exists.
func (j *Journal) Draft(sessionID, caseID string) (string, error) {
	var note string
	err := j.db.QueryRow(`
		SELECT draft_note FROM case_visits WHERE session_id = ? AND case_id = ?
	`, sessionID, caseID).Scan(&note)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return note, nil
}

// ClearSession removes every journal row for a session. Called when the
// session reaches a terminal state or is abandoned.
func (j *Journal) ClearSession(sessionID string) error {
	_, err := j.db.Exec(`DELETE FROM case_visits WHERE session_id = ?`, sessionID)
	return err
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
