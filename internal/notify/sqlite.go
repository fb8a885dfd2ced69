package notify

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite for persistence
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens or creates the announcement database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS announcements (
			request_id TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			announced_at DATETIME NOT NULL,
			PRIMARY KEY (request_id, chat_id)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create announcements table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS resolved_requests (
			request_id TEXT PRIMARY KEY,
			resolved_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create resolved_requests table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_prefs (
			chat_id INTEGER PRIMARY KEY,
			muted INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat_prefs table: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// IsAnnounced reports whether requestID was already posted to chatID
func (s *SQLiteStore) IsAnnounced(requestID string, chatID int64) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		"SELECT 1 FROM announcements WHERE request_id = ? AND chat_id = ?",
		requestID, chatID,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check announcement: %w", err)
	}
	return true, nil
}

// MarkAnnounced records a posted announcement. A zero AnnouncedAt is
// stamped with the current time.
func (s *SQLiteStore) MarkAnnounced(a Announcement) error {
	if a.AnnouncedAt.IsZero() {
		a.AnnouncedAt = s.now()
	}

	_, err := s.db.Exec(`
		INSERT INTO announcements (request_id, chat_id, message_id, announced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(request_id, chat_id) DO UPDATE SET
			message_id = excluded.message_id,
			announced_at = excluded.announced_at
	`, a.RequestID, a.ChatID, a.MessageID, a.AnnouncedAt.UTC())

	if err != nil {
		return fmt.Errorf("mark announced: %w", err)
	}
	return nil
}

// Announcements lists every chat a request was posted to, oldest first
func (s *SQLiteStore) Announcements(requestID string) ([]Announcement, error) {
	rows, err := s.db.Query(`
		SELECT request_id, chat_id, message_id, announced_at
		FROM announcements WHERE request_id = ?
		ORDER BY announced_at, chat_id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	defer rows.Close()

	var out []Announcement
	for rows.Next() {
		var a Announcement
		if err := rows.Scan(&a.RequestID, &a.ChatID, &a.MessageID, &a.AnnouncedAt); err != nil {
			return nil, fmt.Errorf("scan announcement: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	return out, nil
}

// RequestIDs lists every announced request that is not resolved
func (s *SQLiteStore) RequestIDs() ([]string, error) {
	return s.queryIDs("list announced requests", `
		SELECT DISTINCT request_id FROM announcements
		WHERE request_id NOT IN (SELECT request_id FROM resolved_requests)
		ORDER BY request_id
	`)
}

// MarkResolved records requestID as decided and drops its announcements
func (s *SQLiteStore) MarkResolved(requestID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO resolved_requests (request_id, resolved_at)
		VALUES (?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`, requestID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM announcements WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("drop announcements: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsResolved reports whether requestID was marked resolved
func (s *SQLiteStore) IsResolved(requestID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		"SELECT 1 FROM resolved_requests WHERE request_id = ?",
		requestID,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check resolved: %w", err)
	}
	return true, nil
}

// ResolvedBefore lists requests marked resolved before t
func (s *SQLiteStore) ResolvedBefore(t time.Time) ([]string, error) {
	return s.queryIDs("list resolved requests",
		"SELECT request_id FROM resolved_requests WHERE resolved_at < ? ORDER BY request_id",
		t.Unix())
}

// Forget drops all announcements and the resolved record of a request
func (s *SQLiteStore) Forget(requestID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM announcements WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("forget announcements: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM resolved_requests WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("forget resolved: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryIDs(op, query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

// Prefs returns a chat's preferences, defaulting to unmuted
func (s *SQLiteStore) Prefs(chatID int64) (*ChatPrefs, error) {
	p := ChatPrefs{ChatID: chatID}
	err := s.db.QueryRow(
		"SELECT muted FROM chat_prefs WHERE chat_id = ?",
		chatID,
	).Scan(&p.Muted)

	if errors.Is(err, sql.ErrNoRows) {
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat prefs: %w", err)
	}
	return &p, nil
}

// SavePrefs persists a chat's preferences
func (s *SQLiteStore) SavePrefs(p *ChatPrefs) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_prefs (chat_id, muted)
		VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			muted = excluded.muted
	`, p.ChatID, p.Muted)

	if err != nil {
		return fmt.Errorf("save chat prefs: %w", err)
	}
	return nil
}

// Close releases database resources
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
