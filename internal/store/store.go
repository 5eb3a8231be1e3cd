package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Session is the cached view of a backend chat session.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one cached transcript entry. Position preserves transcript order.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Position  int       `json:"position"`
}

// Store wraps the SQLite database used as the local transcript cache.
type Store struct {
	db *sql.DB
}

// Open initializes the cache using the supplied DSN/file path and driver.
func Open(dsn string, driver string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" {
		return nil, fmt.Errorf("unsupported datastore driver: %s", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("datastore DSN is required")
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create datastore directory")
	}
	conn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dsn)
	db, err := sql.Open("sqlite", conn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite datastore")
	}
	// One writer at a time keeps sqlite out of SQLITE_BUSY under concurrent sends.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (session_id, position)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "schema apply failed")
		}
	}
	return nil
}

// Close shuts down the datastore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertSessions records sessions, updating titles and timestamps of known ids.
func (s *Store) UpsertSessions(ctx context.Context, sessions []Session) error {
	if len(sessions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin upsert")
	}
	defer tx.Rollback()
	for _, sess := range sessions {
		if sess.ID == "" {
			return errors.New("session id required")
		}
		if err := upsertSession(ctx, tx, sess); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "commit upsert")
}

func upsertSession(ctx context.Context, tx *sql.Tx, sess Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title=excluded.title, updated_at=excluded.updated_at`,
		sess.ID, sess.Title, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	return errors.Wrapf(err, "upsert session %s", sess.ID)
}

// ListSessions returns cached sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := `SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ReplaceTranscript overwrites the cached messages of a session. The session
// row is created when missing.
func (s *Store) ReplaceTranscript(ctx context.Context, sessionID string, messages []Message) error {
	if sessionID == "" {
		return errors.New("session id required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transcript")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at`, sessionID, now, now); err != nil {
		return errors.Wrap(err, "touch session")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id=?`, sessionID); err != nil {
		return errors.Wrap(err, "clear transcript")
	}
	for i, msg := range messages {
		created := msg.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages (id, session_id, role, content, created_at, position) VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, sessionID, msg.Role, msg.Content, created.UTC(), i,
		); err != nil {
			return errors.Wrapf(err, "insert message %d", i)
		}
	}
	return errors.Wrap(tx.Commit(), "commit transcript")
}

// Transcript returns the cached messages of a session in order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, role, content, created_at, position FROM messages WHERE session_id=? ORDER BY position`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "load transcript")
	}
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt, &m.Position); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteSession drops a session and its transcript.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id=?`, sessionID); err != nil {
		return errors.Wrap(err, "delete transcript")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, sessionID); err != nil {
		return errors.Wrap(err, "delete session")
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}
