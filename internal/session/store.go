package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"rweave/internal/event"
)

// Store persists sessions, conversation history, code versions, and the
// event journal in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			work_dir      TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'created',
			turns         INTEGER NOT NULL DEFAULT 0,
			error         TEXT NOT NULL DEFAULT '',
			last_activity DATETIME NOT NULL,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE TABLE IF NOT EXISTS code_versions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			version     INTEGER NOT NULL,
			code        TEXT NOT NULL,
			source      TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_id
			ON messages(session_id);
		CREATE INDEX IF NOT EXISTS idx_versions_session_id
			ON code_versions(session_id);
		CREATE INDEX IF NOT EXISTS idx_events_session_id
			ON session_events(session_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session. Recreating a previously destroyed ID
// (restart) replaces the old row.
func (s *Store) CreateSession(sess *Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, work_dir, status, turns, error, last_activity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			work_dir = excluded.work_dir, status = excluded.status,
			turns = excluded.turns, error = excluded.error,
			last_activity = excluded.last_activity,
			created_at = excluded.created_at, updated_at = excluded.updated_at`,
		sess.ID, sess.WorkDir, sess.Status, sess.Turns, sess.Error,
		sess.LastActivity, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRow(
		`SELECT id, work_dir, status, turns, error, last_activity, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.WorkDir, &sess.Status, &sess.Turns, &sess.Error,
		&sess.LastActivity, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by creation time (newest first).
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT id, work_dir, status, turns, error, last_activity, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.WorkDir, &sess.Status, &sess.Turns,
			&sess.Error, &sess.LastActivity, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession updates mutable fields of a session.
func (s *Store) UpdateSession(sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE sessions SET
			status = ?, turns = ?, error = ?, last_activity = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Status, sess.Turns, sess.Error, sess.LastActivity, sess.UpdatedAt, sess.ID,
	)
	return err
}

// AddMessage appends a conversation message and returns its ID.
func (s *Store) AddMessage(msg *Message) error {
	result, err := s.db.Exec(
		`INSERT INTO messages (session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	msg.ID, err = result.LastInsertId()
	return err
}

// GetMessages returns the conversation history for a session in order.
func (s *Store) GetMessages(sessionID string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddCodeVersion appends a code version, assigning the next version number.
func (s *Store) AddCodeVersion(cv *CodeVersion) error {
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) + 1 FROM code_versions WHERE session_id = ?`,
		cv.SessionID,
	).Scan(&cv.Version)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(
		`INSERT INTO code_versions (session_id, version, code, source, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cv.SessionID, cv.Version, cv.Code, cv.Source, cv.Description, cv.CreatedAt,
	)
	if err != nil {
		return err
	}
	cv.ID, err = result.LastInsertId()
	return err
}

// GetCodeVersion retrieves one code version by number.
func (s *Store) GetCodeVersion(sessionID string, version int) (*CodeVersion, error) {
	cv := &CodeVersion{}
	err := s.db.QueryRow(
		`SELECT id, session_id, version, code, source, description, created_at
		 FROM code_versions WHERE session_id = ? AND version = ?`,
		sessionID, version,
	).Scan(&cv.ID, &cv.SessionID, &cv.Version, &cv.Code, &cv.Source, &cv.Description, &cv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return cv, nil
}

// ListCodeVersions returns all code versions for a session in order.
func (s *Store) ListCodeVersions(sessionID string) ([]*CodeVersion, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, version, code, source, description, created_at
		 FROM code_versions WHERE session_id = ? ORDER BY version ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*CodeVersion
	for rows.Next() {
		cv := &CodeVersion{}
		if err := rows.Scan(&cv.ID, &cv.SessionID, &cv.Version, &cv.Code,
			&cv.Source, &cv.Description, &cv.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, cv)
	}
	return versions, rows.Err()
}

// StoredEvent is one journaled stream event.
type StoredEvent struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Type      string      `json:"type"`
	Event     event.Event `json:"event"`
	CreatedAt time.Time   `json:"created_at"`
}

// JournalEvent persists a stream event so later listeners can replay it.
func (s *Store) JournalEvent(sessionID string, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO session_events (session_id, type, payload, created_at)
		 VALUES (?, ?, ?, ?)`,
		sessionID, string(ev.Type), string(payload), time.Now().UTC(),
	)
	return err
}

// GetEvents returns journaled events for a session after a given event ID.
func (s *Store) GetEvents(sessionID string, afterID int64) ([]*StoredEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, type, payload, created_at
		 FROM session_events
		 WHERE session_id = ? AND id > ?
		 ORDER BY id ASC`,
		sessionID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*StoredEvent
	for rows.Next() {
		se := &StoredEvent{}
		var payload string
		if err := rows.Scan(&se.ID, &se.SessionID, &se.Type, &payload, &se.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &se.Event); err != nil {
			continue
		}
		events = append(events, se)
	}
	return events, rows.Err()
}

// DeleteSessionData removes history and journal rows for a destroyed
// session. The session row itself is kept (marked destroyed) for audit.
func (s *Store) DeleteSessionData(sessionID string) error {
	for _, q := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM code_versions WHERE session_id = ?`,
		`DELETE FROM session_events WHERE session_id = ?`,
	} {
		if _, err := s.db.Exec(q, sessionID); err != nil {
			return err
		}
	}
	return nil
}
