// Package artifact tracks files produced by executions and exposes them by
// session and name. Artifacts are read-only after creation; they disappear
// only when their session is destroyed.
package artifact

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Category classifies an artifact by what it is used for downstream.
type Category string

const (
	CategoryTable  Category = "table"
	CategoryData   Category = "data"
	CategoryPlot   Category = "plot"
	CategoryScript Category = "script"
	CategoryOther  Category = "other"
)

// Categorize infers the category from the file extension.
func Categorize(name string) Category {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm", ".rtf":
		return CategoryTable
	case ".csv", ".rds", ".xpt", ".sas7bdat", ".xlsx":
		return CategoryData
	case ".png", ".jpg", ".jpeg", ".svg", ".pdf":
		return CategoryPlot
	case ".r":
		return CategoryScript
	default:
		return CategoryOther
	}
}

// Artifact is one file produced by an execution.
type Artifact struct {
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	Category  Category  `json:"category"`
	Size      int64     `json:"size"`
	Path      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists artifact metadata in SQLite. File bytes stay on disk in the
// session working directory.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the artifact database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS artifacts (
			session_id TEXT NOT NULL,
			name       TEXT NOT NULL,
			category   TEXT NOT NULL,
			size       INTEGER NOT NULL DEFAULT 0,
			path       TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (session_id, name)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record registers files produced in dir by an execution. Re-generated files
// replace their previous metadata (deterministic output naming means the
// same code yields the same artifact set).
func (s *Store) Record(sessionID, dir string, names []string) ([]*Artifact, error) {
	var out []*Artifact
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		a := &Artifact{
			Name:      name,
			SessionID: sessionID,
			Category:  Categorize(name),
			Size:      info.Size(),
			Path:      path,
			CreatedAt: time.Now().UTC(),
		}
		_, err = s.db.Exec(
			`INSERT INTO artifacts (session_id, name, category, size, path, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, name) DO UPDATE SET
				category = excluded.category, size = excluded.size,
				path = excluded.path, created_at = excluded.created_at`,
			a.SessionID, a.Name, a.Category, a.Size, a.Path, a.CreatedAt,
		)
		if err != nil {
			return out, fmt.Errorf("recording artifact %s: %w", name, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// List returns all artifacts for a session ordered by name.
func (s *Store) List(sessionID string) ([]*Artifact, error) {
	rows, err := s.db.Query(
		`SELECT session_id, name, category, size, path, created_at
		 FROM artifacts WHERE session_id = ? ORDER BY name ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a := &Artifact{}
		if err := rows.Scan(&a.SessionID, &a.Name, &a.Category, &a.Size, &a.Path, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// Get returns an artifact's metadata and bytes.
func (s *Store) Get(sessionID, name string) (*Artifact, []byte, error) {
	a := &Artifact{}
	err := s.db.QueryRow(
		`SELECT session_id, name, category, size, path, created_at
		 FROM artifacts WHERE session_id = ? AND name = ?`, sessionID, name,
	).Scan(&a.SessionID, &a.Name, &a.Category, &a.Size, &a.Path, &a.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact %s not found: %w", name, err)
	}

	data, err := os.ReadFile(a.Path)
	if err != nil {
		return a, nil, fmt.Errorf("reading artifact %s: %w", name, err)
	}
	return a, data, nil
}

// DeleteSession removes all artifact metadata for a session. The files
// themselves go away with the session working directory.
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM artifacts WHERE session_id = ?`, sessionID)
	return err
}
