// Package session owns session identity, interpreter-state continuity,
// conversation history, and the single-execution-at-a-time invariant.
package session

import (
	"context"
	"time"
)

// Status represents the current state of a session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusReady     Status = "ready"
	StatusExecuting Status = "executing"
	StatusError     Status = "error"
	StatusDestroyed Status = "destroyed"
)

// Session is one interactive R analysis session. Its working directory and
// workspace file are exclusively owned by the registry entry; the execution
// engine borrows them for the duration of a single acquired run.
type Session struct {
	ID           string    `json:"id"`
	WorkDir      string    `json:"work_dir"`
	Status       Status    `json:"status"`
	Turns        int       `json:"turns"`
	Error        string    `json:"error,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// cancelRun kills the in-flight child process; set only while Executing.
	cancelRun context.CancelFunc
	// resetTimer enforces the safety window that returns a stuck session
	// to Ready without client action.
	resetTimer *time.Timer
	// runToken identifies the current acquisition. Release presents the token
	// it was issued, so a run that outlived a safety reset cannot clobber the
	// session's next holder.
	runToken uint64
}

// Message is one entry in a session's conversation history.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user", "assistant", "function"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CodeVersion is one entry in a session's code history. Versions start at 1
// and only ever grow; restoring an old version reads, never rewrites.
type CodeVersion struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Version     int       `json:"version"`
	Code        string    `json:"code"`
	Source      string    `json:"source"` // "direct", "assistant"
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
