// Package event defines the typed stream events emitted during an RWeave
// execution session, plus an in-memory pub/sub bus for live delivery.
package event

import "time"

// Type tags a stream event. Consumers switch on Type; every variant below is
// part of the wire contract.
type Type string

const (
	// TypeSystem carries status text ("Starting R execution...").
	TypeSystem Type = "system"
	// TypeContent carries an incremental piece of conversational text.
	TypeContent Type = "content"
	// TypeCompleteContent carries a full assistant reply in one event.
	TypeCompleteContent Type = "complete_content"
	// TypeFunctionStart announces that an execution is beginning.
	TypeFunctionStart Type = "function_start"
	// TypeFunctionResult carries the outcome of an execution.
	TypeFunctionResult Type = "function_result"
	// TypeCodePreview shows code before it runs.
	TypeCodePreview Type = "code_preview"
	// TypeCodeFinal shows the code that actually ran (for editor sync).
	TypeCodeFinal Type = "code_final"
	// TypeSessionReady signals the session accepts the next request.
	TypeSessionReady Type = "session_ready"
	// TypePersistentMode signals the session stays alive for follow-ups.
	TypePersistentMode Type = "persistent_mode"
	// TypeHeartbeat is a liveness tick while an execution is in flight.
	TypeHeartbeat Type = "heartbeat"
	// TypeError carries a failure description.
	TypeError Type = "error"
	// TypeEnd terminates a stream. Exactly one per stream.
	TypeEnd Type = "end"
)

// Event is a single record on an execution event stream. Fields beyond Type
// are populated per variant; zero-valued fields are omitted on the wire so
// each record stays an independently parseable JSON object.
type Event struct {
	Type      Type     `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	Content   string   `json:"content,omitempty"`
	Code      string   `json:"code,omitempty"`
	Function  string   `json:"function_name,omitempty"`
	Output    string   `json:"output,omitempty"`
	Files     []string `json:"files_generated,omitempty"`
	OutputDir string   `json:"output_directory,omitempty"`
	Turn      int      `json:"turn,omitempty"`
	Elapsed   float64  `json:"execution_time,omitempty"`
	Success   bool     `json:"success,omitempty"`

	// SimplificationAttempted is set when the engine re-ran a simplified
	// variant of failing code; OriginalError then retains the first failure.
	SimplificationAttempted bool   `json:"simplification_attempted,omitempty"`
	OriginalError           string `json:"original_error,omitempty"`

	CreatedAt time.Time `json:"timestamp,omitempty"`
}

// Terminal reports whether the event closes its stream.
func (e Event) Terminal() bool {
	return e.Type == TypeEnd
}

// Journaled reports whether the event should be persisted to the session
// event journal. Heartbeats are transport liveness only.
func (e Event) Journaled() bool {
	return e.Type != TypeHeartbeat
}
