// Package stream turns engine and session activity into an ordered sequence
// of typed events delivered to a single listener per request. Producers never
// block on a slow consumer: the queue is bounded and non-terminal events are
// dropped when it is full.
package stream

import (
	"sync"
	"time"

	"rweave/internal/event"
)

// Journal persists events so a later listener can replay them.
type Journal interface {
	JournalEvent(sessionID string, ev event.Event) error
}

// Options configures a Stream.
type Options struct {
	// QueueSize bounds the event queue between producer and consumer
	// (default 64).
	QueueSize int

	// Heartbeat is the interval between liveness events while the stream is
	// open. Zero disables heartbeats.
	Heartbeat time.Duration

	// Bus, if set, receives a copy of every non-heartbeat event so detached
	// listeners can multiplex follow-up requests for the same session.
	Bus *event.Bus

	// Journal, if set, receives a copy of every non-heartbeat event.
	Journal Journal
}

// Stream is one outbound event channel for one inbound request. Exactly one
// terminal end event closes it.
type Stream struct {
	sessionID string
	opts      Options

	ch   chan event.Event
	done chan struct{}

	mu         sync.Mutex
	closed     bool
	persistent bool
}

// New creates a Stream and starts its heartbeat loop.
func New(sessionID string, opts Options) *Stream {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	s := &Stream{
		sessionID: sessionID,
		opts:      opts,
		ch:        make(chan event.Event, opts.QueueSize),
		done:      make(chan struct{}),
	}
	if opts.Heartbeat > 0 {
		go s.heartbeatLoop()
	}
	return s
}

// Events returns the channel the consumer reads from. The channel is closed
// after the terminal event has been queued.
func (s *Stream) Events() <-chan event.Event { return s.ch }

// SessionID returns the session this stream belongs to.
func (s *Stream) SessionID() string { return s.sessionID }

// Emit queues an event. Events emitted after Close are discarded.
func (s *Stream) Emit(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ev)
}

func (s *Stream) emitLocked(ev event.Event) {
	if s.closed {
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = s.sessionID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if ev.Journaled() {
		if s.opts.Journal != nil {
			_ = s.opts.Journal.JournalEvent(s.sessionID, ev)
		}
		if s.opts.Bus != nil {
			s.opts.Bus.Publish(s.sessionID, ev)
		}
	}

	select {
	case s.ch <- ev:
	default:
		// Queue full: the consumer is gone or too slow. Dropping here keeps
		// the interpreter process from blocking on network writes.
	}
}

// AnnouncePersistent emits persistent_mode at most once per stream.
func (s *Stream) AnnouncePersistent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistent {
		return
	}
	s.persistent = true
	s.emitLocked(event.Event{
		Type:    event.TypePersistentMode,
		Content: "Session ready for continuous conversation",
	})
}

// Fail emits an error event followed by the terminal end event.
func (s *Stream) Fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(event.Event{Type: event.TypeError, Content: msg})
	s.closeLocked()
}

// Close emits the terminal end event and closes the stream. Safe to call
// more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Stream) closeLocked() {
	if s.closed {
		return
	}
	s.emitLocked(event.Event{Type: event.TypeEnd})
	s.closed = true
	close(s.done)
	close(s.ch)
}

func (s *Stream) heartbeatLoop() {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Emit(event.Event{Type: event.TypeHeartbeat})
		}
	}
}
