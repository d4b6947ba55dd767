package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy is returned by Acquire when the session is already executing.
	// Callers surface this to the user; requests are never queued.
	ErrBusy = errors.New("session is busy")

	// ErrNotFound is returned for unknown or destroyed session IDs.
	ErrNotFound = errors.New("session not found")
)

// Options configures a Registry.
type Options struct {
	// IdleTTL evicts sessions with no activity for this long (default 30m).
	IdleTTL time.Duration

	// SafetyReset forces an Executing or Error session back to Ready after
	// this window, so a lost client can never lock a session out
	// permanently (default 3m).
	SafetyReset time.Duration

	// MaxSessions caps live sessions; the oldest idle one is evicted to
	// make room (default 20).
	MaxSessions int

	// KeepWorkDirs disables working-directory purge on destroy.
	KeepWorkDirs bool
}

func (o *Options) applyDefaults() {
	if o.IdleTTL <= 0 {
		o.IdleTTL = 30 * time.Minute
	}
	if o.SafetyReset <= 0 {
		o.SafetyReset = 3 * time.Minute
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 20
	}
}

// Registry is the sole authority mapping session IDs to live sessions. All
// state transitions happen under its lock; the execution engine never
// touches registry bookkeeping.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	seq      uint64

	store   *Store
	baseDir string
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a Registry rooted at baseDir.
func NewRegistry(store *Store, baseDir string, opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		baseDir:  baseDir,
		opts:     opts,
	}
}

// Start launches the idle reaper. Call Stop to shut down.
func (r *Registry) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reapIdleSessions(r.ctx)
	}()
}

// Stop cancels background work and waits for it to finish.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// GetOrCreate resolves a session by ID, creating it when absent. An empty
// ID asks the registry to mint one.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if sess, ok := r.sessions[id]; ok {
			return sess, nil
		}
	} else {
		id = uuid.New().String()[:8]
	}

	if len(r.sessions) >= r.opts.MaxSessions {
		r.evictOldestIdleLocked()
	}

	workDir := filepath.Join(r.baseDir, "session_"+id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           id,
		WorkDir:      workDir,
		Status:       StatusCreated,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Working directory prepared: the interpreter side is ready.
	sess.Status = StatusReady

	if err := r.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	r.sessions[id] = sess
	return sess, nil
}

// Get returns a live session by ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Acquire atomically claims a session for execution. A session already
// executing yields ErrBusy immediately; there is no queue. The returned
// context is canceled to kill the run's child process; the token must be
// presented back to Release and is invalidated by a safety reset, so a
// run that lost the session cannot disturb its next holder.
func (r *Registry) Acquire(id string) (*Session, context.Context, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, nil, 0, ErrNotFound
	}
	if sess.Status == StatusExecuting {
		return nil, nil, 0, ErrBusy
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.seq++
	sess.runToken = r.seq
	sess.Status = StatusExecuting
	sess.Error = ""
	sess.LastActivity = time.Now().UTC()
	sess.cancelRun = cancel
	sess.resetTimer = time.AfterFunc(r.opts.SafetyReset, func() {
		r.forceReady(id)
	})

	if err := r.store.UpdateSession(sess); err != nil {
		log.Printf("Error persisting session %s: %v", id, err)
	}
	return sess, runCtx, sess.runToken, nil
}

// Release returns an executing session to Ready, or to Error when the run
// failed unrecoverably. An Error session is still re-enterable, and the
// safety-reset window folds it back to Ready on its own. A stale token,
// one whose acquisition a safety reset already ended, is ignored.
func (r *Registry) Release(id string, token uint64, execErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	if token == 0 || token != sess.runToken {
		return
	}
	sess.runToken = 0

	r.stopTimersLocked(sess)
	sess.cancelRun = nil
	sess.LastActivity = time.Now().UTC()

	if execErr == "" {
		sess.Status = StatusReady
		sess.Error = ""
	} else {
		sess.Status = StatusError
		sess.Error = execErr
		sess.resetTimer = time.AfterFunc(r.opts.SafetyReset, func() {
			r.forceReady(id)
		})
	}

	if err := r.store.UpdateSession(sess); err != nil {
		log.Printf("Error persisting session %s: %v", id, err)
	}
}

// forceReady is the safety-reset path: the server, not the client, decides
// a session may not stay stuck.
func (r *Registry) forceReady(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	if sess.Status != StatusExecuting && sess.Status != StatusError {
		return
	}

	log.Printf("Session %s safety reset (was %s)", id, sess.Status)
	if sess.cancelRun != nil {
		sess.cancelRun()
		sess.cancelRun = nil
	}
	sess.runToken = 0
	sess.Status = StatusReady
	sess.LastActivity = time.Now().UTC()
	if err := r.store.UpdateSession(sess); err != nil {
		log.Printf("Error persisting session %s: %v", id, err)
	}
}

// Interrupt kills the in-flight child process, if any. The engine observes
// the cancellation and reports the run as failed-by-interrupt; the
// controller then releases the session back to Ready.
func (r *Registry) Interrupt(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if sess.Status != StatusExecuting || sess.cancelRun == nil {
		return false, nil
	}
	sess.cancelRun()
	return true, nil
}

// Destroy kills any in-flight run, removes the session from the registry,
// and reclaims its working directory.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyLocked(id)
}

func (r *Registry) destroyLocked(id string) error {
	sess, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}

	if sess.cancelRun != nil {
		sess.cancelRun()
		sess.cancelRun = nil
	}
	r.stopTimersLocked(sess)
	delete(r.sessions, id)

	sess.Status = StatusDestroyed
	sess.LastActivity = time.Now().UTC()
	if err := r.store.UpdateSession(sess); err != nil {
		log.Printf("Error persisting session %s: %v", id, err)
	}
	if err := r.store.DeleteSessionData(id); err != nil {
		log.Printf("Error deleting session %s data: %v", id, err)
	}

	if !r.opts.KeepWorkDirs {
		if err := os.RemoveAll(sess.WorkDir); err != nil {
			log.Printf("Error removing session %s directory: %v", id, err)
		}
	}
	return nil
}

// Restart destroys a session and recreates it under the same ID with a
// fresh working directory and empty history.
func (r *Registry) Restart(id string) (*Session, error) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		if err := r.destroyLocked(id); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	r.mu.Unlock()

	return r.GetOrCreate(id)
}

// AppendMessage adds a conversation entry and refreshes session activity.
func (r *Registry) AppendMessage(id, role, content string) (*Message, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		sess.LastActivity = time.Now().UTC()
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	msg := &Message{
		SessionID: id,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AddMessage(msg); err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}
	return msg, nil
}

// History returns the session's conversation so far.
func (r *Registry) History(id string) ([]*Message, error) {
	return r.store.GetMessages(id)
}

// AddCodeVersion appends to the session's code history.
func (r *Registry) AddCodeVersion(id, code, source, description string) (*CodeVersion, error) {
	cv := &CodeVersion{
		SessionID:   id,
		Code:        code,
		Source:      source,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.AddCodeVersion(cv); err != nil {
		return nil, fmt.Errorf("storing code version: %w", err)
	}
	return cv, nil
}

// IncrementTurn bumps and returns the session's completed-turn count.
func (r *Registry) IncrementTurn(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return 0
	}
	sess.Turns++
	if err := r.store.UpdateSession(sess); err != nil {
		log.Printf("Error persisting session %s: %v", id, err)
	}
	return sess.Turns
}

// Snapshot returns a copy of the session's externally visible state.
func (r *Registry) Snapshot(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	cp.cancelRun = nil
	cp.resetTimer = nil
	return &cp, nil
}

func (r *Registry) stopTimersLocked(sess *Session) {
	if sess.resetTimer != nil {
		sess.resetTimer.Stop()
		sess.resetTimer = nil
	}
}

// evictOldestIdleLocked drops the least recently used non-executing session
// to make room for a new one.
func (r *Registry) evictOldestIdleLocked() {
	var oldest *Session
	for _, sess := range r.sessions {
		if sess.Status == StatusExecuting {
			continue
		}
		if oldest == nil || sess.LastActivity.Before(oldest.LastActivity) {
			oldest = sess
		}
	}
	if oldest != nil {
		log.Printf("Evicting session %s to make room (idle since %v)", oldest.ID, oldest.LastActivity)
		r.destroyLocked(oldest.ID)
	}
}

func (r *Registry) reapIdleSessions(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			var expired []string
			for id, sess := range r.sessions {
				if sess.Status == StatusExecuting {
					continue
				}
				if time.Since(sess.LastActivity) > r.opts.IdleTTL {
					expired = append(expired, id)
				}
			}
			for _, id := range expired {
				log.Printf("Reaping idle session %s", id)
				r.destroyLocked(id)
			}
			r.mu.Unlock()
		}
	}
}
