// Package server provides the rweave HTTP API server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rweave/internal/artifact"
	"rweave/internal/config"
	"rweave/internal/event"
	"rweave/internal/llm"
	"rweave/internal/loop"
	"rweave/internal/rexec"
	"rweave/internal/session"
)

// Server is the rweave HTTP API server.
type Server struct {
	config     *config.Config
	store      *session.Store
	registry   *session.Registry
	artifacts  *artifact.Store
	bus        *event.Bus
	controller *loop.Controller
	router     chi.Router
}

// New creates a new Server with all dependencies.
func New(cfg *config.Config) (*Server, error) {
	store, err := session.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	artifacts, err := artifact.NewStore(cfg.DatabasePath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing artifact store: %w", err)
	}

	registry := session.NewRegistry(store, cfg.SessionsDir, session.Options{
		IdleTTL:      cfg.IdleTTL,
		SafetyReset:  cfg.SafetyReset,
		MaxSessions:  cfg.MaxSessions,
		KeepWorkDirs: cfg.KeepWorkDirs,
	})

	runner := rexec.NewRunner(cfg.Rscript, cfg.ExecTimeout, cfg.MaxOutput)

	// Interactive mode needs a language model; direct execution does not.
	var gen llm.Generator
	if cfg.LLMEnabled() {
		client, err := llm.NewClient(cfg.AnthropicAPIKey, cfg.OpenAIAPIKey, cfg.Model)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("configuring language model: %w", err)
		}
		gen = llm.NewChatGenerator(client)
		log.Println("Interactive mode enabled (language model configured)")
	} else {
		log.Println("Interactive mode disabled (no LLM key, direct execution only)")
	}

	bus := event.NewBus()
	controller := loop.New(loop.Config{
		Heartbeat: cfg.Heartbeat,
		QueueSize: cfg.QueueSize,
	}, registry, runner, artifacts, store, bus, gen)

	s := &Server{
		config:     cfg,
		store:      store,
		registry:   registry,
		artifacts:  artifacts,
		bus:        bus,
		controller: controller,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.registry.Start(ctx)

	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("rweave server listening on %s", s.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	s.registry.Stop()
	s.controller.Wait()
	return s.store.Close()
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions/submit", s.handleSubmit)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDestroySession)
		r.Post("/sessions/{id}/interrupt", s.handleInterrupt)
		r.Post("/sessions/{id}/restart", s.handleRestart)
		r.Get("/sessions/{id}/events", s.handleSessionEvents)
		r.Get("/sessions/{id}/history", s.handleHistory)
		r.Get("/sessions/{id}/versions", s.handleCodeVersions)
		r.Get("/sessions/{id}/artifacts", s.handleListArtifacts)
		r.Get("/sessions/{id}/artifacts/{name}", s.handleGetArtifact)
	})

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSubmit accepts a message or code block for a session and streams the
// resulting events back over SSE. One request, one stream, one terminal end
// event.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req loop.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode == "" {
		req.Mode = loop.ModeInteractive
	}

	st, err := s.controller.Handle(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// Client gone; the run keeps going and the session journal
			// retains the rest of the stream.
			return
		case ev, ok := <-st.Events():
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		log.Printf("Error listing sessions: %v", err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Live sessions come from the registry; destroyed ones remain visible
	// from the store for audit.
	if sess, err := s.registry.Snapshot(id); err == nil {
		writeJSON(w, http.StatusOK, sess)
		return
	}
	sess, err := s.store.GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Destroy(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.artifacts.DeleteSession(id); err != nil {
		log.Printf("Error deleting artifacts for %s: %v", id, err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	interrupted, err := s.registry.Interrupt(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": interrupted})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Restart(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.artifacts.DeleteSession(id); err != nil {
		log.Printf("Error deleting artifacts for %s: %v", id, err)
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSessionEvents replays the journaled event history and then tails the
// live bus, so a listener that reconnects mid-run misses nothing.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	afterID, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	events, _ := s.store.GetEvents(id, afterID)
	for _, se := range events {
		writeSSE(w, se.Event)
	}
	flusher.Flush()

	ch := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id, ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := s.store.GetMessages(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if msgs == nil {
		msgs = []*session.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleCodeVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	versions, err := s.store.ListCodeVersions(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load code versions")
		return
	}
	if versions == nil {
		versions = []*session.CodeVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	arts, err := s.artifacts.List(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if arts == nil {
		arts = []*artifact.Artifact{}
	}
	writeJSON(w, http.StatusOK, arts)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	art, content, err := s.artifacts.Get(id, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	ctype := mime.TypeByExtension(filepath.Ext(art.Name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Write(content)
}

// --- Helpers ---

func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return flusher, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, ev event.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", string(data))
}
