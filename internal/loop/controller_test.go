package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"rweave/internal/artifact"
	"rweave/internal/event"
	"rweave/internal/llm"
	"rweave/internal/rexec"
	"rweave/internal/session"
	"rweave/internal/stream"
)

// scriptedGenerator returns canned replies in order.
type scriptedGenerator struct {
	replies []*llm.Reply
	err     error
	calls   int
}

func (g *scriptedGenerator) Generate(ctx context.Context, history []*session.Message, message string) (*llm.Reply, error) {
	if g.err != nil {
		return nil, g.err
	}
	i := g.calls
	g.calls++
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	return g.replies[i], nil
}

type harness struct {
	controller *Controller
	registry   *session.Registry
	store      *session.Store
	artifacts  *artifact.Store
}

func newHarness(t *testing.T, stubBody string, gen llm.Generator) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs require a POSIX shell")
	}

	dir := t.TempDir()

	stub := filepath.Join(dir, "rscript-stub")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\n"+stubBody+"\n"), 0o755); err != nil {
		t.Fatalf("writing stub: %v", err)
	}

	store, err := session.NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	artifacts, err := artifact.NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new artifact store: %v", err)
	}
	t.Cleanup(func() { _ = artifacts.Close() })

	registry := session.NewRegistry(store, filepath.Join(dir, "sessions"), session.Options{})
	runner := rexec.NewRunner(stub, 10*time.Second, 0)

	controller := New(Config{Heartbeat: time.Hour}, registry, runner, artifacts, store, event.NewBus(), gen)
	return &harness{controller: controller, registry: registry, store: store, artifacts: artifacts}
}

func drain(t *testing.T, st *stream.Stream) []event.Event {
	t.Helper()
	var events []event.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-st.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out draining stream; got %+v", events)
		}
	}
}

func byType(events []event.Event, typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestDirectExecutionSuccess(t *testing.T) {
	h := newHarness(t, `echo "done"
touch demog.csv`, nil)

	st, err := h.controller.Handle(Request{Code: `write.csv(adsl, "demog.csv")`, Mode: ModeDirect})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := drain(t, st)

	results := byType(events, event.TypeFunctionResult)
	if len(results) != 1 {
		t.Fatalf("expected one function_result: %+v", events)
	}
	res := results[0]
	if !res.Success || !strings.Contains(res.Output, "done") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Files) != 1 || res.Files[0] != "demog.csv" {
		t.Fatalf("files not reported: %+v", res)
	}

	ready := byType(events, event.TypeSessionReady)
	if len(ready) != 1 || ready[0].Turn != 1 {
		t.Fatalf("session_ready missing or wrong turn: %+v", ready)
	}
	if events[len(events)-1].Type != event.TypeEnd {
		t.Fatalf("stream did not end with end event: %+v", events)
	}

	sessID := st.SessionID()
	snap, err := h.registry.Snapshot(sessID)
	if err != nil || snap.Status != session.StatusReady {
		t.Fatalf("session not ready after run: %+v (%v)", snap, err)
	}

	arts, _ := h.artifacts.List(sessID)
	if len(arts) != 1 || arts[0].Name != "demog.csv" {
		t.Fatalf("artifact not recorded: %+v", arts)
	}

	versions, _ := h.store.ListCodeVersions(sessID)
	if len(versions) != 1 || versions[0].Source != "direct" {
		t.Fatalf("code version not recorded: %+v", versions)
	}
}

func TestDirectExecutionFailureSetsErrorState(t *testing.T) {
	h := newHarness(t, `echo "Error: object 'adsl' not found" >&2
exit 1`, nil)

	st, err := h.controller.Handle(Request{Code: "print(adsl)", Mode: ModeDirect})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := drain(t, st)

	results := byType(events, event.TypeFunctionResult)
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected failed function_result: %+v", results)
	}
	if len(byType(events, event.TypeError)) == 0 {
		t.Fatalf("no error event: %+v", events)
	}
	// The stream still completes and readiness is announced.
	if len(byType(events, event.TypeSessionReady)) != 1 {
		t.Fatalf("session_ready missing: %+v", events)
	}

	snap, _ := h.registry.Snapshot(st.SessionID())
	if snap.Status != session.StatusError || snap.Error == "" {
		t.Fatalf("error state not recorded: %+v", snap)
	}

	// Error is re-enterable: a follow-up submit on the same session works.
	st2, err := h.controller.Handle(Request{SessionID: st.SessionID(), Code: "x <- 1", Mode: ModeDirect})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	drain(t, st2)
}

func TestBusySessionGetsSingleErrorEvent(t *testing.T) {
	h := newHarness(t, `echo ok`, nil)
	sess, _ := h.registry.GetOrCreate("")
	h.registry.Acquire(sess.ID)

	st, err := h.controller.Handle(Request{SessionID: sess.ID, Code: "x <- 1", Mode: ModeDirect})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := drain(t, st)

	if len(events) != 2 || events[0].Type != event.TypeError || events[1].Type != event.TypeEnd {
		t.Fatalf("expected error + end, got %+v", events)
	}
	if !strings.Contains(events[0].Content, "busy") {
		t.Fatalf("unexpected error: %+v", events[0])
	}

	// The refusal leaves no trace in history or code versions.
	if msgs, _ := h.store.GetMessages(sess.ID); len(msgs) != 0 {
		t.Fatalf("history mutated by busy refusal: %+v", msgs)
	}
}

func TestInterruptMidRunReturnsSessionToReady(t *testing.T) {
	h := newHarness(t, `if grep -q "fast_marker" "$1"; then
  echo quick
else
  sleep 30
fi`, nil)
	sess, _ := h.registry.GetOrCreate("")

	st, err := h.controller.Handle(Request{SessionID: sess.ID, Code: "Sys.sleep(1000)", Mode: ModeDirect})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Wait until the run is actually in flight before interrupting it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, _ := h.registry.Snapshot(sess.ID)
		if snap.Status == session.StatusExecuting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never started executing: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}

	interrupted, err := h.registry.Interrupt(sess.ID)
	if err != nil || !interrupted {
		t.Fatalf("interrupt: %v (interrupted=%v)", err, interrupted)
	}

	events := drain(t, st)
	var surfaced bool
	for _, ev := range byType(events, event.TypeError) {
		if strings.Contains(ev.Content, "interrupted") {
			surfaced = true
		}
	}
	if !surfaced {
		t.Fatalf("interrupt not surfaced to the stream: %+v", events)
	}
	if len(byType(events, event.TypeSessionReady)) != 1 {
		t.Fatalf("session_ready missing after interrupt: %+v", events)
	}

	// Interrupt is a client action, not an error state.
	snap, _ := h.registry.Snapshot(sess.ID)
	if snap.Status != session.StatusReady {
		t.Fatalf("session not ready after interrupt: %+v", snap)
	}

	// The same session accepts a follow-up submit immediately.
	st2, err := h.controller.Handle(Request{SessionID: sess.ID, Code: "fast_marker <- 1", Mode: ModeDirect})
	if err != nil {
		t.Fatalf("resubmit after interrupt: %v", err)
	}
	results := byType(drain(t, st2), event.TypeFunctionResult)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("follow-up run failed: %+v", results)
	}
}

func TestInteractiveTurn(t *testing.T) {
	gen := &scriptedGenerator{replies: []*llm.Reply{{
		Text: "Creating the demographics table now.",
		Code: `write.csv(adsl, "demog.csv")`,
	}}}
	h := newHarness(t, `echo "table written"
touch demog.csv`, gen)

	st, err := h.controller.Handle(Request{Message: "make a demographics table", Mode: ModeInteractive})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := drain(t, st)

	if len(byType(events, event.TypeCompleteContent)) != 1 {
		t.Fatalf("assistant text not streamed: %+v", events)
	}
	if len(byType(events, event.TypeCodePreview)) != 1 {
		t.Fatalf("code preview missing: %+v", events)
	}
	results := byType(events, event.TypeFunctionResult)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("unexpected result: %+v", results)
	}

	msgs, _ := h.store.GetMessages(st.SessionID())
	if len(msgs) != 3 {
		t.Fatalf("expected user/function/assistant history, got %+v", msgs)
	}
	if msgs[0].Role != "user" || msgs[1].Role != "function" || msgs[2].Role != "assistant" {
		t.Fatalf("history roles wrong: %+v", msgs)
	}
	if !strings.Contains(msgs[1].Content, "executed successfully") {
		t.Fatalf("execution feedback missing: %q", msgs[1].Content)
	}

	versions, _ := h.store.ListCodeVersions(st.SessionID())
	if len(versions) != 1 || versions[0].Source != "assistant" {
		t.Fatalf("code version not recorded: %+v", versions)
	}
}

func TestInteractiveTextOnlyReply(t *testing.T) {
	gen := &scriptedGenerator{replies: []*llm.Reply{{
		Text: "AGE is already numeric; nothing to run.",
	}}}
	h := newHarness(t, `echo ok`, gen)

	st, _ := h.controller.Handle(Request{Message: "is AGE numeric?", Mode: ModeInteractive})
	events := drain(t, st)

	if len(byType(events, event.TypeFunctionStart)) != 0 {
		t.Fatalf("execution happened with no code: %+v", events)
	}
	ready := byType(events, event.TypeSessionReady)
	if len(ready) != 1 || ready[0].Turn != 1 {
		t.Fatalf("turn not completed: %+v", ready)
	}

	msgs, _ := h.store.GetMessages(st.SessionID())
	if len(msgs) != 2 {
		t.Fatalf("expected user/assistant history, got %+v", msgs)
	}
}

func TestInteractiveGeneratorFailureReleasesSession(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("api unreachable")}
	h := newHarness(t, `echo ok`, gen)

	st, _ := h.controller.Handle(Request{Message: "hello", Mode: ModeInteractive})
	events := drain(t, st)

	errs := byType(events, event.TypeError)
	if len(errs) != 1 || !strings.Contains(errs[0].Content, "api unreachable") {
		t.Fatalf("generator failure not surfaced: %+v", events)
	}

	snap, _ := h.registry.Snapshot(st.SessionID())
	if snap.Status != session.StatusReady {
		t.Fatalf("session stuck after generator failure: %+v", snap)
	}
}

func TestPersistentModeAnnounced(t *testing.T) {
	h := newHarness(t, `echo ok`, nil)

	st, _ := h.controller.Handle(Request{Code: "x <- 1", Mode: ModeDirect, Persistent: true})
	events := drain(t, st)

	persistent := byType(events, event.TypePersistentMode)
	if len(persistent) != 1 {
		t.Fatalf("expected one persistent_mode event: %+v", events)
	}
	if events[len(events)-1].Type != event.TypeEnd {
		t.Fatalf("stream not terminated: %+v", events)
	}
}

func TestValidation(t *testing.T) {
	h := newHarness(t, `echo ok`, nil)

	if _, err := h.controller.Handle(Request{Mode: ModeDirect}); err == nil {
		t.Fatal("direct without code accepted")
	}
	if _, err := h.controller.Handle(Request{Mode: ModeInteractive, Message: "hi"}); err == nil {
		t.Fatal("interactive without a generator accepted")
	}
	if _, err := h.controller.Handle(Request{Mode: "batch", Code: "x"}); err == nil {
		t.Fatal("unknown mode accepted")
	}
}

func TestTurnsAccumulateAcrossSubmits(t *testing.T) {
	h := newHarness(t, `echo ok`, nil)

	st, _ := h.controller.Handle(Request{Code: "x <- 1", Mode: ModeDirect})
	drain(t, st)
	id := st.SessionID()

	st2, _ := h.controller.Handle(Request{SessionID: id, Code: "y <- x + 1", Mode: ModeDirect})
	events := drain(t, st2)

	ready := byType(events, event.TypeSessionReady)
	if len(ready) != 1 || ready[0].Turn != 2 {
		t.Fatalf("turn count wrong: %+v", ready)
	}

	versions, _ := h.store.ListCodeVersions(id)
	if len(versions) != 2 || versions[1].Version != 2 {
		t.Fatalf("code versions wrong: %+v", versions)
	}
}
