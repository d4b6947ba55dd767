// Package loop orchestrates the interactive debug cycle: a message arrives,
// the collaborator may produce R code, the engine runs it, results stream
// out, and the session returns to Ready for the next turn.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"rweave/internal/artifact"
	"rweave/internal/event"
	"rweave/internal/llm"
	"rweave/internal/rexec"
	"rweave/internal/session"
	"rweave/internal/stream"
)

// Mode selects how a submission is handled.
type Mode string

const (
	// ModeDirect runs the submitted code immediately, with no conversational
	// framing.
	ModeDirect Mode = "direct"
	// ModeInteractive routes the message through the language-generation
	// collaborator and keeps the session open for follow-ups.
	ModeInteractive Mode = "interactive"
)

// Request is one inbound submission.
type Request struct {
	SessionID  string `json:"session_id"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Mode       Mode   `json:"mode"`
	Persistent bool   `json:"persistent"`
}

// Config holds controller tunables.
type Config struct {
	// Heartbeat is the liveness interval on open streams (default 15s).
	Heartbeat time.Duration
	// QueueSize bounds each stream's event queue (default 64).
	QueueSize int
}

// Controller is the debug loop controller. It owns no session state; the
// registry does.
type Controller struct {
	cfg       Config
	registry  *session.Registry
	runner    *rexec.Runner
	artifacts *artifact.Store
	journal   stream.Journal
	bus       *event.Bus
	gen       llm.Generator // nil when no LLM is configured

	wg sync.WaitGroup
}

// New creates a Controller.
func New(cfg Config, reg *session.Registry, runner *rexec.Runner, artifacts *artifact.Store, journal stream.Journal, bus *event.Bus, gen llm.Generator) *Controller {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Controller{
		cfg:       cfg,
		registry:  reg,
		runner:    runner,
		artifacts: artifacts,
		journal:   journal,
		bus:       bus,
		gen:       gen,
	}
}

// Wait blocks until all in-flight request goroutines finish.
func (c *Controller) Wait() { c.wg.Wait() }

// Handle validates a request, claims the session, and returns the stream its
// events will arrive on. Validation failures are returned synchronously,
// before anything is spawned; a busy session yields a stream holding a
// single error event, with history untouched.
func (c *Controller) Handle(req Request) (*stream.Stream, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	sess, err := c.registry.GetOrCreate(req.SessionID)
	if err != nil {
		return nil, err
	}

	st := stream.New(sess.ID, stream.Options{
		QueueSize: c.cfg.QueueSize,
		Heartbeat: c.cfg.Heartbeat,
		Bus:       c.bus,
		Journal:   c.journal,
	})

	acquired, runCtx, token, err := c.registry.Acquire(sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			st.Fail("Session is busy with another execution; please wait and retry")
			return st, nil
		}
		st.Fail(fmt.Sprintf("acquiring session: %v", err))
		return st, nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer st.Close()
		if req.Mode == ModeDirect {
			c.runDirect(runCtx, st, acquired, token, req)
		} else {
			c.runInteractive(runCtx, st, acquired, token, req)
		}
	}()

	return st, nil
}

func (c *Controller) validate(req Request) error {
	switch req.Mode {
	case ModeDirect:
		if strings.TrimSpace(req.Code) == "" {
			return fmt.Errorf("code is required for direct execution")
		}
	case ModeInteractive:
		if strings.TrimSpace(req.Message) == "" {
			return fmt.Errorf("message is required for interactive mode")
		}
		if c.gen == nil {
			return fmt.Errorf("no language model configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY)")
		}
	default:
		return fmt.Errorf("unknown mode %q", req.Mode)
	}
	return nil
}

// runDirect executes the submitted code and emits results, skipping the
// conversational cycle entirely.
func (c *Controller) runDirect(ctx context.Context, st *stream.Stream, sess *session.Session, token uint64, req Request) {
	st.Emit(event.Event{Type: event.TypeSystem, Content: "Executing R code..."})
	st.Emit(event.Event{Type: event.TypeFunctionStart, Function: "execute_r_code", Code: req.Code})
	st.Emit(event.Event{Type: event.TypeCodeFinal, Code: req.Code})

	res := c.execute(ctx, st, sess, req.Code, "direct", firstLine(req.Code))

	c.finishTurn(ctx, st, sess, token, req, res)
}

// runInteractive appends the user message, asks the collaborator for a
// reply, runs any returned code, and records the whole exchange before
// signaling readiness.
func (c *Controller) runInteractive(ctx context.Context, st *stream.Stream, sess *session.Session, token uint64, req Request) {
	if _, err := c.registry.AppendMessage(sess.ID, "user", req.Message); err != nil {
		c.registry.Release(sess.ID, token, "")
		st.Emit(event.Event{Type: event.TypeError, Content: fmt.Sprintf("storing message: %v", err)})
		return
	}

	history, err := c.registry.History(sess.ID)
	if err != nil {
		c.registry.Release(sess.ID, token, "")
		st.Emit(event.Event{Type: event.TypeError, Content: fmt.Sprintf("loading history: %v", err)})
		return
	}
	// The latest user message is passed separately.
	history = history[:len(history)-1]

	st.Emit(event.Event{Type: event.TypeSystem, Content: "Thinking..."})

	reply, err := c.gen.Generate(ctx, history, req.Message)
	if err != nil {
		c.registry.Release(sess.ID, token, "")
		st.Emit(event.Event{Type: event.TypeError, Content: fmt.Sprintf("language model failed: %v", err)})
		return
	}

	if reply.Text != "" {
		st.Emit(event.Event{Type: event.TypeCompleteContent, Content: reply.Text})
	}

	var res *rexec.Result
	if reply.Code != "" {
		st.Emit(event.Event{Type: event.TypeCodePreview, Code: reply.Code})
		st.Emit(event.Event{Type: event.TypeFunctionStart, Function: "execute_r_code", Code: reply.Code})

		res = c.execute(ctx, st, sess, reply.Code, "assistant", truncate(req.Message, 72))

		st.Emit(event.Event{Type: event.TypeCodeFinal, Code: reply.Code})

		// Execution feedback joins history as a function message so the next
		// turn can debug against it.
		if _, err := c.registry.AppendMessage(sess.ID, "function", summarize(reply.Code, res)); err != nil {
			log.Printf("Error storing function message for %s: %v", sess.ID, err)
		}
	}

	if _, err := c.registry.AppendMessage(sess.ID, "assistant", reply.Text); err != nil {
		log.Printf("Error storing assistant message for %s: %v", sess.ID, err)
	}

	c.finishTurn(ctx, st, sess, token, req, res)
}

// execute runs one code block, records artifacts and the code version, and
// emits the function_result event. It never releases the session.
func (c *Controller) execute(ctx context.Context, st *stream.Stream, sess *session.Session, code, source, description string) *rexec.Result {
	res := c.runner.Run(ctx, sess.WorkDir, code)

	arts, err := c.artifacts.Record(sess.ID, sess.WorkDir, res.Files)
	if err != nil {
		log.Printf("Error recording artifacts for %s: %v", sess.ID, err)
	}
	names := make([]string, 0, len(arts))
	for _, a := range arts {
		names = append(names, a.Name)
	}
	sort.Strings(names)

	if _, err := c.registry.AddCodeVersion(sess.ID, code, source, description); err != nil {
		log.Printf("Error storing code version for %s: %v", sess.ID, err)
	}

	st.Emit(event.Event{
		Type:                    event.TypeFunctionResult,
		Function:                "execute_r_code",
		Content:                 summarize(code, res),
		Output:                  res.Output,
		Code:                    code,
		Files:                   names,
		OutputDir:               sess.WorkDir,
		Success:                 res.Success,
		Elapsed:                 res.Elapsed.Seconds(),
		SimplificationAttempted: res.SimplificationAttempted,
		OriginalError:           res.OriginalError,
	})

	return res
}

// finishTurn releases the session per the outcome and emits the readiness
// events. A nil result means no code ran this turn.
func (c *Controller) finishTurn(ctx context.Context, st *stream.Stream, sess *session.Session, token uint64, req Request, res *rexec.Result) {
	interrupted := ctx.Err() != nil

	switch {
	case res == nil || res.Success:
		c.registry.Release(sess.ID, token, "")
	case interrupted && !res.TimedOut:
		// Failed-by-interrupt is a deliberate client action, not an error
		// state; the session goes straight back to Ready.
		st.Emit(event.Event{Type: event.TypeError, Content: "Execution interrupted"})
		c.registry.Release(sess.ID, token, "")
	default:
		st.Emit(event.Event{Type: event.TypeError, Content: res.Err})
		c.registry.Release(sess.ID, token, res.Err)
	}

	turn := c.registry.IncrementTurn(sess.ID)
	st.Emit(event.Event{
		Type:    event.TypeSessionReady,
		Content: "Session ready for next input. Variables and environment preserved.",
		Turn:    turn,
	})

	if req.Persistent {
		st.AnnouncePersistent()
	}
}

// summarize builds the execution feedback for the language model: specific
// accomplishments rather than a bare success flag, and never the raw data.
func summarize(code string, res *rexec.Result) string {
	if res == nil {
		return ""
	}
	if !res.Success {
		s := "R code execution failed"
		if res.Err != "" {
			s += ": " + res.Err
		}
		if res.SimplificationAttempted {
			s += " (simplified fallback also failed)"
		}
		return s
	}

	s := "R code executed successfully"
	if res.SimplificationAttempted {
		s = "R code executed after simplification (original failed: " + res.OriginalError + ")"
	}

	lower := strings.ToLower(code + "\n" + res.Output)
	var notes []string
	add := func(n string) { notes = append(notes, n) }

	if strings.Contains(lower, "write.csv(") || strings.Contains(lower, "write_csv(") {
		add("CSV file created")
	}
	if strings.Contains(lower, "write.table(") {
		add("table file written")
	}
	if strings.Contains(lower, "ggsave(") {
		add("plot saved")
	}
	if strings.Contains(lower, "data.frame(") || strings.Contains(lower, "tibble(") {
		add("data frame created")
	}
	if strings.Contains(lower, "summary(") {
		add("data summary computed")
	}
	if len(res.Files) > 0 {
		add(fmt.Sprintf("%d file(s) generated: %s", len(res.Files), strings.Join(res.Files, ", ")))
	}

	if len(notes) > 0 {
		s += ": " + strings.Join(notes, "; ")
	}
	return s
}

func firstLine(code string) string {
	for _, line := range strings.Split(code, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return truncate(s, 72)
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
