// Package rexec runs blocks of R code in sandboxed Rscript child processes.
// The code itself is opaque text: the runner only knows how to execute it,
// capture output, detect success, and collect the files it produced.
package rexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// WorkspaceFile is the per-session R workspace image. Every run loads it on
// entry and saves it on exit, which is what carries variables across turns.
const WorkspaceFile = ".rweave_workspace.RData"

const scriptPattern = ".rweave_script_*.R"

// Result describes one execution, including the one-shot simplification
// fallback when the first attempt failed.
type Result struct {
	Success  bool
	Output   string
	Files    []string
	Elapsed  time.Duration
	Err      string
	TimedOut bool

	// SimplificationAttempted is true when the fallback re-run happened.
	// If the simplified run succeeded, OriginalError retains the first
	// failure; otherwise Err is the original error.
	SimplificationAttempted bool
	OriginalError           string
}

// Runner executes R code. It is stateless: all per-session state lives in
// the working directory it is handed.
type Runner struct {
	// Rscript is the interpreter binary (default "Rscript").
	Rscript string

	// Timeout is the hard wall-clock limit per child process.
	Timeout time.Duration

	// MaxOutput bounds combined stdout/stderr capture in bytes.
	MaxOutput int

	// Simplifier derives the fallback variant of failing code. Nil disables
	// the fallback.
	Simplifier Simplifier
}

// NewRunner creates a Runner with the default denylist simplifier.
func NewRunner(rscript string, timeout time.Duration, maxOutput int) *Runner {
	if rscript == "" {
		rscript = "Rscript"
	}
	return &Runner{
		Rscript:    rscript,
		Timeout:    timeout,
		MaxOutput:  maxOutput,
		Simplifier: NewDenylistSimplifier(),
	}
}

// Run executes code in workDir. On failure it tries exactly one simplified
// variant before settling on a result. Canceling ctx kills the child process.
func (r *Runner) Run(ctx context.Context, workDir, code string) *Result {
	res := r.runOnce(ctx, workDir, code)
	if res.Success || ctx.Err() != nil || r.Simplifier == nil {
		return res
	}

	simplified, ok := r.Simplifier.Simplify(code)
	if !ok {
		return res
	}

	retry := r.runOnce(ctx, workDir, simplified)
	retry.SimplificationAttempted = true
	if retry.Success {
		retry.OriginalError = res.Err
		return retry
	}

	// Both attempts failed: the original error is the real one.
	res.SimplificationAttempted = true
	return res
}

func (r *Runner) runOnce(ctx context.Context, workDir, code string) *Result {
	start := time.Now()

	script, err := os.CreateTemp(workDir, scriptPattern)
	if err != nil {
		return &Result{Err: fmt.Sprintf("creating script file: %v", err), Elapsed: time.Since(start)}
	}
	scriptPath := script.Name()
	defer os.Remove(scriptPath)

	full := r.wrapCode(workDir, code)
	if _, err := script.WriteString(full); err != nil {
		script.Close()
		return &Result{Err: fmt.Sprintf("writing script file: %v", err), Elapsed: time.Since(start)}
	}
	script.Close()

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.Rscript, scriptPath)
	cmd.Dir = workDir
	buf := &boundedBuffer{max: r.MaxOutput}
	cmd.Stdout = buf
	cmd.Stderr = buf
	// R code can fork its own children (system(), parallel workers) that
	// inherit the output pipes. Kill the whole process group on cancel, and
	// cap Wait so a survivor holding a pipe open cannot stall the run past
	// the deadline.
	setProcGroup(cmd)
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Output:  buf.String(),
		Files:   scanGenerated(workDir, start),
		Elapsed: elapsed,
	}

	switch {
	case runErr == nil:
		res.Success = true
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.Err = fmt.Sprintf("R execution timed out after %s", r.Timeout)
	case ctx.Err() != nil:
		res.Err = "R execution interrupted"
	default:
		res.Err = errorExcerpt(res.Output, runErr)
	}
	return res
}

// wrapCode surrounds user code with the session prolog and epilog: pin the
// working directory, load the previous workspace, and save it back so the
// next run sees this run's variables.
func (r *Runner) wrapCode(workDir, code string) string {
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		absDir = workDir
	}
	absDir = filepath.ToSlash(absDir)

	var b strings.Builder
	fmt.Fprintf(&b, "setwd(%q)\n", absDir)
	b.WriteString("options(warn = 1)\n")
	fmt.Fprintf(&b, "if (file.exists(%q)) load(%q)\n", WorkspaceFile, WorkspaceFile)
	b.WriteString("\n")
	b.WriteString(stripDirectoryPatterns(code))
	b.WriteString("\n")
	fmt.Fprintf(&b, "tryCatch(save.image(file = %q), error = function(e) cat(\"warning: workspace not saved:\", conditionMessage(e), \"\\n\"))\n", WorkspaceFile)
	return b.String()
}

// Generated code sometimes tries to set up its own nested output directory,
// which breaks the one-directory-per-session invariant. Strip those
// statements before execution.
var directoryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^[ \t]*session_dir\s*<-\s*["'][^"']*["'][^\n]*\n?`),
	regexp.MustCompile(`(?m)^[ \t]*setwd\([^\n]*execution_[^\n]*\)[^\n]*\n?`),
	regexp.MustCompile(`(?m)^[ \t]*dir\.create\([^\n]*outputs?/[^\n]*\)[^\n]*\n?`),
}

func stripDirectoryPatterns(code string) string {
	for _, p := range directoryPatterns {
		code = p.ReplaceAllString(code, "")
	}
	return code
}

// scanGenerated lists files in dir newer than start. Dotfiles (the script
// and workspace image) are never artifacts.
func scanGenerated(dir string, start time.Time) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	// Filesystem mtime granularity can be one second.
	cutoff := start.Add(-time.Second)

	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files
}

// errorExcerpt builds a short error message from the last lines of output.
func errorExcerpt(output string, runErr error) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	var tail []string
	for i := len(lines) - 1; i >= 0 && len(tail) < 3; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			tail = append([]string{s}, tail...)
		}
	}
	if len(tail) == 0 {
		return runErr.Error()
	}
	return fmt.Sprintf("%v: %s", runErr, strings.Join(tail, " | "))
}

// boundedBuffer captures at most max bytes and discards the rest.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 || b.buf.Len() < b.max {
		room := len(p)
		if b.max > 0 && b.buf.Len()+room > b.max {
			room = b.max - b.buf.Len()
			b.truncated = true
		}
		b.buf.Write(p[:room])
	} else {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n... [output truncated]"
	}
	return b.buf.String()
}
