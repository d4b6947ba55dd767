package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	runSession    string
	runCode       string
	runPersistent bool
)

var runCmd = &cobra.Command{
	Use:   "run [script.R]",
	Short: "Execute R code in a session",
	Long: `Execute an R script (or an inline expression via --code) in a session.
The session's variables and working directory persist, so a follow-up run
sees everything this one created.

Example:
  rweave run demog_table.R
  rweave run --code 'summary(adsl$AGE)' --session 1a2b3c4d`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID (empty creates a new session)")
	runCmd.Flags().StringVarP(&runCode, "code", "c", "", "Inline R code instead of a script file")
	runCmd.Flags().BoolVarP(&runPersistent, "persistent", "p", false, "Keep the session open for follow-ups")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	code := runCode
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading script: %w", err)
		}
		code = string(data)
	}
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("provide a script file or --code")
	}

	return submit(map[string]any{
		"session_id": runSession,
		"code":       code,
		"mode":       "direct",
		"persistent": runPersistent,
	})
}

// submit posts one request and renders the SSE stream until the end event.
func submit(payload map[string]any) error {
	body, _ := json.Marshal(payload)

	resp, err := http.Post(serverURL+"/api/sessions/submit", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: rweave serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return renderStream(resp.Body, true)
}

type streamEvent struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Content   string   `json:"content"`
	Code      string   `json:"code"`
	Output    string   `json:"output"`
	Files     []string `json:"files_generated"`
	OutputDir string   `json:"output_directory"`
	Turn      int      `json:"turn"`
	Elapsed   float64  `json:"execution_time"`
	Success   bool     `json:"success"`
}

// renderStream prints SSE events as they arrive. When stopAtEnd is false the
// stream is followed until the server closes it.
func renderStream(r io.Reader, stopAtEnd bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "system":
			fmt.Printf("\033[36m[%s]\033[0m %s\n", ev.SessionID, ev.Content)
		case "complete_content", "content":
			fmt.Println(ev.Content)
		case "code_preview", "code_final":
			// The function events already show the code in context.
		case "function_start":
			fmt.Printf("\033[36m[running]\033[0m\n%s\n", strings.TrimRight(ev.Code, "\n"))
		case "function_result":
			if ev.Output != "" {
				fmt.Println(strings.TrimRight(ev.Output, "\n"))
			}
			if ev.Success {
				fmt.Printf("\033[32m✓ %s\033[0m (%.1fs)\n", ev.Content, ev.Elapsed)
			}
			if len(ev.Files) > 0 {
				fmt.Printf("  files: %s\n", strings.Join(ev.Files, ", "))
			}
		case "session_ready":
			fmt.Printf("\033[36m[session %s]\033[0m ready (turn %d)\n", ev.SessionID, ev.Turn)
		case "error":
			fmt.Fprintf(os.Stderr, "\033[31m[error]\033[0m %s\n", ev.Content)
		case "end":
			if stopAtEnd {
				return nil
			}
		}
	}
	return scanner.Err()
}
