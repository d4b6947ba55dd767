package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/sessions")
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: rweave serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var sessions []struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		Turns        int    `json:"turns"`
		Error        string `json:"error"`
		LastActivity string `json:"last_activity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTURNS\tLAST ACTIVITY")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, statusIcon(s.Status), s.Turns, s.LastActivity)
	}
	return w.Flush()
}

func statusIcon(status string) string {
	switch status {
	case "created":
		return "⏳ created"
	case "ready":
		return "✅ ready"
	case "executing":
		return "🔄 executing"
	case "error":
		return "❌ error"
	case "destroyed":
		return "🗑  destroyed"
	default:
		return status
	}
}
