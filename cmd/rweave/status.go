package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Get the status of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs [session-id]",
	Short: "View session events",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var interruptCmd = &cobra.Command{
	Use:   "interrupt [session-id]",
	Short: "Interrupt the session's running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runInterrupt,
}

var restartCmd = &cobra.Command{
	Use:   "restart [session-id]",
	Short: "Restart a session with a clean workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow the live event stream")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(interruptCmd)
	rootCmd.AddCommand(restartCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]

	resp, err := http.Get(serverURL + "/api/sessions/" + id)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var sess struct {
		ID           string `json:"id"`
		WorkDir      string `json:"work_dir"`
		Status       string `json:"status"`
		Turns        int    `json:"turns"`
		Error        string `json:"error"`
		LastActivity string `json:"last_activity"`
		CreatedAt    string `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("Status:   %s\n", statusIcon(sess.Status))
	fmt.Printf("Turns:    %d\n", sess.Turns)
	fmt.Printf("Workdir:  %s\n", sess.WorkDir)
	fmt.Printf("Created:  %s\n", sess.CreatedAt)
	fmt.Printf("Active:   %s\n", sess.LastActivity)
	if sess.Error != "" {
		fmt.Printf("Error:    %s\n", sess.Error)
	}

	listArtifacts(id)
	return nil
}

func listArtifacts(id string) {
	resp, err := http.Get(serverURL + "/api/sessions/" + id + "/artifacts")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var arts []struct {
		Name     string `json:"name"`
		Category string `json:"category"`
		Size     int64  `json:"size"`
	}
	if json.NewDecoder(resp.Body).Decode(&arts) != nil || len(arts) == 0 {
		return
	}

	fmt.Println("Artifacts:")
	for _, a := range arts {
		fmt.Printf("  %-8s %8d  %s\n", a.Category, a.Size, a.Name)
	}
}

func runLogs(cmd *cobra.Command, args []string) error {
	id := args[0]

	req, _ := http.NewRequest("GET", serverURL+"/api/sessions/"+id+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	// Without --follow, stop at the first terminal event; with it, tail
	// across turns until interrupted.
	return renderStream(resp.Body, !logsFollow)
}

func runInterrupt(cmd *cobra.Command, args []string) error {
	return postAction(args[0], "interrupt")
}

func runRestart(cmd *cobra.Command, args []string) error {
	return postAction(args[0], "restart")
}

func postAction(id, action string) error {
	resp, err := http.Post(serverURL+"/api/sessions/"+id+"/"+action, "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}
	fmt.Printf("%s\n", body)
	return nil
}
