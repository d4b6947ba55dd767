package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	chatSession    string
	chatPersistent bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message to the session assistant",
	Long: `Send a natural-language request to the assistant. Generated R code runs
in the session and the results stream back. Reuse --session to iterate on
earlier work; the variables are still there.

Example:
  rweave chat "create a demographics table from adsl.csv"
  rweave chat "the AGE column is character, fix it" --session 1a2b3c4d`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session ID (empty creates a new session)")
	chatCmd.Flags().BoolVarP(&chatPersistent, "persistent", "p", false, "Keep the session open for follow-ups")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	message := strings.TrimSpace(args[0])
	if message == "" {
		return fmt.Errorf("message is empty")
	}

	return submit(map[string]any{
		"session_id": chatSession,
		"message":    message,
		"mode":       "interactive",
		"persistent": chatPersistent,
	})
}
