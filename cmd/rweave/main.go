// rweave - interactive R execution sessions for clinical TFL work.
//
// Submit R code or a natural-language request, watch it run, keep the
// session's variables alive between turns.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "rweave",
	Short: "rweave - interactive R execution sessions",
	Long: `rweave runs R code in persistent server-side sessions built for
clinical table, figure, and listing generation.

  rweave serve                              Start the server
  rweave run script.R                       Execute an R script in a session
  rweave chat "plot AE counts by arm"       Talk to the assistant
  rweave list                               List sessions
  rweave status <id>                        Check session status
  rweave logs <id> --follow                 Stream session events`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("RWEAVE_SERVER", "http://localhost:7466"), "rweave server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
