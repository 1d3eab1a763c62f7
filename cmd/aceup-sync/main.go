// aceup-sync is the offline-first synchronization daemon and management
// CLI for the AceUp student planner backend.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "aceup-sync",
	Short: "Offline-first sync engine for AceUp",
	Long: `aceup-sync keeps the local planner database and the CouchDB backend
in step. Reads always answer from the local SQLite store; writes land
locally first and replay to the backend when connectivity allows.

Run 'aceup-sync daemon' to keep the stores reconciled continuously, or
'aceup-sync sync' for a single pass.`,
	SilenceUsage: true,
}

func main() {
	// .env is a development convenience; missing is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ./aceup-sync.yaml)")
}
