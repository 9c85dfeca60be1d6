// Command daysync runs and inspects the offline-first day record sync engine.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "daysync",
	Short: "Offline-first day record sync",
	Long: `daysync keeps day records in a local store and reconciles them with a
remote store over an unreliable network.

Local edits are debounced into the local store, announced to sibling
processes, and queued for upload. The queue survives restarts and drains
with exponential backoff whenever the remote store is reachable.

Configuration is read from daysync.yaml (or --config) and DAYSYNC_*
environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./daysync.yaml when present)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
