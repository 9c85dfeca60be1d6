package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daysync/daysync/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "sync",
	Short:   "Run concurrent tabs against one in-memory store",
	Long: `Simulate several tabs editing the same day records at once.

Each tab is a full engine sharing one in-memory store and broadcast hub and
uploading to one in-memory remote. The run reports write latency, upload
counts and any key whose newest edit did not survive.

Examples:
  # Four tabs, a week of days, 50 edits each
  daysync loadtest

  # More contention
  daysync loadtest --tabs 16 --keys 2 --edits 200

  # Output as JSON
  daysync loadtest --json
`,
	RunE: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("tabs", 4, "Number of concurrent tabs")
	loadtestCmd.Flags().Int("keys", 7, "Number of day records edited")
	loadtestCmd.Flags().Int("edits", 50, "Edits per tab")
	loadtestCmd.Flags().Int64("seed", 42, "Random seed")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	tabs, _ := cmd.Flags().GetInt("tabs")
	keys, _ := cmd.Flags().GetInt("keys")
	edits, _ := cmd.Flags().GetInt("edits")
	seed, _ := cmd.Flags().GetInt64("seed")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if tabs <= 0 || keys <= 0 || edits <= 0 {
		return fmt.Errorf("--tabs, --keys and --edits must be positive")
	}

	config := loadtest.DefaultConfig()
	config.Tabs = tabs
	config.Keys = keys
	config.EditsPerTab = edits
	config.Seed = seed

	out := cmd.OutOrStdout()
	if !jsonOutput {
		fmt.Fprintf(out, "Running load test: %d tabs, %d keys, %d edits/tab\n\n", tabs, keys, edits)
	}

	result, err := loadtest.Run(cmd.Context(), config)
	if err != nil {
		return err
	}

	if jsonOutput {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
	} else {
		result.Print(out)
	}

	if len(result.LostEdits) > 0 {
		return fmt.Errorf("%d keys lost their newest edit", len(result.LostEdits))
	}
	return nil
}
