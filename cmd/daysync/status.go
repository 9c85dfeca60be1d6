package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/daysync/daysync/internal/queue"
)

// statusReport is the output of the status command.
type statusReport struct {
	Store     string        `json:"store" yaml:"store"`
	Records   int           `json:"records" yaml:"records"`
	Transport string        `json:"transport" yaml:"transport"`
	Broadcast string        `json:"broadcast" yaml:"broadcast"`
	Online    bool          `json:"online" yaml:"online"`
	Pending   queue.Details `json:"pending" yaml:"pending"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store and upload queue status",
	Long: `Display the local store and the pending upload queue.

Shows:
  - Store location and number of records
  - Configured transport and broadcast backends
  - Pending uploads by queue and by record category
  - Queues halted by an authentication failure`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		ctx := cmd.Context()
		rt, err := loadRuntime(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer rt.Close(context.Background())

		report, err := buildStatus(ctx, rt)
		if err != nil {
			return err
		}
		return writeStatus(cmd.OutOrStdout(), report, format)
	},
}

func buildStatus(ctx context.Context, rt *runtime) (*statusReport, error) {
	keys, err := rt.store.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return &statusReport{
		Store:     displayPath(rt.cfg.Store.Path),
		Records:   len(keys),
		Transport: rt.cfg.Transport.Kind,
		Broadcast: rt.cfg.Broadcast.Kind,
		Online:    rt.status.Online(),
		Pending:   rt.engine.Details(),
	}, nil
}

func writeStatus(out io.Writer, r *statusReport, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q (want text, yaml or json)", format)
	}

	fmt.Fprintf(out, "\nDaysync Status\n\n")
	fmt.Fprintf(out, "Store: %s\n", r.Store)
	fmt.Fprintf(out, "Records: %d\n", r.Records)
	fmt.Fprintf(out, "Transport: %s\n", r.Transport)
	fmt.Fprintf(out, "Broadcast: %s\n", r.Broadcast)
	fmt.Fprintf(out, "Online: %v\n", r.Online)
	fmt.Fprintf(out, "\nPending uploads: %d (%d in flight)\n", r.Pending.Total, r.Pending.InFlight)
	fmt.Fprintf(out, "   Days: %d\n", r.Pending.Days)
	fmt.Fprintf(out, "   Products: %d\n", r.Pending.Products)
	fmt.Fprintf(out, "   Profile: %d\n", r.Pending.Profile)
	fmt.Fprintf(out, "   Other: %d\n", r.Pending.Other)

	names := make([]string, 0, len(r.Pending.ByQueue))
	for name := range r.Pending.ByQueue {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "   Queue %s: %d\n", name, r.Pending.ByQueue[name])
	}
	if len(r.Pending.Halted) > 0 {
		fmt.Fprintf(out, "\nHalted (sign in again to resume): %v\n", r.Pending.Halted)
	}
	fmt.Fprintln(out)
	return nil
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text, yaml or json")

	rootCmd.AddCommand(statusCmd)
}
