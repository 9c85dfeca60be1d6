package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/daysync/daysync/internal/broadcast"
	"github.com/daysync/daysync/internal/config"
	"github.com/daysync/daysync/internal/daemon"
)

var flushCmd = &cobra.Command{
	Use:     "flush",
	GroupID: "sync",
	Short:   "Upload every pending item now",
	Long: `Drain the pending upload queues.

Exits non-zero when the queues do not empty within the timeout. Items that
were not uploaded stay queued for the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx := cmd.Context()
		rt, err := loadRuntime(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer rt.Close(context.Background())

		return runFlush(rt, cmd.OutOrStdout(), timeout)
	},
}

func runFlush(rt *runtime, out io.Writer, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = rt.cfg.Queue.FlushTimeout
	}
	pending := rt.engine.PendingCount()
	if pending == 0 {
		fmt.Fprintln(out, "Nothing to upload")
		return nil
	}

	start := time.Now()
	fmt.Fprintf(out, "Uploading %d pending items...\n", pending)
	if !rt.engine.FlushPendingQueue(timeout) {
		return fmt.Errorf("pending queue not flushed within %v, %d items remain", timeout, rt.engine.PendingCount())
	}
	fmt.Fprintf(out, "Flushed in %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync engine as a long-lived process.

The daemon will:
  1. Pull remote rows into the local store on an interval
  2. Probe the remote store and drain the queues when it is reachable
  3. Serve Prometheus metrics when daemon.metrics_addr is set
  4. Flush the pending queue on shutdown

Logs go to log.file with rotation when configured, stderr otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out := logOutput(cfg)
		if c, ok := out.(io.Closer); ok {
			defer c.Close()
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rt, err := openRuntime(ctx, cfg, out)
		if err != nil {
			return err
		}
		defer rt.Close(context.Background())

		d, err := daemon.NewWithConfig(rt.engine, rt.probe(out), daemonConfig(cfg, componentLogger(out, "daemon")))
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Starting daysync daemon...\n")
		fmt.Fprintf(cmd.OutOrStdout(), "   Store: %s\n", displayPath(cfg.Store.Path))
		fmt.Fprintf(cmd.OutOrStdout(), "   Transport: %s\n", cfg.Transport.Kind)
		fmt.Fprintf(cmd.OutOrStdout(), "   Broadcast: %s\n", cfg.Broadcast.Kind)
		fmt.Fprintf(cmd.OutOrStdout(), "\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		return nil
	},
}

var hubCmd = &cobra.Command{
	Use:     "hub",
	GroupID: "sync",
	Short:   "Run the websocket broadcast hub",
	Long: `Run the relay that carries record updates between daysync processes
configured with broadcast.kind: hub.

Endpoints:
  ws://ADDR/ws        relay
  http://ADDR/health  health check
  http://ADDR/metrics Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Broadcast.HubAddr
		}

		hub := broadcast.NewHub(&broadcast.HubConfig{
			Addr:   addr,
			Logger: componentLogger(logOutput(cfg), "hub"),
		})
		if err := hub.Start(); err != nil {
			return fmt.Errorf("failed to start hub: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Broadcast hub started on http://%s\n", hub.Addr())
		fmt.Fprintf(cmd.OutOrStdout(), "WebSocket endpoint: ws://%s/ws\n", hub.Addr())
		fmt.Fprintln(cmd.OutOrStdout(), "\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down broadcast hub...")
		return hub.Stop()
	},
}

func displayPath(path string) string {
	if path == "" {
		return "(memory)"
	}
	return path
}

func init() {
	flushCmd.Flags().Duration("timeout", 0, "How long to wait for the queues to empty (default: queue.flush_timeout)")
	hubCmd.Flags().String("addr", "", "Address to listen on (default: broadcast.hub_addr)")

	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(hubCmd)
}
