// Package daemon runs a sync engine as a long-lived background process.
//
// The daemon:
//  1. Pulls remote rows into the local store on an interval
//  2. Probes the remote store so queues drain as soon as it is reachable
//  3. Kicks the upload queues periodically in case a drain gave up
//  4. Serves Prometheus metrics when configured
//  5. On shutdown, flushes the pending queue with a timeout and closes the engine
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/daysync/daysync/internal/engine"
	"github.com/daysync/daysync/internal/metrics"
	"github.com/daysync/daysync/internal/netstatus"
)

// Config holds configuration for the daemon.
type Config struct {
	// PullInterval is how often remote rows are mirrored locally (0 disables pulls)
	PullInterval time.Duration

	// DrainInterval is how often the upload queues are kicked
	DrainInterval time.Duration

	// FlushTimeout bounds the final queue flush on shutdown
	FlushTimeout time.Duration

	// MetricsAddr serves /metrics when set, e.g. 127.0.0.1:9464
	MetricsAddr string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PullInterval:  30 * time.Second,
		DrainInterval: time.Minute,
		FlushTimeout:  10 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives an engine in the background.
type Daemon struct {
	engine *engine.Engine
	probe  *netstatus.Probe
	config *Config

	metricsLn  net.Listener
	metricsSrv *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New creates a daemon with default configuration. probe may be nil when the
// network state is managed elsewhere.
func New(e *engine.Engine, probe *netstatus.Probe) (*Daemon, error) {
	return NewWithConfig(e, probe, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(e *engine.Engine, probe *netstatus.Probe, config *Config) (*Daemon, error) {
	if e == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DrainInterval <= 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaults.FlushTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		engine: e,
		probe:  probe,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Start the metrics listener, if configured
//  2. Pull once, then on every PullInterval
//  3. Run the network probe, if any
//  4. Kick the upload queues on every DrainInterval
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.config.MetricsAddr != "" {
		if err := d.startMetrics(); err != nil {
			return err
		}
	}

	// Offline at startup is normal; the loop retries.
	d.pull()

	if d.config.PullInterval > 0 {
		d.wg.Add(1)
		go d.pullLoop()
	}
	if d.probe != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.probe.Run(d.ctx)
		}()
	}
	d.wg.Add(1)
	go d.drainLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop flushes pending uploads, closes the engine and shuts down. It is safe
// to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), d.config.FlushTimeout)
		defer cancel()
		if d.metricsSrv != nil {
			if err := d.metricsSrv.Shutdown(ctx); err != nil {
				d.config.Logger.Printf("Error stopping metrics server: %v", err)
			}
		}
		d.wg.Wait()

		if err := d.engine.Flush(ctx, false); err != nil {
			d.config.Logger.Printf("Error flushing local changes: %v", err)
		}
		if d.engine.FlushPendingQueue(d.config.FlushTimeout) {
			d.config.Logger.Println("Pending queue flushed")
		} else {
			d.config.Logger.Printf("Pending queue not flushed, %d items kept for next start", d.engine.PendingCount())
		}
		if err := d.engine.Close(ctx); err != nil {
			d.stopErr = fmt.Errorf("failed to close engine: %w", err)
		}

		d.config.Logger.Println("Daemon stopped")
	})
	return d.stopErr
}

// MetricsAddr returns the metrics listener address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsLn == nil {
		return ""
	}
	return d.metricsLn.Addr().String()
}

func (d *Daemon) startMetrics() error {
	ln, err := net.Listen("tcp", d.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	d.metricsLn = ln
	d.metricsSrv = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.config.Logger.Printf("Serving metrics on %s", ln.Addr())
		if err := d.metricsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.config.Logger.Printf("Metrics server error: %v", err)
		}
	}()
	return nil
}

// pull mirrors remote rows once. Failures are logged and retried next tick.
func (d *Daemon) pull() {
	if d.config.PullInterval <= 0 {
		return
	}
	if _, err := d.engine.PullOnce(d.ctx); err != nil {
		d.config.Logger.Printf("Error pulling remote rows: %v", err)
	}
}

func (d *Daemon) pullLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.pull()
		}
	}
}

// drainLoop re-arms the queues. A scheduler that exhausted its retries
// stays idle until something schedules it again.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if n := d.engine.PendingCount(); n > 0 {
				d.config.Logger.Printf("Kicking upload queues (%d pending)", n)
				d.engine.ScheduleDrain()
			}
		}
	}
}
