package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/daysync/daysync/internal/auth"
	"github.com/daysync/daysync/internal/broadcast"
	"github.com/daysync/daysync/internal/config"
	"github.com/daysync/daysync/internal/daemon"
	"github.com/daysync/daysync/internal/engine"
	"github.com/daysync/daysync/internal/identity"
	"github.com/daysync/daysync/internal/netstatus"
	"github.com/daysync/daysync/internal/queue"
	"github.com/daysync/daysync/internal/record"
	"github.com/daysync/daysync/internal/store"
	"github.com/daysync/daysync/internal/transport"
)

// runtime is one fully wired engine plus the resources it owns.
type runtime struct {
	cfg    *config.Config
	logger *log.Logger

	store     store.Store
	transport transport.Transport
	pinger    netstatus.Pinger
	status    *netstatus.Status
	bus       broadcast.Bus
	engine    *engine.Engine

	closers []func() error
}

// logOutput returns the log destination: a rotating file when one is
// configured, stderr otherwise.
func logOutput(cfg *config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}

func componentLogger(out io.Writer, name string) *log.Logger {
	return log.New(out, "["+name+"] ", log.LstdFlags)
}

// engineConfig maps file settings onto the engine's configuration.
func engineConfig(cfg *config.Config, logger *log.Logger) *engine.Config {
	ec := engine.DefaultConfig()
	ec.KeyPrefix = cfg.Store.KeyPrefix
	ec.Owner = cfg.Owner
	ec.UseIdentityQueue = cfg.Queue.UseIdentity
	ec.Debounce = cfg.Sync.Debounce
	ec.GuardDuration = cfg.Sync.GuardDuration
	ec.GuardKeyClass = cfg.Sync.GuardKeyClass
	ec.IdentityDelay = cfg.Queue.IdentityDelay
	ec.OwnerDelay = cfg.Queue.OwnerDelay
	ec.Retry = queue.RetryPolicy{
		BaseDelay:   cfg.Queue.RetryBase,
		MaxDelay:    cfg.Queue.RetryMax,
		MaxAttempts: cfg.Queue.RetryAttempts,
	}
	if cfg.Sync.MaxInlineBytes > 0 {
		ec.Attachments.MaxInlineBytes = cfg.Sync.MaxInlineBytes
	}
	ec.Logger = logger
	return ec
}

// daemonConfig maps file settings onto the daemon's configuration.
func daemonConfig(cfg *config.Config, logger *log.Logger) *daemon.Config {
	return &daemon.Config{
		PullInterval:  cfg.Daemon.PullInterval,
		DrainInterval: cfg.Daemon.DrainInterval,
		FlushTimeout:  cfg.Queue.FlushTimeout,
		MetricsAddr:   cfg.Daemon.MetricsAddr,
		Logger:        logger,
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	codec := store.DefaultCodec()
	codec.Compress = cfg.Store.Compress
	if cfg.Store.CompressMin > 0 {
		codec.MinSize = cfg.Store.CompressMin
	}
	if cfg.Store.Path == "" {
		return store.NewMemory(codec), nil
	}
	st, err := store.Open(cfg.Store.Path, codec)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", cfg.Store.Path, err)
	}
	return st, nil
}

// openTransport returns nil for local-only operation.
func openTransport(ctx context.Context, cfg *config.Config, tokens transport.TokenSource) (transport.Transport, netstatus.Pinger, error) {
	switch cfg.Transport.Kind {
	case config.TransportHTTP:
		t := transport.NewHTTP(cfg.Transport.BaseURL, tokens, cfg.Transport.APIKey, nil)
		return t, t, nil
	case config.TransportPostgres:
		p, err := transport.NewPostgres(cfg.Transport.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := p.EnsureTables(ctx); err != nil {
			_ = p.Close()
			return nil, nil, err
		}
		return p, p, nil
	default:
		return nil, nil, nil
	}
}

// openBus returns nil when broadcasting is disabled.
func openBus(cfg *config.Config, origin string, logger *log.Logger) (broadcast.Bus, error) {
	switch cfg.Broadcast.Kind {
	case config.BroadcastDir:
		dc := broadcast.DefaultDirConfig()
		dc.Logger = logger
		b, err := broadcast.NewDirBus(cfg.Broadcast.Dir, origin, dc)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BroadcastHub:
		c, err := broadcast.NewWSClient(broadcast.WSClientConfig{
			URL:    cfg.Broadcast.HubURL,
			Origin: origin,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, nil
	}
}

// openRuntime wires the store, transport, session, network status,
// broadcast bus and engine described by cfg.
func openRuntime(ctx context.Context, cfg *config.Config, out io.Writer) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: componentLogger(out, "daysync")}
	defer func() {
		if err != nil {
			_ = rt.closeResources()
			rt = nil
		}
	}()

	if rt.store, err = openStore(cfg); err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, rt.store.Close)

	var session engine.Auth = auth.Static{User: ownerOrLocal(cfg.Owner)}
	var tokens transport.TokenSource
	if raw := strings.TrimSpace(cfg.Transport.Token); raw != "" {
		tok := auth.NewToken(nil, componentLogger(out, "auth"))
		if err = tok.SetToken(raw); err != nil {
			return rt, fmt.Errorf("failed to load token: %w", err)
		}
		session, tokens = tok, tok
	}

	if rt.transport, rt.pinger, err = openTransport(ctx, cfg, tokens); err != nil {
		return rt, err
	}
	if c, ok := rt.transport.(io.Closer); ok {
		rt.closers = append(rt.closers, c.Close)
	}
	// Without a transport the queues hold everything until one is
	// configured.
	rt.status = netstatus.New(rt.transport != nil)

	if rt.bus, err = openBus(cfg, identity.New(), componentLogger(out, "broadcast")); err != nil {
		return rt, fmt.Errorf("failed to open broadcast bus: %w", err)
	}
	if rt.bus != nil {
		rt.closers = append(rt.closers, rt.bus.Close)
	}

	rt.engine, err = engine.New(ctx, engine.Options{
		Store:     rt.store,
		Transport: rt.transport,
		Auth:      session,
		Network:   rt.status,
		Broadcast: rt.bus,
		Config:    engineConfig(cfg, componentLogger(out, "engine")),
	})
	if err != nil {
		return rt, fmt.Errorf("failed to start engine: %w", err)
	}
	return rt, nil
}

func ownerOrLocal(owner string) string {
	if owner == "" {
		return "local"
	}
	return owner
}

// probe returns a network probe for the configured transport, or nil.
func (r *runtime) probe(out io.Writer) *netstatus.Probe {
	if r.pinger == nil {
		return nil
	}
	pc := netstatus.DefaultProbeConfig()
	pc.Interval = r.cfg.Daemon.ProbeInterval
	pc.Logger = componentLogger(out, "netstatus")
	return netstatus.NewProbe(r.pinger, r.status, pc)
}

// Close stops the engine, then releases the bus, transport and store in
// reverse order of opening.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	if r.engine != nil {
		errs = append(errs, r.engine.Close(ctx))
	}
	errs = append(errs, r.closeResources())
	return errors.Join(errs...)
}

func (r *runtime) closeResources() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// loadRuntime loads configuration and wires a runtime.
func loadRuntime(ctx context.Context, out io.Writer) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return openRuntime(ctx, cfg, out)
}

// parsePayload decodes a JSON object given on the command line.
func parsePayload(raw string) (map[string]any, error) {
	rec, err := record.Decode("", []byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return rec.Payload, nil
}
