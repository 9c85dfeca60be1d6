// Package config loads daysync settings from an optional YAML file and
// DAYSYNC_* environment variables.
//
// Precedence, highest first: environment, file, defaults. Nested keys map to
// environment names with dots replaced by underscores, so queue.owner_delay
// is DAYSYNC_QUEUE_OWNER_DELAY.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "DAYSYNC"

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "daysync.yaml"

// Transport kinds.
const (
	TransportNone     = "none"
	TransportHTTP     = "http"
	TransportPostgres = "postgres"
)

// Broadcast kinds.
const (
	BroadcastNone = "none"
	BroadcastDir  = "dir"
	BroadcastHub  = "hub"
)

// Config is the complete daysync configuration.
type Config struct {
	Owner     string          `mapstructure:"owner" yaml:"owner"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`
	Daemon    DaemonConfig    `mapstructure:"daemon" yaml:"daemon"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// StoreConfig selects the local record store. An empty Path keeps records in
// memory.
type StoreConfig struct {
	Path        string `mapstructure:"path" yaml:"path"`
	KeyPrefix   string `mapstructure:"key_prefix" yaml:"key_prefix"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	CompressMin int    `mapstructure:"compress_min" yaml:"compress_min"`
}

// SyncConfig holds the autosave and guard settings.
type SyncConfig struct {
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce"`
	GuardDuration  time.Duration `mapstructure:"guard_duration" yaml:"guard_duration"`
	GuardKeyClass  string        `mapstructure:"guard_key_class" yaml:"guard_key_class"`
	MaxInlineBytes int           `mapstructure:"max_inline_bytes" yaml:"max_inline_bytes"`
}

// QueueConfig holds upload queue settings.
type QueueConfig struct {
	UseIdentity   bool          `mapstructure:"use_identity" yaml:"use_identity"`
	IdentityDelay time.Duration `mapstructure:"identity_delay" yaml:"identity_delay"`
	OwnerDelay    time.Duration `mapstructure:"owner_delay" yaml:"owner_delay"`
	RetryBase     time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	RetryMax      time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	RetryAttempts int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout" yaml:"flush_timeout"`
}

// TransportConfig selects the remote store.
type TransportConfig struct {
	Kind    string `mapstructure:"kind" yaml:"kind"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Token   string `mapstructure:"token" yaml:"token"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// BroadcastConfig selects the cross-process bus.
type BroadcastConfig struct {
	Kind    string `mapstructure:"kind" yaml:"kind"`
	HubAddr string `mapstructure:"hub_addr" yaml:"hub_addr"`
	HubURL  string `mapstructure:"hub_url" yaml:"hub_url"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// DaemonConfig holds background process settings.
type DaemonConfig struct {
	PullInterval  time.Duration `mapstructure:"pull_interval" yaml:"pull_interval"`
	DrainInterval time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	MetricsAddr   string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// LogConfig controls log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

var defaults = map[string]any{
	"owner": "",

	"store.path":         "",
	"store.key_prefix":   "daysync",
	"store.compress":     false,
	"store.compress_min": 512,

	"sync.debounce":         500 * time.Millisecond,
	"sync.guard_duration":   3 * time.Second,
	"sync.guard_key_class":  "dayv2_",
	"sync.max_inline_bytes": 100000,

	"queue.use_identity":   false,
	"queue.identity_delay": 300 * time.Millisecond,
	"queue.owner_delay":    500 * time.Millisecond,
	"queue.retry_base":     time.Second,
	"queue.retry_max":      30 * time.Second,
	"queue.retry_attempts": 5,
	"queue.flush_timeout":  10 * time.Second,

	"transport.kind":     TransportNone,
	"transport.base_url": "",
	"transport.api_key":  "",
	"transport.token":    "",
	"transport.dsn":      "",

	"broadcast.kind":     BroadcastNone,
	"broadcast.hub_addr": "127.0.0.1:7717",
	"broadcast.hub_url":  "ws://127.0.0.1:7717/ws",
	"broadcast.dir":      "",

	"daemon.pull_interval":  30 * time.Second,
	"daemon.drain_interval": time.Minute,
	"daemon.probe_interval": 15 * time.Second,
	"daemon.metrics_addr":   "",

	"log.file":         "",
	"log.max_size_mb":  10,
	"log.max_backups":  3,
	"log.max_age_days": 28,
	"log.compress":     true,
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	cfg, err := decode(newViper(false))
	if err != nil {
		// Defaults are static; a decode failure is a programming error.
		panic(err)
	}
	return cfg
}

// Load reads configuration. With an empty path, daysync.yaml in the working
// directory is used when present. A named path must exist.
func Load(path string) (*Config, error) {
	v := newViper(true)

	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			v.SetConfigFile(DefaultFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", DefaultFile, err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(env bool) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	// Every key has a default, so AutomaticEnv sees all of them during
	// Unmarshal.
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if env {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the kinds and the settings they require.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport.Kind {
	case TransportNone, TransportHTTP:
	case TransportPostgres:
		if c.Transport.DSN == "" {
			errs = append(errs, errors.New("transport.dsn is required for the postgres transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", c.Transport.Kind))
	}

	switch c.Broadcast.Kind {
	case BroadcastNone, BroadcastHub:
	case BroadcastDir:
		if c.Broadcast.Dir == "" {
			errs = append(errs, errors.New("broadcast.dir is required for the dir broadcast"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broadcast.kind %q", c.Broadcast.Kind))
	}

	if c.Queue.RetryAttempts < 0 {
		errs = append(errs, errors.New("queue.retry_attempts cannot be negative"))
	}
	if c.Store.KeyPrefix == "" {
		errs = append(errs, errors.New("store.key_prefix cannot be empty"))
	}
	return errors.Join(errs...)
}
