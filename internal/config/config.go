// Package config loads windmill-core's process configuration, following the
// teacher's layering: defaults -> file(s) -> environment -> CLI flags,
// implemented with github.com/pelletier/go-toml/v2 (internal/common/config.go
// in the teacher repo).
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration struct for both cmd/windmill-server and
// cmd/windmill-worker.
type Config struct {
	Environment string `toml:"environment"`

	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Queue   QueueConfig   `toml:"queue"`
	Worker  WorkerConfig  `toml:"worker"`
	Flow    FlowConfig    `toml:"flow"`
	Trigger TriggerConfig `toml:"trigger"`
	Auth    AuthConfig    `toml:"auth"`
	Cache   CacheConfig   `toml:"cache"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig configures the push/resume/trigger-admin HTTP surface (§6).
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig configures the durable store (§4, §6 "Persisted layout").
type StorageConfig struct {
	Type   string       `toml:"type"` // only "sqlite" is supported
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig mirrors the teacher's SQLiteConfig
// (internal/common/config.go StorageConfig.SQLite), adapted to our schema.
type SQLiteConfig struct {
	Path            string `toml:"path"`
	ResetOnStartup  bool   `toml:"reset_on_startup"`
	Environment     string `toml:"-"` // copied from Config.Environment at load time
	WALMode         bool   `toml:"wal_mode"`
	BusyTimeoutMS   int    `toml:"busy_timeout_ms"`
	CacheSizeMB     int    `toml:"cache_size_mb"`
}

// QueueConfig configures the dispatcher (§4.1).
type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`
	MaxReceive        int    `toml:"max_receive"`
	VisibilityTimeout string `toml:"visibility_timeout"`
}

// WorkerConfig configures the worker loop (§4.2, §4.3).
type WorkerConfig struct {
	Tags                []string `toml:"tags"`
	Concurrency         int      `toml:"concurrency"`
	HeartbeatInterval   string   `toml:"heartbeat_interval"`
	ReaperScanInterval  string   `toml:"reaper_scan_interval"`
	DefaultTimeout      string   `toml:"default_timeout"`
	CancelPollInterval  string   `toml:"cancel_poll_interval"`
	MaxLogBytes         int      `toml:"max_log_bytes"`
	SigintGrace         string   `toml:"sigint_grace"`
	SigtermGrace        string   `toml:"sigterm_grace"`
}

// FlowConfig configures the flow executor (§4.5).
type FlowConfig struct {
	DefaultSuspendTimeout string `toml:"default_suspend_timeout"`
	WaitPollInterval      string `toml:"wait_poll_interval"`
}

// TriggerConfig configures the trigger listener runtime (§4.6).
type TriggerConfig struct {
	Enabled        bool   `toml:"enabled"`
	PingInterval   string `toml:"ping_interval"`
	RescanInterval string `toml:"rescan_interval"`
	WebhookSecret  string `toml:"webhook_secret"`
}

// AuthConfig configures the auth & scope gate (§4.7).
type AuthConfig struct {
	JWTSecret        string `toml:"jwt_secret"`
	JWKSUrl          string `toml:"jwks_url"`
	IdentityCacheTTL string `toml:"identity_cache_ttl"`
	BruteForceWindow string `toml:"brute_force_window"`
	BruteForceMax    int    `toml:"brute_force_max"`
}

// CacheConfig configures the cache layer (§4.9).
type CacheConfig struct {
	LockfileTTL string `toml:"lockfile_ttl"`
	ResultTTL   string `toml:"result_ttl"`
}

// LoggingConfig mirrors the teacher's LoggingConfig
// (internal/common/config.go), arbor-backed.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// Default returns the baseline configuration, the way the teacher's
// NewDefaultConfig does (internal/common/config.go).
func Default() *Config {
	return &Config{
		Environment: "development",
		Server:      ServerConfig{Host: "localhost", Port: 8080},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path:          "./data/windmill.db",
				WALMode:       true,
				BusyTimeoutMS: 5000,
				CacheSizeMB:   64,
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			MaxReceive:        3,
			VisibilityTimeout: "5m",
		},
		Worker: WorkerConfig{
			Tags:               []string{"default"},
			Concurrency:        1,
			HeartbeatInterval:  "5s",
			ReaperScanInterval: "15s",
			DefaultTimeout:     "30m",
			CancelPollInterval: "500ms",
			MaxLogBytes:        2 * 1024 * 1024,
			SigintGrace:        "2s",
			SigtermGrace:       "2s",
		},
		Flow: FlowConfig{
			DefaultSuspendTimeout: "24h",
			WaitPollInterval:      "500ms",
		},
		Trigger: TriggerConfig{
			Enabled:        true,
			PingInterval:   "5s",
			RescanInterval: "15s",
		},
		Auth: AuthConfig{
			IdentityCacheTTL: "5m",
			BruteForceWindow: "1m",
			BruteForceMax:    20,
		},
		Cache: CacheConfig{
			LockfileTTL: "168h",
			ResultTTL:   "1h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// Duration parses a config duration field, falling back to def on error or
// empty input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// IsProduction reports whether the process is configured for production,
// gating dangerous dev-only behaviors (e.g. Storage.SQLite.ResetOnStartup),
// the same guard the teacher applies in storage/sqlite/connection.go.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{env=%s server=%s:%d storage=%s}", c.Environment, c.Server.Host, c.Server.Port, c.Storage.Type)
}
