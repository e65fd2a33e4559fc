package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// LoadFromFiles loads configuration with priority: default -> file1 -> ...
// -> env, the same order the teacher's LoadFromFiles documents
// (internal/common/config.go). Later files override earlier ones. CLI
// flags are not applied here; callers layer them on top afterwards with
// ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := Default()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.Storage.SQLite.Environment = cfg.Environment
	return cfg, nil
}

// applyEnvOverrides applies WINDMILL_-prefixed environment variable
// overrides, highest priority below CLI flags (mirrors
// internal/common/config.go applyEnvOverrides).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WINDMILL_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("WINDMILL_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("WINDMILL_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("WINDMILL_STORAGE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv("WINDMILL_WORKER_TAGS"); v != "" {
		cfg.Worker.Tags = strings.Split(v, ",")
	}
	if v := os.Getenv("WINDMILL_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WINDMILL_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("WINDMILL_TRIGGER_WEBHOOK_SECRET"); v != "" {
		cfg.Trigger.WebhookSecret = v
	}
}

// ApplyFlagOverrides applies CLI-flag overrides, the highest-priority layer
// (mirrors internal/common/config.go ApplyFlagOverrides). Zero values are
// treated as "not set".
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}
