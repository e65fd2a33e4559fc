// Package sqlite wires the durable store on top of modernc.org/sqlite, the
// pure-Go driver the teacher uses (internal/storage/sqlite/connection.go),
// with goqite's table set up alongside it for the push notification queue
// (internal/queue/rawqueue); the dispatcher claims from the jobs and
// queue_entries tables, not from goqite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"
	_ "modernc.org/sqlite"

	"github.com/windmill-labs/windmill-core/internal/config"
	"github.com/windmill-labs/windmill-core/internal/store"
)

var _ store.Store = (*DB)(nil)

// DB wraps the process's single SQLite connection plus the goqite raw queue
// table it shares the file with.
type DB struct {
	db     *sql.DB
	logger arbor.ILogger
	config *config.SQLiteConfig
}

// Open creates the database connection, initializes the goqite schema and
// the windmill-core schema, and applies the pragmas the teacher applies
// (internal/storage/sqlite/connection.go configure()).
func Open(logger arbor.ILogger, cfg *config.SQLiteConfig) (*DB, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if cfg.ResetOnStartup {
		if cfg.Environment != "development" {
			logger.Warn().
				Str("environment", cfg.Environment).
				Msg("reset_on_startup is enabled but environment is not 'development' - ignoring reset request for safety")
		} else if err := resetDatabase(logger, cfg.Path); err != nil {
			return nil, fmt.Errorf("failed to reset database: %w", err)
		}
	}

	logger.Debug().Str("path", cfg.Path).Msg("opening database connection")

	// modernc.org/sqlite registers the "sqlite" driver name, not "sqlite3".
	sqldb, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite does not handle concurrent writers well; a single connection
	// avoids SQLITE_BUSY under the dispatcher's claim contention.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)

	d := &DB{db: sqldb, logger: logger, config: cfg}

	if err := goqite.Setup(context.Background(), sqldb); err != nil {
		if strings.Contains(err.Error(), "table goqite already exists") {
			logger.Debug().Msg("goqite queue schema already exists")
		} else {
			sqldb.Close()
			return nil, fmt.Errorf("failed to initialize goqite schema: %w", err)
		}
	}

	if err := d.configure(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := d.InitSchema(context.Background()); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("sqlite store initialized")
	return d, nil
}

func (d *DB) configure() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = -%d", d.config.CacheSizeMB*1024),
		fmt.Sprintf("PRAGMA busy_timeout = %d", d.config.BusyTimeoutMS),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if d.config.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := d.db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

// Conn returns the underlying *sql.DB for callers that need raw access
// (goqite's own Queue type, migrations, tests).
func (d *DB) Conn() *sql.DB { return d.db }

func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

// resetDatabase removes the db file and its WAL/SHM siblings. Development
// only; guarded by the caller.
func resetDatabase(logger arbor.ILogger, path string) error {
	logger.Warn().Str("path", path).Msg("resetting database (deleting all data)")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		p := path + suffix
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}
	return nil
}
