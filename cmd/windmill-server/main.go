// Command windmill-server exposes the HTTP push/resume/trigger-admin
// surface and runs the trigger listener runtime (spec §6, §4.6). It shares
// the durable store with windmill-worker but does not run the dispatcher
// itself — job execution is the worker process's job.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/windmill-labs/windmill-core/internal/api"
	"github.com/windmill-labs/windmill-core/internal/auth"
	"github.com/windmill-labs/windmill-core/internal/common"
	"github.com/windmill-labs/windmill-core/internal/config"
	"github.com/windmill-labs/windmill-core/internal/logging"
	"github.com/windmill-labs/windmill-core/internal/queue"
	"github.com/windmill-labs/windmill-core/internal/queue/rawqueue"
	"github.com/windmill-labs/windmill-core/internal/store/sqlite"
	"github.com/windmill-labs/windmill-core/internal/trigger"
)

var configPath = flag.String("config", "", "configuration file path")

func main() {
	flag.Parse()

	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.LoadFromFiles(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(&cfg.Logging, "./logs")
	defer logging.Stop()
	logging.PrintBanner("server", cfg, logger)

	db, err := sqlite.Open(logger, &cfg.Storage.SQLite)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	notif, err := rawqueue.Open(db.Conn(), "windmill-jobs")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open raw notification queue")
	}
	pusher := queue.NewPusher(db, notif)

	gate, err := auth.New(db, logger, auth.Config{
		CacheTTL:    config.Duration(cfg.Auth.IdentityCacheTTL, 5*time.Minute),
		JWKS:        auth.StaticSecretJWKS(cfg.Auth.JWTSecret),
		MaxFailures: cfg.Auth.BruteForceMax,
		BackoffBase: config.Duration(cfg.Auth.BruteForceWindow, time.Second) / time.Duration(max(cfg.Auth.BruteForceMax, 1)),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build auth gate")
	}

	serverID := fmt.Sprintf("server-%s", uuid.NewString()[:8])
	var triggerRuntime *trigger.Runtime
	if cfg.Trigger.Enabled {
		triggerRuntime = trigger.NewRuntime(db, pusher, logger, serverID)
		triggerRuntime.Start()
	}

	srv := api.New(cfg, logger, gate, pusher, db, db, db)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Msg("windmill-server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logging.PrintShutdownBanner("server", logger)
	if triggerRuntime != nil {
		triggerRuntime.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
}
