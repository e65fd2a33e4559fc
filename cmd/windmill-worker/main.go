// Command windmill-worker runs the dispatcher/worker pool, flow executor,
// and reaper against the shared durable store (spec §4.1-§4.3, §4.5).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/windmill-labs/windmill-core/internal/cache"
	"github.com/windmill-labs/windmill-core/internal/common"
	"github.com/windmill-labs/windmill-core/internal/config"
	"github.com/windmill-labs/windmill-core/internal/deploy"
	"github.com/windmill-labs/windmill-core/internal/flow"
	"github.com/windmill-labs/windmill-core/internal/logging"
	"github.com/windmill-labs/windmill-core/internal/queue"
	"github.com/windmill-labs/windmill-core/internal/queue/rawqueue"
	"github.com/windmill-labs/windmill-core/internal/store/sqlite"
	"github.com/windmill-labs/windmill-core/internal/trigger"
)

var (
	configPath = flag.String("config", "", "configuration file path")
	tagsFlag   = flag.String("tags", "", "comma-separated worker tags override")
	scriptsDir = flag.String("scripts-dir", "./scripts", "root directory for deployed scripts and flows")
)

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
	logging.PrintBanner("worker", cfg, logger)

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
	runnables := deploy.NewStore(*scriptsDir)
	jobCache := cache.New(db)
	workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])

	flowExecutor := flow.NewExecutor(db, db, pusher, runnables.ResolveFlow, logger,
		config.Duration(cfg.Flow.WaitPollInterval, 500*time.Millisecond))

	executor := queue.NewScriptExecutor(db, logger, runnables.ResolveScript, flowExecutor.Handle, jobCache,
		config.Duration(cfg.Worker.DefaultTimeout, 30*time.Minute), pusher,
		config.Duration(cfg.Flow.WaitPollInterval, 500*time.Millisecond))

	workerTags := cfg.Worker.Tags
	if *tagsFlag != "" {
		workerTags = splitTags(*tagsFlag)
	}

	dispatcher := queue.New(db, notif, logger, queue.Config{
		Tags:         workerTags,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: config.Duration(cfg.Queue.PollInterval, time.Second),
		WorkerID:     workerID,
	}, executor.Handle)

	reaper := queue.NewReaper(db, logger,
		config.Duration(cfg.Worker.ReaperScanInterval, 15*time.Second),
		config.Duration(cfg.Worker.HeartbeatInterval, 5*time.Second)*3)

	var triggerRuntime *trigger.Runtime
	if cfg.Trigger.Enabled {
		triggerRuntime = trigger.NewRuntime(db, pusher, logger, workerID)
		triggerRuntime.Start()
	}

	dispatcher.Start()
	reaper.Start()

	logger.Info().Strs("tags", workerTags).Int("concurrency", cfg.Worker.Concurrency).Msg("windmill-worker ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logging.PrintShutdownBanner("worker", logger)
	dispatcher.Stop()
	reaper.Stop()
	if triggerRuntime != nil {
		triggerRuntime.Stop()
	}
}

func splitTags(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
