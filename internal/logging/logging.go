// Package logging wires up github.com/ternarybob/arbor the way the
// teacher's internal/common/logger.go does: console + rotating file +
// in-memory writers composed onto one arbor.ILogger, with the memory
// writer always present so a later HTTP/WebSocket layer can stream
// recent log lines without a second sink.
package logging

import (
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"

	"github.com/windmill-labs/windmill-core/internal/config"
)

// New builds the process logger from cfg, following the teacher's
// SetupLogger: file writer when "file" is listed in Output, console writer
// when "stdout"/"console" is listed, always a memory writer, and falls back
// to console-only if neither is configured so the process is never silent.
func New(cfg *config.LoggingConfig, logDir string) arbor.ILogger {
	logger := arbor.NewLogger()

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = "15:04:05.000"
	}

	hasFile, hasConsole := false, false
	for _, out := range cfg.Output {
		switch out {
		case "file":
			hasFile = true
		case "stdout", "console":
			hasConsole = true
		}
	}

	if hasFile {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			logger = logger.WithConsoleWriter(writerConfig(models.LogWriterTypeConsole, "", timeFormat))
			logger.Warn().Err(err).Str("logs_dir", logDir).Msg("failed to create logs directory, falling back to console")
		} else {
			logFile := filepath.Join(logDir, "windmill.log")
			logger = logger.WithFileWriter(writerConfig(models.LogWriterTypeFile, logFile, timeFormat))
		}
	}

	if hasConsole {
		logger = logger.WithConsoleWriter(writerConfig(models.LogWriterTypeConsole, "", timeFormat))
	}

	if !hasFile && !hasConsole {
		logger = logger.WithConsoleWriter(writerConfig(models.LogWriterTypeConsole, "", timeFormat))
		logger.Warn().Strs("configured_outputs", cfg.Output).Msg("no visible log outputs configured, falling back to console")
	}

	logger = logger.WithMemoryWriter(writerConfig(models.LogWriterTypeMemory, "", timeFormat))
	logger = logger.WithLevelFromString(cfg.Level)

	return logger
}

func writerConfig(t models.LogWriterType, filename, timeFormat string) models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:             t,
		FileName:         filename,
		TimeFormat:       timeFormat,
		DisableTimestamp: false,
		MaxSize:          100 * 1024 * 1024,
		MaxBackups:       3,
	}
}

// Stop flushes any remaining writer buffers; safe to call multiple times.
func Stop() {
	arborcommon.Stop()
}
