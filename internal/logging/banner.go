package logging

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"

	"github.com/windmill-labs/windmill-core/internal/config"
)

// Version information, overridable via -ldflags at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// PrintBanner displays the process startup banner the way the teacher's
// common.PrintBanner does (internal/common/banner.go), generalized from the
// single-process Quaero banner to whichever role (server/worker) is
// printing it.
func PrintBanner(role string, cfg *config.Config, logger arbor.ILogger) {
	serviceURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("WINDMILL-CORE")
	b.PrintCenteredText(role)
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", Version, 15)
	b.PrintKeyValue("Build", BuildTime, 15)
	b.PrintKeyValue("Environment", cfg.Environment, 15)
	if role == "server" {
		b.PrintKeyValue("Service URL", serviceURL, 15)
	}
	b.PrintKeyValue("Storage", cfg.Storage.Type, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("role", role).
		Str("version", Version).
		Str("build", BuildTime).
		Str("environment", cfg.Environment).
		Str("storage", cfg.Storage.Type).
		Msg("windmill-core started")
}

// PrintShutdownBanner mirrors the teacher's PrintShutdownBanner.
func PrintShutdownBanner(role string, logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText(role)
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Str("role", role).Msg("windmill-core shutting down")
}
