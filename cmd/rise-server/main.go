package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/risedotdev/rise/internal/app"
	"github.com/risedotdev/rise/internal/config"
)

func main() {
	configDir := flag.String("config-dir", "config", "directory holding default.{toml,yaml,yml} and overlays")
	runMode := flag.String("run-mode", os.Getenv("RISE_RUN_MODE"), "configuration overlay to apply (e.g. production)")
	flag.Parse()

	cfg, err := config.Load(*configDir, *runMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
