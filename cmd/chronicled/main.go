package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loreweave/chronicle"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CHRONICLE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// run hosts the store as a standalone process. All configuration comes
// from the environment; Run blocks until the signal context cancels and
// shuts the app down on its way out.
func run(ctx context.Context, logger *slog.Logger) error {
	app, err := chronicle.New(
		chronicle.WithLogger(logger),
		chronicle.WithVersion(version),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
