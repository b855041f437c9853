package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashita-ai/shinkei"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SHINKEI_LOG_LEVEL") == "debug" {
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

// run boots the runtime with no external collaborators: every subsystem
// slot gets a stand-in, which is the standalone-shell mode used for
// development and smoke testing. Embedders wire real subsystems through
// the shinkei package options instead of this binary.
func run(ctx context.Context, logger *slog.Logger) error {
	sys, err := shinkei.New(
		shinkei.WithLogger(logger),
		shinkei.WithVersion(version),
	)
	if err != nil {
		return err
	}

	return sys.Run(ctx)
}
