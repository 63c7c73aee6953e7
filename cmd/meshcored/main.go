package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"meshcored/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Initialize(ctx)
	if err != nil {
		slog.Error("initialize daemon", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rt.Close() }()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon stopped", "error", err)
		os.Exit(1)
	}
}
