package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/printer-cam/pkg/config"
	"github.com/wachiwi/printer-cam/pkg/logger"
	"github.com/wachiwi/printer-cam/pkg/telemetry"
)

func main() {
	gin.SetMode(gin.ReleaseMode)

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}
	logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, "printer-cam", cfg.OTelEndpoint)
	if err != nil {
		logger.Fatal("Failed to setup telemetry", "error", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("Error shutting down telemetry", "error", err)
		}
	}()

	slog.Info("Starting printer camera",
		"port", cfg.Port,
		"width", cfg.Width, "height", cfg.Height,
		"rotation", cfg.Rotation,
		"fps", cfg.FPS,
		"detect", cfg.Detect)

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Fatal("Startup failed", "error", err)
	}
	if err := a.run(ctx); err != nil {
		logger.Fatal("Stopped with error", "error", err)
	}
}
