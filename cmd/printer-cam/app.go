package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wachiwi/printer-cam/pkg/broadcast"
	"github.com/wachiwi/printer-cam/pkg/camera"
	"github.com/wachiwi/printer-cam/pkg/config"
	"github.com/wachiwi/printer-cam/pkg/history"
	"github.com/wachiwi/printer-cam/pkg/motion"
	"github.com/wachiwi/printer-cam/pkg/notify"
	"github.com/wachiwi/printer-cam/pkg/snapshot"
	"github.com/wachiwi/printer-cam/pkg/stream"
)

// app owns every long-running part of the process.
type app struct {
	config      *config.Config
	source      camera.Source
	slot        *broadcast.Slot
	broadcaster *broadcast.Broadcaster
	analyzer    *motion.Analyzer
	pruner      *snapshot.Pruner
	notifier    *notify.MQTT
	server      *stream.Server
}

// newApp opens the camera and builds the pipeline. Errors are fatal at startup.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{config: cfg, slot: broadcast.NewSlot()}

	var uploader *snapshot.Uploader
	var store *history.Store
	if cfg.Detect {
		token, err := snapshot.ResolveToken(cfg.Token, cfg.TokenPath)
		if err != nil {
			return nil, fmt.Errorf("resolving printer token: %w", err)
		}
		store = history.NewStore(cfg.HistoryPath, cfg.Retention)
		uploader = snapshot.NewUploader(cfg.Uploader(token), store)

		if cfg.MQTTBroker != "" {
			// A missing broker only costs notifications, not detection.
			if a.notifier, err = notify.NewMQTT(cfg.Notify()); err != nil {
				slog.Error("MQTT notifications disabled", "error", err)
			} else {
				uploader.Notifier = a.notifier
			}
		}
	}

	source, err := camera.Open(ctx, cfg.Camera())
	if err != nil {
		return nil, fmt.Errorf("opening camera: %w", err)
	}
	a.source = source
	a.broadcaster = broadcast.New(source, a.slot, cfg.FPS)

	a.server = stream.New(a.slot, stream.Config{
		Addr:         cfg.Addr(),
		WriteTimeout: cfg.StreamWriteLimit,
		IdleTimeout:  cfg.StreamIdle,
		Quality:      cfg.JPEGQuality,
	})
	a.server.History = store

	if cfg.Detect {
		a.analyzer = motion.New(a.slot, uploader, motion.Config{
			Threshold:       cfg.MotionThreshold,
			WaitAfterMotion: cfg.WaitAfterMotion,
			NLoops:          cfg.MotionNLoops,
			WaitAfterNLoops: cfg.WaitAfterNLoops,
		})
		a.server.Detector = a.analyzer

		a.pruner, err = snapshot.NewPruner(cfg.SnapshotDir, cfg.Retention, cfg.PruneSchedule)
		if err != nil {
			source.Close()
			return nil, err
		}
	} else {
		slog.Info("Motion detection disabled")
	}
	return a, nil
}

// run starts all loops and blocks until ctx is cancelled or the HTTP server fails.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.broadcaster.Run(ctx)
	}()

	if a.analyzer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.analyzer.Run(ctx)
		}()
		a.pruner.Start()
	}

	go func() {
		if err := a.server.ListenAndServe(); err != nil {
			errs <- fmt.Errorf("stream server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case runErr = <-errs:
		slog.Error("Stream server failed", "error", runErr)
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error shutting down stream server", "error", err)
	}
	if a.pruner != nil {
		a.pruner.Stop()
	}
	wg.Wait()

	if a.notifier != nil {
		a.notifier.Close()
	}
	if err := a.source.Close(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Error closing camera", "error", err)
	}
	stats := a.broadcaster.Stats()
	slog.Info("Stopped", "frames_captured", stats.Captured, "capture_errors", stats.Errors)
	return runErr
}
