package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wachiwi/printer-cam/pkg/camera"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	framesCounter metric.Int64Counter
	errorsCounter metric.Int64Counter
)

func init() {
	var err error
	meter := otel.Meter("github.com/wachiwi/printer-cam/pkg/broadcast")
	framesCounter, err = meter.Int64Counter("camera.frames.captured",
		metric.WithDescription("Total number of frames published to viewers"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		slog.Error("Failed to create frame metrics", "error", err)
	}
	errorsCounter, err = meter.Int64Counter("camera.capture.errors",
		metric.WithDescription("Total number of failed capture attempts"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		slog.Error("Failed to create capture error metrics", "error", err)
	}
}

// Stats are counters of a running Broadcaster.
type Stats struct {
	Captured uint64
	Errors   uint64
}

// Broadcaster is the capture loop. It pulls frames from a Source at the
// configured frame rate and publishes them into a Slot.
type Broadcaster struct {
	source camera.Source
	slot   *Slot
	period time.Duration

	captured atomic.Uint64
	errors   atomic.Uint64
}

// New creates a Broadcaster publishing frames from source into slot at fps frames per second.
func New(source camera.Source, slot *Slot, fps int) *Broadcaster {
	if fps <= 0 {
		fps = 30
	}
	return &Broadcaster{
		source: source,
		slot:   slot,
		period: time.Second / time.Duration(fps),
	}
}

// Run captures until ctx is cancelled. When a capture takes longer than one
// frame period the loop continues immediately instead of catching up.
func (b *Broadcaster) Run(ctx context.Context) error {
	slog.Info("Frame broadcaster started", "period", b.period)
	defer slog.Info("Frame broadcaster stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		start := time.Now()

		frame, err := b.source.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.errors.Add(1)
			if errorsCounter != nil {
				errorsCounter.Add(ctx, 1)
			}
			slog.Warn("Error capturing frame", "error", err)
		} else {
			b.slot.Publish(frame)
			b.captured.Add(1)
			if framesCounter != nil {
				framesCounter.Add(ctx, 1)
			}
		}

		wait := b.period - time.Since(start)
		if wait <= 0 {
			// Capture already took a full period; free-run.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats returns the current capture counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Captured: b.captured.Load(),
		Errors:   b.errors.Load(),
	}
}
