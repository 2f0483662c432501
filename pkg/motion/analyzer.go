package motion

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/wachiwi/printer-cam/pkg/camera"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	comparisonsCounter metric.Int64Counter
	triggersCounter    metric.Int64Counter
)

func init() {
	var err error
	meter := otel.Meter("github.com/wachiwi/printer-cam/pkg/motion")
	comparisonsCounter, err = meter.Int64Counter("motion.comparisons",
		metric.WithDescription("Total number of frame comparisons"),
		metric.WithUnit("{comparisons}"),
	)
	if err != nil {
		slog.Error("Failed to create comparison metrics", "error", err)
	}
	triggersCounter, err = meter.Int64Counter("motion.triggers",
		metric.WithDescription("Total number of motion events"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		slog.Error("Failed to create trigger metrics", "error", err)
	}
}

// State is the scheduling mode of the Analyzer.
type State int

const (
	Comparing State = iota
	CooldownAfterMotion
	CooldownAfterWindow
)

func (s State) String() string {
	switch s {
	case Comparing:
		return "comparing"
	case CooldownAfterMotion:
		return "cooldown_after_motion"
	case CooldownAfterWindow:
		return "cooldown_after_window"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Observe call.
type Outcome int

const (
	// OutcomeCooling means the analyzer is in a cooldown and did nothing.
	OutcomeCooling Outcome = iota
	// OutcomeInvalid means the frame could not be compared; nothing was counted.
	OutcomeInvalid
	// OutcomeReference means the frame became the comparison reference.
	OutcomeReference
	OutcomeStill
	// OutcomeWindowDone means the comparison window is exhausted and a cooldown started.
	OutcomeWindowDone
	OutcomeMotion
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCooling:
		return "cooling"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeReference:
		return "reference"
	case OutcomeStill:
		return "still"
	case OutcomeWindowDone:
		return "window_done"
	case OutcomeMotion:
		return "motion"
	default:
		return "unknown"
	}
}

// Uploader receives the frame that triggered a motion event.
type Uploader interface {
	Upload(ctx context.Context, frame *camera.Frame) error
}

// FrameWaiter is the read side of the latest-frame slot.
type FrameWaiter interface {
	Wait(ctx context.Context, after uint64) (*camera.Frame, error)
}

// Config holds the detection and duty-cycle settings.
type Config struct {
	// Threshold is the metric value at or above which motion is reported.
	Threshold float64
	// WaitAfterMotion is the cooldown after a trigger.
	WaitAfterMotion time.Duration
	// NLoops is the number of comparisons per window. Zero disables windowing.
	NLoops int
	// WaitAfterNLoops is the cooldown after a full window without motion.
	WaitAfterNLoops time.Duration
	// SampleWidth is the width frames are scaled to before comparison.
	SampleWidth int

	Metric Metric
	Clock  Clock
}

// Status is a point-in-time view of the analyzer for health reporting.
type Status struct {
	State         State
	Comparisons   int
	CooldownUntil time.Time
	LastDiff      float64
	Triggers      uint64
}

// Analyzer runs the duty-cycled motion detection loop.
//
// It compares consecutive frames in the Comparing state. A difference at or
// above the threshold uploads a snapshot and pauses for WaitAfterMotion, so two
// uploads are never closer than that. After NLoops quiet comparisons it pauses
// for WaitAfterNLoops, which bounds its CPU use regardless of activity.
type Analyzer struct {
	frames   FrameWaiter
	uploader Uploader
	config   Config

	mu            sync.Mutex
	state         State
	comparisons   int
	cooldownUntil time.Time
	lastDiff      float64
	triggers      uint64

	// reference is only touched by the goroutine calling Observe.
	reference *image.Gray
}

// New creates an analyzer reading frames from frames and reporting motion to uploader.
func New(frames FrameWaiter, uploader Uploader, config Config) *Analyzer {
	if config.Metric == nil {
		config.Metric = MeanSquaredError
	}
	if config.Clock == nil {
		config.Clock = RealClock
	}
	if config.SampleWidth == 0 {
		config.SampleWidth = DefaultSampleWidth
	}
	return &Analyzer{
		frames:   frames,
		uploader: uploader,
		config:   config,
		state:    Comparing,
	}
}

// Run processes frames until ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) error {
	slog.Info("Motion analyzer started",
		"threshold", a.config.Threshold,
		"wait_after_motion", a.config.WaitAfterMotion,
		"n_loops", a.config.NLoops,
		"wait_after_n_loops", a.config.WaitAfterNLoops)
	defer slog.Info("Motion analyzer stopped")

	var last uint64
	for {
		if until, cooling := a.cooldown(); cooling {
			if d := until.Sub(a.config.Clock.Now()); d > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-a.config.Clock.After(d):
				}
			}
		}

		frame, err := a.frames.Wait(ctx, last)
		if err != nil {
			return err
		}
		last = frame.Seq
		a.Observe(ctx, frame)
	}
}

// Observe runs one iteration of the state machine on frame.
// It must only be called from one goroutine at a time.
func (a *Analyzer) Observe(ctx context.Context, frame *camera.Frame) Outcome {
	now := a.config.Clock.Now()

	a.mu.Lock()
	if a.state != Comparing {
		if now.Before(a.cooldownUntil) {
			a.mu.Unlock()
			return OutcomeCooling
		}
		slog.Debug("Motion cooldown finished", "state", a.state)
		a.state = Comparing
		a.comparisons = 0
	}
	a.mu.Unlock()

	luma, err := Luma(frame, a.config.SampleWidth)
	if err != nil {
		slog.Warn("Skipping invalid frame", "seq", frame.Seq, "error", err)
		return OutcomeInvalid
	}
	if a.reference == nil {
		a.reference = luma
		return OutcomeReference
	}

	diff, err := a.config.Metric(a.reference, luma)
	if err != nil {
		// Most likely a resolution change; start over from this frame.
		slog.Warn("Skipping comparison", "seq", frame.Seq, "error", err)
		a.reference = luma
		return OutcomeInvalid
	}
	a.reference = luma
	if comparisonsCounter != nil {
		comparisonsCounter.Add(ctx, 1)
	}
	slog.Debug("Testing motion threshold", "diff", diff, "threshold", a.config.Threshold)

	a.mu.Lock()
	a.lastDiff = diff
	if diff >= a.config.Threshold {
		a.state = CooldownAfterMotion
		a.cooldownUntil = now.Add(a.config.WaitAfterMotion)
		a.comparisons = 0
		a.triggers++
		a.mu.Unlock()

		// The next comparison after the cooldown starts from a fresh reference.
		a.reference = nil
		a.trigger(ctx, frame, diff)
		return OutcomeMotion
	}

	a.comparisons++
	if a.config.NLoops > 0 && a.comparisons >= a.config.NLoops {
		a.state = CooldownAfterWindow
		a.cooldownUntil = now.Add(a.config.WaitAfterNLoops)
		a.comparisons = 0
		a.mu.Unlock()
		return OutcomeWindowDone
	}
	a.mu.Unlock()
	return OutcomeStill
}

func (a *Analyzer) trigger(ctx context.Context, frame *camera.Frame, diff float64) {
	slog.Info("Motion detected", "diff", diff, "threshold", a.config.Threshold, "seq", frame.Seq)
	if triggersCounter != nil {
		triggersCounter.Add(ctx, 1)
	}
	if a.uploader == nil {
		return
	}
	if err := a.uploader.Upload(ctx, frame); err != nil {
		slog.Warn("Snapshot upload failed", "error", err)
	}
}

func (a *Analyzer) cooldown() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cooldownUntil, a.state != Comparing
}

// Status returns the current scheduling state. Safe for concurrent use.
func (a *Analyzer) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		State:         a.state,
		Comparisons:   a.comparisons,
		CooldownUntil: a.cooldownUntil,
		LastDiff:      a.lastDiff,
		Triggers:      a.triggers,
	}
}
