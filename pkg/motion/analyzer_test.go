package motion

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/wachiwi/printer-cam/pkg/broadcast"
	"github.com/wachiwi/printer-cam/pkg/camera"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// After advances virtual time immediately, so cooldowns take no real time.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

type recordingUploader struct {
	mu     sync.Mutex
	frames []*camera.Frame
	times  []time.Time
	clock  Clock
	err    error
}

func (u *recordingUploader) Upload(_ context.Context, frame *camera.Frame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.frames = append(u.frames, frame)
	if u.clock != nil {
		u.times = append(u.times, u.clock.Now())
	}
	return u.err
}

func (u *recordingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.frames)
}

// scriptedMetric returns the given values in order, then repeats the last one.
func scriptedMetric(values ...float64) Metric {
	var mu sync.Mutex
	return func(_, _ *image.Gray) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		v := values[0]
		if len(values) > 1 {
			values = values[1:]
		}
		return v, nil
	}
}

func grayFrame(seq uint64) *camera.Frame {
	return &camera.Frame{Data: make([]byte, 4*4), Width: 4, Height: 4, Format: camera.FormatGray, Seq: seq}
}

func defaultConfig(clock Clock, metric Metric) Config {
	return Config{
		Threshold:       12,
		WaitAfterMotion: 30 * time.Second,
		NLoops:          15,
		WaitAfterNLoops: 5 * time.Second,
		Metric:          metric,
		Clock:           clock,
	}
}

func TestThresholdBoundary(t *testing.T) {
	tests := []struct {
		diff float64
		want Outcome
	}{
		{diff: 11, want: OutcomeStill},
		{diff: 11.999, want: OutcomeStill},
		{diff: 12, want: OutcomeMotion},
		{diff: 13, want: OutcomeMotion},
	}
	for _, tt := range tests {
		uploader := &recordingUploader{}
		a := New(nil, uploader, defaultConfig(newFakeClock(), scriptedMetric(tt.diff)))

		if got := a.Observe(context.Background(), grayFrame(1)); got != OutcomeReference {
			t.Fatalf("First frame: expected reference, got %s", got)
		}
		got := a.Observe(context.Background(), grayFrame(2))
		if got != tt.want {
			t.Errorf("diff=%v: expected %s, got %s", tt.diff, tt.want, got)
		}
		wantUploads := 0
		if tt.want == OutcomeMotion {
			wantUploads = 1
		}
		if uploader.count() != wantUploads {
			t.Errorf("diff=%v: expected %d uploads, got %d", tt.diff, wantUploads, uploader.count())
		}
	}
}

func TestNoSecondTriggerDuringMotionCooldown(t *testing.T) {
	clock := newFakeClock()
	uploader := &recordingUploader{clock: clock}
	a := New(nil, uploader, defaultConfig(clock, scriptedMetric(100)))
	ctx := context.Background()

	a.Observe(ctx, grayFrame(1))
	if got := a.Observe(ctx, grayFrame(2)); got != OutcomeMotion {
		t.Fatalf("Expected motion, got %s", got)
	}
	if a.Status().State != CooldownAfterMotion {
		t.Fatalf("Expected cooldown after motion, got %s", a.Status().State)
	}

	// Every frame in the next 30 seconds exceeds the threshold but must be ignored.
	for i := 0; i < 29; i++ {
		clock.Advance(time.Second)
		if got := a.Observe(ctx, grayFrame(uint64(3+i))); got != OutcomeCooling {
			t.Fatalf("At +%ds: expected cooling, got %s", i+1, got)
		}
	}
	clock.Advance(999 * time.Millisecond)
	if got := a.Observe(ctx, grayFrame(40)); got != OutcomeCooling {
		t.Fatalf("Just before the cooldown ends: expected cooling, got %s", got)
	}

	clock.Advance(time.Millisecond)
	// Cooldown over: the reference was dropped, so one frame re-seeds it.
	if got := a.Observe(ctx, grayFrame(41)); got != OutcomeReference {
		t.Fatalf("Expected a fresh reference after the cooldown, got %s", got)
	}
	if got := a.Observe(ctx, grayFrame(42)); got != OutcomeMotion {
		t.Fatalf("Expected motion after the cooldown, got %s", got)
	}

	if uploader.count() != 2 {
		t.Fatalf("Expected 2 uploads, got %d", uploader.count())
	}
	if gap := uploader.times[1].Sub(uploader.times[0]); gap < 30*time.Second {
		t.Errorf("Uploads only %v apart", gap)
	}
}

func TestWindowCooldownAfterNLoops(t *testing.T) {
	clock := newFakeClock()
	cfg := defaultConfig(clock, scriptedMetric(0))
	cfg.NLoops = 3
	a := New(nil, &recordingUploader{}, cfg)
	ctx := context.Background()

	want := []Outcome{OutcomeReference, OutcomeStill, OutcomeStill, OutcomeWindowDone}
	for i, w := range want {
		if got := a.Observe(ctx, grayFrame(uint64(i+1))); got != w {
			t.Fatalf("Frame %d: expected %s, got %s", i+1, w, got)
		}
	}

	status := a.Status()
	if status.State != CooldownAfterWindow {
		t.Fatalf("Expected window cooldown, got %s", status.State)
	}
	if want := clock.Now().Add(5 * time.Second); !status.CooldownUntil.Equal(want) {
		t.Errorf("Expected cooldown until %v, got %v", want, status.CooldownUntil)
	}

	clock.Advance(4 * time.Second)
	if got := a.Observe(ctx, grayFrame(10)); got != OutcomeCooling {
		t.Fatalf("Expected no comparison during the window cooldown, got %s", got)
	}

	clock.Advance(time.Second)
	// The reference survives a window cooldown, so comparing resumes at once.
	if got := a.Observe(ctx, grayFrame(11)); got != OutcomeStill {
		t.Fatalf("Expected comparison to resume, got %s", got)
	}
	if c := a.Status().Comparisons; c != 1 {
		t.Errorf("Expected counter reset to 1 after resuming, got %d", c)
	}
}

func TestZeroNLoopsDisablesWindowing(t *testing.T) {
	cfg := defaultConfig(newFakeClock(), scriptedMetric(0))
	cfg.NLoops = 0
	a := New(nil, &recordingUploader{}, cfg)

	a.Observe(context.Background(), grayFrame(1))
	for i := 0; i < 100; i++ {
		if got := a.Observe(context.Background(), grayFrame(uint64(i+2))); got != OutcomeStill {
			t.Fatalf("Comparison %d: expected still, got %s", i, got)
		}
	}
}

func TestInvalidFrameIsNotCounted(t *testing.T) {
	a := New(nil, &recordingUploader{}, defaultConfig(newFakeClock(), scriptedMetric(0)))
	ctx := context.Background()

	a.Observe(ctx, grayFrame(1))
	a.Observe(ctx, grayFrame(2))
	before := a.Status()

	corrupt := &camera.Frame{Data: []byte("garbage"), Format: camera.FormatJPEG, Seq: 3}
	if got := a.Observe(ctx, corrupt); got != OutcomeInvalid {
		t.Fatalf("Expected invalid, got %s", got)
	}

	after := a.Status()
	if after.Comparisons != before.Comparisons || after.State != before.State || after.Triggers != 0 {
		t.Errorf("Invalid frame changed state: before %+v, after %+v", before, after)
	}

	// The next good frame is compared against the last good reference.
	if got := a.Observe(ctx, grayFrame(4)); got != OutcomeStill {
		t.Errorf("Expected still after the invalid frame, got %s", got)
	}
}

func TestUploadErrorDoesNotStopDetection(t *testing.T) {
	clock := newFakeClock()
	uploader := &recordingUploader{err: errors.New("endpoint down")}
	a := New(nil, uploader, defaultConfig(clock, scriptedMetric(50)))
	ctx := context.Background()

	a.Observe(ctx, grayFrame(1))
	if got := a.Observe(ctx, grayFrame(2)); got != OutcomeMotion {
		t.Fatalf("Expected motion, got %s", got)
	}
	clock.Advance(30 * time.Second)
	a.Observe(ctx, grayFrame(3))
	if got := a.Observe(ctx, grayFrame(4)); got != OutcomeMotion {
		t.Fatalf("Expected motion after a failed upload, got %s", got)
	}
}

func TestRunConsumesSlotAndStops(t *testing.T) {
	clock := newFakeClock()
	slot := broadcast.NewSlot()
	uploader := &recordingUploader{}
	cfg := defaultConfig(clock, scriptedMetric(0, 0, 100))
	a := New(slot, uploader, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for uploader.count() == 0 {
		slot.Publish(grayFrame(0))
		select {
		case <-deadline:
			t.Fatal("Analyzer never triggered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
