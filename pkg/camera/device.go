package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// staleAfter bounds how long Capture waits for the capture process to deliver a frame.
const staleAfter = 5 * time.Second

// restartDelay is the minimum time between an exit of the capture process and its restart.
const restartDelay = time.Second

type commandFunc func(Config) (*exec.Cmd, error)

// deviceSource runs a persistent capture process (rpicam-vid or ffmpeg) in
// MJPEG mode and parses its stdout into frames. This avoids the overhead of
// restarting the camera hardware for every frame.
type deviceSource struct {
	config  Config
	command commandFunc

	mu           sync.Mutex
	cmd          *exec.Cmd
	exited       chan struct{}
	exitedAt     time.Time
	restartDelay time.Duration
	closed       bool

	// frames holds up to config.Buffer parsed frames; the oldest is dropped when full.
	frames chan []byte
}

func newDeviceSource(config Config, command commandFunc) *deviceSource {
	return &deviceSource{
		config:       config,
		command:      command,
		restartDelay: restartDelay,
		frames:       make(chan []byte, config.Buffer),
	}
}

// open starts the capture process and waits for the first frame.
func (d *deviceSource) open(ctx context.Context) error {
	exited, _, err := d.ensureRunning()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer cancel()
	data, err := d.next(ctx, exited)
	if err != nil {
		return fmt.Errorf("%w: no frame within %s: %v", ErrDeviceUnavailable, d.config.StartupTimeout, err)
	}
	d.push(data)
	return nil
}

// Capture returns the most recent frame produced by the capture process.
// If the process has exited it is restarted first, but not sooner than
// restartDelay after the exit.
func (d *deviceSource) Capture(ctx context.Context) (*Frame, error) {
	exited, wait, err := d.ensureRunning()
	for err == nil && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		exited, wait, err = d.ensureRunning()
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, staleAfter)
	defer cancel()
	data, err := d.next(ctx, exited)
	if err != nil {
		return nil, err
	}

	return &Frame{
		Data:      data,
		Width:     d.config.Width,
		Height:    d.config.Height,
		Format:    FormatJPEG,
		Timestamp: time.Now(),
	}, nil
}

// Close stops the capture process.
func (d *deviceSource) Close() error {
	d.mu.Lock()
	d.closed = true
	cmd, exited := d.cmd, d.exited
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to interrupt capture process", "error", err)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(3 * time.Second):
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill capture process: %w", err)
	}
	<-exited
	return nil
}

// ensureRunning starts the capture process if needed. A positive wait means
// the process exited less than restartDelay ago and must not be started yet.
func (d *deviceSource) ensureRunning() (<-chan struct{}, time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, 0, errors.New("camera is closed")
	}
	if d.cmd != nil {
		select {
		case <-d.exited:
			if wait := d.restartDelay - time.Since(d.exitedAt); wait > 0 {
				return nil, wait, nil
			}
			slog.Warn("Camera capture process exited, restarting")
			d.cmd = nil
		default:
			return d.exited, 0, nil
		}
	}

	cmd, err := d.command(d.config)
	if err != nil {
		return nil, 0, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	// Capture stderr for debugging
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	exited := make(chan struct{})
	d.cmd = cmd
	d.exited = exited
	slog.Info("Started camera capture process",
		"command", cmd.Path,
		"width", d.config.Width,
		"height", d.config.Height,
		"fps", d.config.FPS,
		"rotation", d.config.Rotation,
		"buffer", d.config.Buffer)

	go func() {
		d.pump(NewSplitter(stdout))
		// Wait only after all reads from the pipe have completed.
		if err := cmd.Wait(); err != nil {
			slog.Warn("Camera capture process exited", "error", err, "stderr", stderr.String())
		} else {
			slog.Info("Camera capture process exited cleanly")
		}
		d.mu.Lock()
		d.exitedAt = time.Now()
		d.mu.Unlock()
		close(exited)
	}()

	return exited, 0, nil
}

// pump feeds parsed frames into the buffer until the stream ends.
func (d *deviceSource) pump(splitter *Splitter) {
	for {
		data, err := splitter.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Error("Stream read error", "error", err)
			}
			return
		}
		d.push(data)
	}
}

func (d *deviceSource) push(data []byte) {
	for {
		select {
		case d.frames <- data:
			return
		default:
			select {
			case <-d.frames:
			default:
			}
		}
	}
}

// next blocks for one frame and then drains the buffer so the newest frame wins.
func (d *deviceSource) next(ctx context.Context, exited <-chan struct{}) ([]byte, error) {
	var data []byte
	select {
	case data = <-d.frames:
	case <-exited:
		// The pump may have pushed frames right before the process ended.
		select {
		case data = <-d.frames:
		default:
			return nil, errors.New("capture process exited")
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		select {
		case newer := <-d.frames:
			data = newer
		default:
			return data, nil
		}
	}
}
