package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRotation is returned for any rotation other than 0 or 180 degrees.
	ErrInvalidRotation = errors.New("rotation must be 0 or 180 degrees")
	// ErrDeviceUnavailable is returned when the capture device cannot be opened.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
)

// PixelFormat describes how Frame.Data is encoded.
type PixelFormat string

const (
	FormatJPEG PixelFormat = "jpeg"
	FormatGray PixelFormat = "gray8"
)

// Frame is one captured image.
// Data must not be modified once the frame has been handed to a Slot; every
// reader shares the same backing array.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    PixelFormat
	Timestamp time.Time

	// Seq is assigned when the frame is published. Zero means unpublished.
	Seq uint64
}

// Source produces frames from a camera.
type Source interface {
	// Capture returns the most recently captured frame, blocking until one is available.
	Capture(ctx context.Context) (*Frame, error)
	// Close releases the device.
	Close() error
}

const (
	BackendDevice  = "device"
	BackendPattern = "pattern"
)

// Config holds camera configuration
type Config struct {
	Backend string
	// Device overrides the platform default input (e.g. /dev/video1). Unused by rpicam-vid.
	Device   string
	Width    int
	Height   int
	Rotation int
	FPS      int
	// Buffer is the number of in-flight capture buffers.
	Buffer int
	// Quality is the JPEG quality for sources that encode frames themselves.
	Quality int
	// StartupTimeout bounds how long Open waits for the first frame.
	StartupTimeout time.Duration
}

// Validate checks the configuration before any device is touched.
func (c Config) Validate() error {
	if c.Rotation != 0 && c.Rotation != 180 {
		return fmt.Errorf("%w: got %d", ErrInvalidRotation, c.Rotation)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %d", c.FPS)
	}
	if c.Buffer <= 0 {
		return fmt.Errorf("invalid buffer depth %d", c.Buffer)
	}
	switch c.Backend {
	case "", BackendDevice, BackendPattern:
	default:
		return fmt.Errorf("unknown camera backend %q", c.Backend)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 80
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.Backend == "" {
		c.Backend = BackendDevice
	}
	return c
}

// Open validates the configuration and opens the configured backend.
// For the device backend it waits until the first frame arrives, so a
// returned Source is known to be producing video.
func Open(ctx context.Context, config Config) (Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	switch config.Backend {
	case BackendPattern:
		return NewPatternSource(config), nil
	default:
		src := newDeviceSource(config, deviceCommand)
		if err := src.open(ctx); err != nil {
			src.Close()
			return nil, err
		}
		return src, nil
	}
}
