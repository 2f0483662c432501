package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wachiwi/printer-cam/pkg/camera"
	"github.com/wachiwi/printer-cam/pkg/notify"
	"github.com/wachiwi/printer-cam/pkg/snapshot"
)

const DefaultSnapshotURL = "https://webcam.connect.prusa3d.com/c/snapshot"

// usageOutput receives the flag list for -h and --help.
var usageOutput io.Writer = os.Stderr

// Config is the complete runtime configuration.
type Config struct {
	Port   int
	Width  int
	Height int
	// Rotation is 0 or 180.
	Rotation int
	Buffer   int
	FPS      int

	CameraBackend string
	CameraDevice  string
	JPEGQuality   int

	Detect          bool
	MotionThreshold float64
	WaitAfterMotion time.Duration
	MotionNLoops    int
	WaitAfterNLoops time.Duration

	SnapshotURL      string
	Token            string
	TokenPath        string
	TokenTransport   string
	Fingerprint      string
	SnapshotDir      string
	UploadTimeout    time.Duration
	Retention        time.Duration
	PruneSchedule    string
	HistoryPath      string
	StreamWriteLimit time.Duration
	StreamIdle       time.Duration

	MQTTBroker   string
	MQTTTopic    string
	MQTTUser     string
	MQTTPassword string

	OTelEndpoint string
	LogLevel     string
}

// Camera returns the frame source settings.
func (c *Config) Camera() camera.Config {
	return camera.Config{
		Backend:  c.CameraBackend,
		Device:   c.CameraDevice,
		Width:    c.Width,
		Height:   c.Height,
		Rotation: c.Rotation,
		FPS:      c.FPS,
		Buffer:   c.Buffer,
		Quality:  c.JPEGQuality,
	}
}

// Uploader returns the snapshot upload settings. token is the resolved token.
func (c *Config) Uploader(token string) snapshot.Config {
	return snapshot.Config{
		URL:            c.SnapshotURL,
		Token:          token,
		TokenTransport: c.TokenTransport,
		Fingerprint:    c.Fingerprint,
		Dir:            c.SnapshotDir,
		Timeout:        c.UploadTimeout,
		Quality:        c.JPEGQuality,
	}
}

// Notify returns the MQTT settings; an empty broker disables notifications.
func (c *Config) Notify() notify.Config {
	return notify.Config{
		Broker:   c.MQTTBroker,
		Topic:    c.MQTTTopic,
		User:     c.MQTTUser,
		Password: c.MQTTPassword,
		ClientID: "printer-cam-" + c.Fingerprint[:min(8, len(c.Fingerprint))],
		Camera:   c.Fingerprint,
	}
}

// env reads typed values from getenv and remembers the first parse error.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

// duration accepts a Go duration ("90s") or a plain number of seconds ("30").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// ParseDuration parses a Go duration string or a number of seconds.
func ParseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// ParseResolution parses "WIDTHxHEIGHT".
func ParseResolution(v string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(v)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q, expected WIDTHxHEIGHT", v)
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q, expected WIDTHxHEIGHT", v)
	}
	return width, height, nil
}

// Load reads the environment through getenv, then applies command line flags
// from args (without the program name). Flags win over the environment.
// For -h the flag list is printed and the error wraps flag.ErrHelp.
func Load(args []string, getenv func(string) string) (*Config, error) {
	e := &env{getenv: getenv}
	home := e.str("HOME", "")

	cfg := &Config{
		Port:     e.int("PORT", 8000),
		Rotation: e.int("ROTATION", 180),
		Buffer:   e.int("BUFFER", 8),
		FPS:      e.int("FPS", 30),

		CameraBackend: e.str("CAMERA_BACKEND", camera.BackendDevice),
		CameraDevice:  e.str("CAMERA_DEVICE", ""),
		JPEGQuality:   e.int("JPEG_QUALITY", 80),

		Detect:          true,
		MotionThreshold: e.float("MOTION_THRESHOLD", 12),
		WaitAfterMotion: e.duration("WAIT_AFTER_MOTION", 30*time.Second),
		MotionNLoops:    e.int("MOTION_N_LOOPS", 15),
		WaitAfterNLoops: e.duration("WAIT_AFTER_N_LOOPS", 5*time.Second),

		SnapshotURL:      e.str("PRINTER_SNAPSHOT_URL", DefaultSnapshotURL),
		Token:            getenv("PRINTER_TOKEN"),
		TokenPath:        e.str("PRINTER_TOKEN_PATH", filepath.Join(home, ".api", "prusa", "token")),
		TokenTransport:   strings.ToLower(e.str("PRINTER_TOKEN_TRANSPORT", snapshot.TokenInHeader)),
		Fingerprint:      e.str("PRINTER_CAMERA_FINGERPRINT", ""),
		SnapshotDir:      e.str("SNAPSHOT_DIR", "/tmp"),
		UploadTimeout:    e.duration("UPLOAD_TIMEOUT", 10*time.Second),
		Retention:        e.duration("SNAPSHOT_RETENTION", 24*time.Hour),
		PruneSchedule:    e.str("SNAPSHOT_PRUNE_SCHEDULE", "@every 1h"),
		StreamWriteLimit: e.duration("STREAM_WRITE_TIMEOUT", 5*time.Second),
		StreamIdle:       e.duration("STREAM_IDLE_TIMEOUT", 2*time.Second),

		MQTTBroker:   e.str("MQTT_BROKER", ""),
		MQTTTopic:    e.str("MQTT_TOPIC", notify.DefaultTopic),
		MQTTUser:     e.str("MQTT_USER", ""),
		MQTTPassword: e.str("MQTT_PASSWORD", ""),

		OTelEndpoint: e.str("OTEL_ENDPOINT", ""),
		LogLevel:     e.str("LOG_LEVEL", "info"),
	}
	resolution := e.str("RESOLUTION", "1920x1080")
	if e.err != nil {
		return nil, e.err
	}

	fs := flag.NewFlagSet("printer-cam", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	noDetect := false
	for _, name := range []string{"f", "fps"} {
		fs.IntVar(&cfg.FPS, name, cfg.FPS, "Frames per second of the camera video")
	}
	for _, name := range []string{"p", "port"} {
		fs.IntVar(&cfg.Port, name, cfg.Port, "Port of the stream server")
	}
	for _, name := range []string{"r", "rot"} {
		fs.IntVar(&cfg.Rotation, name, cfg.Rotation, "Rotation of the camera video (0 or 180)")
	}
	for _, name := range []string{"s", "size"} {
		fs.StringVar(&resolution, name, resolution, "Resolution of the camera video, WIDTHxHEIGHT")
	}
	for _, name := range []string{"N", "no-detect"} {
		fs.BoolVar(&noDetect, name, false, "Only stream, do not detect motion")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(usageOutput, "Usage of printer-cam:")
			fs.SetOutput(usageOutput)
			fs.PrintDefaults()
		}
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	cfg.Detect = !noDetect

	var err error
	cfg.Width, cfg.Height, err = ParseResolution(resolution)
	if err != nil {
		return nil, err
	}
	if cfg.HistoryPath = e.str("HISTORY_PATH", ""); cfg.HistoryPath == "" {
		cfg.HistoryPath = filepath.Join(cfg.SnapshotDir, "uploads.json")
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = snapshot.DefaultFingerprint()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	if err := c.Camera().Validate(); err != nil {
		return err
	}
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("invalid JPEG quality %d", c.JPEGQuality))
	}
	if c.MotionThreshold < 0 {
		errs = append(errs, fmt.Errorf("invalid motion threshold %v", c.MotionThreshold))
	}
	if c.MotionNLoops < 0 {
		errs = append(errs, fmt.Errorf("invalid MOTION_N_LOOPS %d", c.MotionNLoops))
	}
	if c.WaitAfterMotion < 0 || c.WaitAfterNLoops < 0 {
		errs = append(errs, errors.New("cooldowns must not be negative"))
	}
	if c.TokenTransport != snapshot.TokenInHeader && c.TokenTransport != snapshot.TokenInQuery {
		errs = append(errs, fmt.Errorf("invalid PRINTER_TOKEN_TRANSPORT %q", c.TokenTransport))
	}
	return errors.Join(errs...)
}

// Addr is the stream server listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
