package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/wachiwi/printer-cam/pkg/camera"
	"github.com/wachiwi/printer-cam/pkg/history"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/wachiwi/printer-cam/pkg/snapshot"

var (
	tracer         = otel.Tracer(instrumentationName)
	uploadsCounter metric.Int64Counter
)

func init() {
	var err error
	meter := otel.Meter(instrumentationName)
	uploadsCounter, err = meter.Int64Counter("snapshot.uploads",
		metric.WithDescription("Total number of snapshot uploads by result"),
		metric.WithUnit("{uploads}"),
	)
	if err != nil {
		slog.Error("Failed to create upload metrics", "error", err)
	}
}

const (
	TokenInHeader = "header"
	TokenInQuery  = "query"
)

// filenameLayout is motion_<YYYY-MM-DD_HHMMSS>.jpg
const filenameLayout = "2006-01-02_150405"

// Filename returns the snapshot file name for a trigger at t, in local time.
func Filename(t time.Time) string {
	return "motion_" + t.In(time.Local).Format(filenameLayout) + ".jpg"
}

// Config holds the upload endpoint settings.
type Config struct {
	URL            string
	Token          string
	TokenTransport string
	Fingerprint    string
	// Dir is where snapshot files are written.
	Dir     string
	Timeout time.Duration
	Quality int
}

// Notifier is told about every upload attempt.
type Notifier interface {
	Notify(ctx context.Context, event history.Event) error
}

// Uploader persists snapshots and sends them to the monitoring endpoint.
type Uploader struct {
	config     Config
	HTTPClient *http.Client
	// Notifier is optional.
	Notifier Notifier
	history  *history.Store
}

// NewUploader creates an uploader. store may be nil.
func NewUploader(config Config, store *history.Store) *Uploader {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 80
	}
	if config.TokenTransport == "" {
		config.TokenTransport = TokenInHeader
	}
	return &Uploader{
		config:     config,
		HTTPClient: &http.Client{Timeout: config.Timeout},
		history:    store,
	}
}

// Upload encodes frame, writes it to the snapshot directory and POSTs it to
// the endpoint. Errors are returned for logging only; there is no retry.
// The file is named after the frame time, history events carry the attempt time.
func (u *Uploader) Upload(ctx context.Context, frame *camera.Frame) error {
	ctx, span := tracer.Start(ctx, "snapshot.upload")
	defer span.End()

	triggeredAt := frame.Timestamp
	if triggeredAt.IsZero() {
		triggeredAt = time.Now()
	}
	name := Filename(triggeredAt)
	span.SetAttributes(attribute.String("snapshot.name", name))

	data, err := Encode(frame, u.config.Quality)
	if err != nil {
		return u.fail(ctx, span, name, fmt.Errorf("failed to encode snapshot: %w", err))
	}

	path := filepath.Join(u.config.Dir, name)
	if err := os.MkdirAll(u.config.Dir, 0755); err != nil {
		return u.fail(ctx, span, name, fmt.Errorf("failed to create snapshot directory: %w", err))
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return u.fail(ctx, span, name, fmt.Errorf("failed to write snapshot: %w", err))
	}
	slog.Info("Saved snapshot", "file", path, "bytes", len(data))

	if err := u.send(ctx, data); err != nil {
		return u.fail(ctx, span, name, err)
	}

	slog.Info("Uploaded snapshot", "file", name, "url", u.config.URL)
	u.record(ctx, history.Event{Name: name, Status: history.StatusUploaded, Timestamp: time.Now()}, "success")
	return nil
}

func (u *Uploader) send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, u.config.Timeout)
	defer cancel()

	endpoint := u.config.URL
	if u.config.TokenTransport == TokenInQuery {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid snapshot url: %w", err)
		}
		q := parsed.Query()
		q.Set("token", u.config.Token)
		parsed.RawQuery = q.Encode()
		endpoint = parsed.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "image/jpg")
	if u.config.Fingerprint != "" {
		req.Header.Set("Fingerprint", u.config.Fingerprint)
	}
	if u.config.TokenTransport != TokenInQuery {
		req.Header.Set("Token", u.config.Token)
	}

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("error executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) // Read body for error context
		return fmt.Errorf("snapshot upload failed with status code %d: %s", resp.StatusCode, string(bodyBytes))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (u *Uploader) fail(ctx context.Context, span trace.Span, name string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	u.record(ctx, history.Event{Name: name, Status: history.StatusFailed, Error: err.Error(), Timestamp: time.Now()}, "failure")
	return err
}

func (u *Uploader) record(ctx context.Context, event history.Event, result string) {
	if uploadsCounter != nil {
		uploadsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if u.history != nil {
		if err := u.history.Add(event); err != nil {
			slog.Error("Error adding upload event", "error", err)
		}
	}
	if u.Notifier != nil {
		if err := u.Notifier.Notify(ctx, event); err != nil {
			slog.Warn("Error publishing upload event", "error", err)
		}
	}
}

// Encode returns frame as JPEG bytes. JPEG frames pass through unchanged.
func Encode(frame *camera.Frame, quality int) ([]byte, error) {
	switch frame.Format {
	case camera.FormatJPEG:
		if len(frame.Data) == 0 {
			return nil, fmt.Errorf("empty frame")
		}
		return frame.Data, nil
	case camera.FormatGray:
		if len(frame.Data) != frame.Width*frame.Height || frame.Width <= 0 {
			return nil, fmt.Errorf("gray frame has %d bytes for %dx%d", len(frame.Data), frame.Width, frame.Height)
		}
		img := &image.Gray{Pix: frame.Data, Stride: frame.Width, Rect: image.Rect(0, 0, frame.Width, frame.Height)}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %q", frame.Format)
	}
}
