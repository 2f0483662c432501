package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wachiwi/printer-cam/pkg/broadcast"
	"github.com/wachiwi/printer-cam/pkg/camera"
	"github.com/wachiwi/printer-cam/pkg/history"
	"github.com/wachiwi/printer-cam/pkg/motion"
	"github.com/wachiwi/printer-cam/pkg/snapshot"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	viewersGauge    metric.Int64UpDownCounter
	deliveredFrames metric.Int64Counter
)

func init() {
	var err error
	meter := otel.Meter("github.com/wachiwi/printer-cam/pkg/stream")
	viewersGauge, err = meter.Int64UpDownCounter("stream.viewers",
		metric.WithDescription("Number of connected stream viewers"),
		metric.WithUnit("{viewers}"),
	)
	if err != nil {
		slog.Error("Failed to create viewer metrics", "error", err)
	}
	deliveredFrames, err = meter.Int64Counter("stream.frames.delivered",
		metric.WithDescription("Total number of frames written to viewers"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		slog.Error("Failed to create delivery metrics", "error", err)
	}
}

// Frames is the read side of the latest-frame slot.
type Frames interface {
	Latest() (*camera.Frame, error)
	Wait(ctx context.Context, after uint64) (*camera.Frame, error)
}

// StatusReporter exposes the motion analyzer state for /healthz.
type StatusReporter interface {
	Status() motion.Status
}

type Config struct {
	Addr string
	// WriteTimeout bounds every single frame write to a viewer.
	WriteTimeout time.Duration
	// IdleTimeout is how long a viewer waits for a new frame before the
	// current one is sent again.
	IdleTimeout time.Duration
	// StaleAfter is the frame age at which /healthz reports the camera as stale.
	StaleAfter time.Duration
	Quality    int
}

// Server serves the live stream and a few status endpoints.
type Server struct {
	frames Frames
	config Config

	// Detector and History are optional.
	Detector StatusReporter
	History  *history.Store

	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	viewers    atomic.Int64

	// ctx ends every viewer loop on Shutdown; hijacked connections are not
	// tracked by http.Server.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(frames Frames, config Config) *Server {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 2 * time.Second
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 5 * time.Second
	}
	if config.Quality <= 0 {
		config.Quality = 80
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		frames: frames,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/", s.Stream)
	router.GET("/stream.mjpg", s.Stream)
	router.GET("/ws", s.WebSocket)
	router.GET("/snapshot.jpg", s.Snapshot)
	router.GET("/healthz", s.Health)
	router.GET("/api/events", s.Events)
	// Unknown GET paths serve the stream.
	router.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Status(http.StatusNotFound)
			return
		}
		s.Stream(c)
	})
	s.router = router

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Viewers returns the number of connected stream and websocket viewers.
func (s *Server) Viewers() int { return int(s.viewers.Load()) }

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	slog.Info("Stream server listening", "addr", s.config.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops all viewer loops and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) viewerJoined(kind, id, remote string) {
	n := s.viewers.Add(1)
	if viewersGauge != nil {
		viewersGauge.Add(context.Background(), 1)
	}
	slog.Info("Viewer connected", "kind", kind, "viewer", id, "remote", remote, "viewers", n)
}

func (s *Server) viewerLeft(kind, id string, delivered int, err error) {
	n := s.viewers.Add(-1)
	if viewersGauge != nil {
		viewersGauge.Add(context.Background(), -1)
	}
	attrs := []any{"kind", kind, "viewer", id, "frames", delivered, "viewers", n}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	slog.Info("Viewer disconnected", attrs...)
}

// next waits for a frame newer than last. When none arrives within the idle
// timeout it returns the current frame again so a dead peer is noticed on the
// next write. A nil frame with a nil error means there is nothing to send yet.
func (s *Server) next(ctx context.Context, last uint64) (*camera.Frame, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.config.IdleTimeout)
	frame, err := s.frames.Wait(waitCtx, last)
	cancel()
	if err == nil {
		return frame, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	frame, err = s.frames.Latest()
	if errors.Is(err, broadcast.ErrNoFrame) {
		return nil, nil
	}
	return frame, err
}

func (s *Server) encode(frame *camera.Frame) ([]byte, error) {
	return snapshot.Encode(frame, s.config.Quality)
}

// Snapshot serves the current frame as a single JPEG.
func (s *Server) Snapshot(c *gin.Context) {
	frame, err := s.frames.Latest()
	if err != nil {
		c.String(http.StatusServiceUnavailable, "Camera not available")
		return
	}
	data, err := s.encode(frame)
	if err != nil {
		slog.Error("Failed to encode snapshot", "error", err)
		c.String(http.StatusInternalServerError, "Failed to encode frame")
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// Health reports frame freshness, viewer count and the motion state. It fails
// before the first frame and when the newest frame is older than StaleAfter.
func (s *Server) Health(c *gin.Context) {
	body := gin.H{"viewers": s.Viewers()}
	status := http.StatusOK
	body["status"] = "ok"

	if frame, err := s.frames.Latest(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "waiting_for_camera"
	} else {
		age := time.Since(frame.Timestamp)
		body["seq"] = frame.Seq
		body["frame_age_ms"] = age.Milliseconds()
		if age > s.config.StaleAfter {
			status = http.StatusServiceUnavailable
			body["status"] = "stale"
		}
	}

	if s.Detector != nil {
		st := s.Detector.Status()
		motionBody := gin.H{
			"state":       st.State.String(),
			"comparisons": st.Comparisons,
			"last_diff":   st.LastDiff,
			"triggers":    st.Triggers,
		}
		if !st.CooldownUntil.IsZero() {
			motionBody["cooldown_until"] = st.CooldownUntil
		}
		body["motion"] = motionBody
	} else {
		body["motion"] = gin.H{"state": "disabled"}
	}
	c.JSON(status, body)
}

// Events lists recent snapshot uploads.
func (s *Server) Events(c *gin.Context) {
	if s.History == nil {
		c.JSON(http.StatusOK, []history.Event{})
		return
	}
	events, err := s.History.List()
	if err != nil {
		slog.Error("Failed to list upload events", "error", err)
		c.String(http.StatusInternalServerError, "Failed to read events")
		return
	}
	c.JSON(http.StatusOK, events)
}
