package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const boundary = "FRAME"

const streamHeader = "HTTP/1.1 200 OK\r\n" +
	"Age: 0\r\n" +
	"Cache-Control: no-cache, private\r\n" +
	"Pragma: no-cache\r\n" +
	"Content-Type: multipart/x-mixed-replace; boundary=" + boundary + "\r\n" +
	"Connection: close\r\n" +
	"\r\n"

// Stream serves the multipart MJPEG stream. The handler goroutine is the
// viewer's delivery loop; it only ever reads the latest frame, so a slow
// viewer skips frames instead of holding anything up.
func (s *Server) Stream(c *gin.Context) {
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		slog.Error("Streaming not supported", "error", err)
		c.String(http.StatusInternalServerError, "Streaming not supported")
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	s.viewerJoined("mjpeg", id, conn.RemoteAddr().String())
	delivered, err := s.serveMJPEG(conn)
	s.viewerLeft("mjpeg", id, delivered, err)
}

func (s *Server) serveMJPEG(conn net.Conn) (int, error) {
	if err := s.write(conn, net.Buffers{[]byte(streamHeader)}); err != nil {
		return 0, err
	}

	var last uint64
	delivered := 0
	for {
		frame, err := s.next(s.ctx, last)
		if err != nil {
			if s.ctx.Err() != nil {
				return delivered, nil
			}
			return delivered, err
		}
		if frame == nil {
			continue
		}
		data, err := s.encode(frame)
		if err != nil {
			slog.Warn("Skipping frame", "seq", frame.Seq, "error", err)
			last = frame.Seq
			continue
		}

		part := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(data))
		if err := s.write(conn, net.Buffers{[]byte(part), data, []byte("\r\n")}); err != nil {
			return delivered, err
		}
		last = frame.Seq
		delivered++
		if deliveredFrames != nil {
			deliveredFrames.Add(s.ctx, 1)
		}
	}
}

// write sends bufs under the per-write deadline.
func (s *Server) write(conn net.Conn, bufs net.Buffers) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	_, err := bufs.WriteTo(conn)
	return err
}

// WebSocket delivers the latest frame as one binary message per frame.
func (s *Server) WebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Error upgrading websocket connection", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	s.viewerJoined("websocket", id, conn.RemoteAddr().String())

	// Reading is only needed to notice the peer going away.
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	delivered, err := s.serveWebSocket(ctx, conn)
	s.viewerLeft("websocket", id, delivered, err)
}

func (s *Server) serveWebSocket(ctx context.Context, conn *websocket.Conn) (int, error) {
	var last uint64
	delivered := 0
	for ctx.Err() == nil {
		frame, err := s.next(ctx, last)
		if err != nil {
			return delivered, nil
		}
		if frame == nil {
			continue
		}
		data, err := s.encode(frame)
		if err != nil {
			last = frame.Seq
			continue
		}
		if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
			return delivered, err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return delivered, err
		}
		last = frame.Seq
		delivered++
		if deliveredFrames != nil {
			deliveredFrames.Add(s.ctx, 1)
		}
	}
	return delivered, nil
}
