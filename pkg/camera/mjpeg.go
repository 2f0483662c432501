package camera

import (
	"bytes"
	"io"
	"log/slog"
)

const (
	readChunkSize = 64 * 1024
	maxFrameSize  = 10 * 1024 * 1024 // 10MB limit
)

// JPEG markers
var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// Splitter extracts individual JPEG images from an MJPEG byte stream such as
// the stdout of rpicam-vid or ffmpeg.
type Splitter struct {
	r     io.Reader
	chunk []byte
	buf   []byte
	// scan is the offset in buf from which the next EOI search starts.
	scan int
	err  error
}

// NewSplitter returns a Splitter reading from r.
func NewSplitter(r io.Reader) *Splitter {
	return &Splitter{
		r:     r,
		chunk: make([]byte, readChunkSize),
	}
}

// Next returns the next complete JPEG image. The returned slice is owned by the caller.
// It returns the read error once the stream is exhausted.
func (s *Splitter) Next() ([]byte, error) {
	for {
		if frame, ok := s.extract(); ok {
			return frame, nil
		}
		if s.err != nil {
			return nil, s.err
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
		}
		if err != nil {
			s.err = err
			continue
		}

		// Prevent the buffer from growing indefinitely if no EOI shows up
		if len(s.buf) > maxFrameSize {
			slog.Warn("Frame buffer overflow, resetting", "size", len(s.buf))
			s.buf = s.buf[:0]
			s.scan = 0
		}
	}
}

func (s *Splitter) extract() ([]byte, bool) {
	start := bytes.Index(s.buf, soi)
	if start == -1 {
		// Keep a trailing 0xFF, it may be the first half of a split SOI.
		if len(s.buf) > 0 && s.buf[len(s.buf)-1] == 0xFF {
			s.buf = append(s.buf[:0], 0xFF)
		} else {
			s.buf = s.buf[:0]
		}
		s.scan = 0
		return nil, false
	}
	if start > 0 {
		s.discard(start)
	}

	from := s.scan
	if from < len(soi) {
		from = len(soi)
	}
	idx := bytes.Index(s.buf[from:], eoi)
	if idx == -1 {
		// Resume one byte back next time in case the EOI is split across reads.
		s.scan = len(s.buf) - 1
		return nil, false
	}

	end := from + idx + len(eoi)
	frame := make([]byte, end)
	copy(frame, s.buf[:end])
	// Anything after EOI is the start of the next frame.
	s.discard(end)
	return frame, true
}

func (s *Splitter) discard(n int) {
	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
	s.scan = 0
}
