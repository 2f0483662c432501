package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/wachiwi/printer-cam/pkg/camera"
)

// ErrNoFrame is returned when no frame has been published yet.
var ErrNoFrame = errors.New("no frame available yet")

// Slot holds the newest frame. It has a single writer (the Broadcaster) and any
// number of readers. Publishing swaps a pointer under a short lock and never
// edits a published frame, so readers may keep the returned *Frame for as long
// as they like but must not modify it.
type Slot struct {
	mu      sync.RWMutex
	frame   *camera.Frame
	seq     uint64
	changed chan struct{}
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{changed: make(chan struct{})}
}

// Publish stores frame as the latest, assigns it the next sequence number and
// wakes every waiting reader. The caller gives up ownership of frame.
func (s *Slot) Publish(frame *camera.Frame) uint64 {
	s.mu.Lock()
	s.seq++
	frame.Seq = s.seq
	s.frame = frame
	changed := s.changed
	s.changed = make(chan struct{})
	s.mu.Unlock()

	close(changed)
	return frame.Seq
}

// Latest returns the newest frame, or ErrNoFrame before the first publish.
func (s *Slot) Latest() (*camera.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return nil, ErrNoFrame
	}
	return s.frame, nil
}

// Seq returns the sequence number of the newest frame (0 before the first publish).
func (s *Slot) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Wait blocks until a frame newer than after is available or ctx is done.
func (s *Slot) Wait(ctx context.Context, after uint64) (*camera.Frame, error) {
	for {
		s.mu.RLock()
		frame, changed := s.frame, s.changed
		s.mu.RUnlock()

		if frame != nil && frame.Seq > after {
			return frame, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
