package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"
)

// PatternSource generates synthetic frames for development and testing when
// no camera is attached. The red channel changes once per second.
type PatternSource struct {
	width    int
	height   int
	rotation int
	quality  int
	now      func() time.Time
}

// NewPatternSource creates a pattern source using the resolution, rotation and quality of config.
func NewPatternSource(config Config) *PatternSource {
	config = config.withDefaults()
	return &PatternSource{
		width:    config.Width,
		height:   config.Height,
		rotation: config.Rotation,
		quality:  config.Quality,
		now:      time.Now,
	}
}

// Capture renders and encodes one frame.
func (p *PatternSource) Capture(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := p.now()
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	color := byte(now.Unix() % 256)

	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			// Gradients run the other way when rotated, like a flipped sensor would.
			gx, gy := x, y
			if p.rotation == 180 {
				gx, gy = p.width-1-x, p.height-1-y
			}
			offset := y*img.Stride + x*4
			img.Pix[offset] = color
			img.Pix[offset+1] = byte((gx * 255) / p.width)
			img.Pix[offset+2] = byte((gy * 255) / p.height)
			img.Pix[offset+3] = 255
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	return &Frame{
		Data:      buf.Bytes(),
		Width:     p.width,
		Height:    p.height,
		Format:    FormatJPEG,
		Timestamp: now,
	}, nil
}

// Close is a no-op.
func (p *PatternSource) Close() error {
	return nil
}
