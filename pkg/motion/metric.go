package motion

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"

	"github.com/wachiwi/printer-cam/pkg/camera"
	"golang.org/x/image/draw"
)

// DefaultSampleWidth is the width frames are scaled down to before comparison.
// Comparing full 1080p frames costs far more CPU than motion detection needs.
const DefaultSampleWidth = 160

// Metric returns a difference score between two luma images of equal size.
// Implementations must be deterministic and symmetric.
type Metric func(a, b *image.Gray) (float64, error)

// MeanSquaredError is the mean of squared per-pixel luma differences (0..65025).
func MeanSquaredError(a, b *image.Gray) (float64, error) {
	if a.Rect.Dx() != b.Rect.Dx() || a.Rect.Dy() != b.Rect.Dy() {
		return 0, fmt.Errorf("size mismatch: %v vs %v", a.Rect.Size(), b.Rect.Size())
	}
	w, h := a.Rect.Dx(), a.Rect.Dy()
	if w == 0 || h == 0 {
		return 0, fmt.Errorf("empty image")
	}

	var sum uint64
	for y := 0; y < h; y++ {
		rowA := a.Pix[y*a.Stride : y*a.Stride+w]
		rowB := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := range rowA {
			d := int(rowA[x]) - int(rowB[x])
			sum += uint64(d * d)
		}
	}
	return float64(sum) / float64(w*h), nil
}

// Luma decodes frame and returns its 8-bit luma scaled down to sampleWidth
// pixels wide, keeping the aspect ratio.
func Luma(frame *camera.Frame, sampleWidth int) (*image.Gray, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var src image.Image
	switch frame.Format {
	case camera.FormatGray:
		if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) != frame.Width*frame.Height {
			return nil, fmt.Errorf("gray frame has %d bytes for %dx%d", len(frame.Data), frame.Width, frame.Height)
		}
		src = &image.Gray{Pix: frame.Data, Stride: frame.Width, Rect: image.Rect(0, 0, frame.Width, frame.Height)}
	default:
		img, _, err := image.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame: %w", err)
		}
		src = img
	}

	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if sampleWidth <= 0 || sampleWidth > b.Dx() {
		sampleWidth = b.Dx()
	}
	sampleHeight := b.Dy() * sampleWidth / b.Dx()
	if sampleHeight == 0 {
		sampleHeight = 1
	}

	// The Y plane of a JPEG already is luma; only the size needs to change.
	if ycc, ok := src.(*image.YCbCr); ok {
		src = &image.Gray{Pix: ycc.Y, Stride: ycc.YStride, Rect: ycc.Rect}
	}

	dst := image.NewGray(image.Rect(0, 0, sampleWidth, sampleHeight))
	if sampleWidth == b.Dx() && sampleHeight == b.Dy() {
		draw.Draw(dst, dst.Rect, src, b.Min, draw.Src)
		return dst, nil
	}
	draw.ApproxBiLinear.Scale(dst, dst.Rect, src, b, draw.Src, nil)
	return dst, nil
}
