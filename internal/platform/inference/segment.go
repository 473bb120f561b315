package inference

import (
	"context"
	"errors"
	"math"

	"github.com/ehr/radpipe/internal/platform/imaging"
)

// Placeholder constants of the prompt segmenter.
const (
	segmentPadding    = 5
	segmentSigma      = 1.0
	segmentConfidence = 0.87
)

// DefaultBox is the prompt used when the caller does not supply one.
var DefaultBox = Box{X1: 50, Y1: 50, X2: 200, Y2: 200}

// PromptSegmenter is a box-prompted thresholding heuristic standing in for a
// promptable segmentation model.
type PromptSegmenter struct{}

// Segment seeds the mask inside the clipped box, keeps seed pixels brighter
// than the mean of the box padded by segmentPadding, smooths with a Gaussian
// and re-binarizes at 0.5. A nil box, or one that clips to nothing, yields an
// all-zero mask.
func (PromptSegmenter) Segment(ctx context.Context, s *imaging.Slice, box *Box) (*Segmentation, error) {
	if s == nil || s.Width <= 0 || s.Height <= 0 || len(s.Pix) != s.Width*s.Height {
		return nil, errors.New("segment: invalid slice")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mask := &Mask{Width: s.Width, Height: s.Height, Pix: make([]uint8, s.Width*s.Height)}
	out := &Segmentation{Mask: mask, Confidence: segmentConfidence}
	if box == nil {
		return out, nil
	}
	b, ok := clipBox(*box, s.Width, s.Height)
	if !ok {
		return out, nil
	}

	p, _ := clipBox(Box{b.X1 - segmentPadding, b.Y1 - segmentPadding, b.X2 + segmentPadding, b.Y2 + segmentPadding}, s.Width, s.Height)
	var sum float64
	for y := p.Y1; y < p.Y2; y++ {
		for x := p.X1; x < p.X2; x++ {
			sum += float64(s.At(x, y))
		}
	}
	threshold := sum / float64((p.X2-p.X1)*(p.Y2-p.Y1))

	field := make([]float64, s.Width*s.Height)
	for y := b.Y1; y < b.Y2; y++ {
		for x := b.X1; x < b.X2; x++ {
			if float64(s.At(x, y)) > threshold {
				field[y*s.Width+x] = 1
			}
		}
	}

	smoothed := gaussianBlur(field, s.Width, s.Height, segmentSigma)
	for i, v := range smoothed {
		if v > 0.5 {
			mask.Pix[i] = 1
		}
	}
	return out, nil
}

func clipBox(b Box, w, h int) (Box, bool) {
	b.X1 = clampInt(b.X1, 0, w)
	b.X2 = clampInt(b.X2, 0, w)
	b.Y1 = clampInt(b.Y1, 0, h)
	b.Y2 = clampInt(b.Y2, 0, h)
	return b, b.X2 > b.X1 && b.Y2 > b.Y1
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// gaussianBlur applies a separable Gaussian with reflect boundary handling and
// a kernel radius of 4 sigma.
func gaussianBlur(src []float64, w, h int, sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	var norm float64
	for i := -radius; i <= radius; i++ {
		k := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = k
		norm += k
	}
	for i := range kernel {
		kernel[i] /= norm
	}

	tmp := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * src[y*w+reflect(x+k, w)]
			}
			tmp[y*w+x] = acc
		}
	}
	out := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * tmp[reflect(y+k, h)*w+x]
			}
			out[y*w+x] = acc
		}
	}
	return out
}

// reflect maps i into [0,n) mirroring about the edges (d c b a | a b c d | d c b a).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}
