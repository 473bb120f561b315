package inference

import (
	"context"
	"math"
	"testing"

	"github.com/ehr/radpipe/internal/platform/imaging"
)

func uniformSlice(w, h int, v float32) *imaging.Slice {
	pix := make([]float32, w*h)
	for i := range pix {
		pix[i] = v
	}
	return &imaging.Slice{Width: w, Height: h, Pix: pix}
}

// brightSquare returns a dark slice with a bright square at [x1,x2) x [y1,y2).
func brightSquare(w, h, x1, y1, x2, y2 int) *imaging.Slice {
	s := uniformSlice(w, h, 0.1)
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			s.Pix[y*w+x] = 0.9
		}
	}
	return s
}

func TestPromptSegmenter_NoBox(t *testing.T) {
	seg, err := PromptSegmenter{}.Segment(context.Background(), brightSquare(64, 64, 10, 10, 30, 30), nil)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if seg.Mask.Count() != 0 {
		t.Errorf("expected all-zero mask, got %d foreground pixels", seg.Mask.Count())
	}
	if seg.Confidence != 0.87 {
		t.Errorf("expected confidence 0.87, got %v", seg.Confidence)
	}
}

func TestPromptSegmenter_BoxOutsideImage(t *testing.T) {
	boxes := []Box{
		{X1: 100, Y1: 100, X2: 200, Y2: 200},
		{X1: -50, Y1: -50, X2: -10, Y2: -10},
		{X1: 20, Y1: 20, X2: 20, Y2: 40},
		{X1: 30, Y1: 30, X2: 10, Y2: 10},
	}
	for _, b := range boxes {
		seg, err := PromptSegmenter{}.Segment(context.Background(), uniformSlice(64, 64, 0.5), &b)
		if err != nil {
			t.Fatalf("box %+v: unexpected error %v", b, err)
		}
		if seg.Mask.Count() != 0 {
			t.Errorf("box %+v: expected empty mask, got %d", b, seg.Mask.Count())
		}
		if len(seg.Mask.Pix) != 64*64 {
			t.Errorf("box %+v: expected mask of image size, got %d", b, len(seg.Mask.Pix))
		}
	}
}

func TestPromptSegmenter_FindsBrightRegion(t *testing.T) {
	s := brightSquare(64, 64, 20, 20, 40, 40)
	box := Box{X1: 10, Y1: 10, X2: 50, Y2: 50}

	seg, err := PromptSegmenter{}.Segment(context.Background(), s, &box)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	m := seg.Mask
	if m.Pix[30*64+30] != 1 {
		t.Error("expected centre of bright square in mask")
	}
	if m.Pix[12*64+12] != 0 {
		t.Error("expected dark pixel inside box to be excluded")
	}
	if m.Pix[5*64+5] != 0 {
		t.Error("expected pixel outside box to be excluded")
	}
	for i, p := range m.Pix {
		if p > 1 {
			t.Fatalf("mask value %d at %d is not binary", p, i)
		}
	}
}

func TestPromptSegmenter_BoxClippedToEdge(t *testing.T) {
	s := brightSquare(32, 32, 24, 24, 32, 32)
	box := Box{X1: 20, Y1: 20, X2: 500, Y2: 500}
	seg, err := PromptSegmenter{}.Segment(context.Background(), s, &box)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if seg.Mask.Pix[31*32+31] != 1 {
		t.Error("expected corner of bright region in mask after clipping")
	}
}

func TestPromptSegmenter_InvalidSlice(t *testing.T) {
	bad := &imaging.Slice{Width: 4, Height: 4, Pix: make([]float32, 3)}
	if _, err := (PromptSegmenter{}).Segment(context.Background(), bad, &DefaultBox); err == nil {
		t.Error("expected error for inconsistent slice")
	}
}

func TestPromptSegmenter_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (PromptSegmenter{}).Segment(ctx, uniformSlice(8, 8, 0), nil); err == nil {
		t.Error("expected context error")
	}
}

func TestGaussianBlur_PreservesConstant(t *testing.T) {
	src := make([]float64, 7*5)
	for i := range src {
		src[i] = 1
	}
	for i, v := range gaussianBlur(src, 7, 5, 1) {
		if math.Abs(v-1) > 1e-9 {
			t.Fatalf("index %d: expected 1, got %v", i, v)
		}
	}
}

func TestReflect(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{0, 5, 0}, {4, 5, 4}, {-1, 5, 0}, {-2, 5, 1}, {5, 5, 4}, {6, 5, 3}, {3, 1, 0},
	}
	for _, tt := range tests {
		if got := reflect(tt.i, tt.n); got != tt.want {
			t.Errorf("reflect(%d, %d) = %d, want %d", tt.i, tt.n, got, tt.want)
		}
	}
}
