// Package inference holds the model-facing capabilities of the diagnostic
// pipeline: segmentation, report generation, embedding and multimodal fusion.
// Every capability is an interface so a real model backend can replace the
// placeholder implementations without touching orchestration.
package inference

import (
	"context"

	"github.com/ehr/radpipe/internal/platform/imaging"
)

// Embedding sizes expected by CrossAttentionFusion.
const (
	ImageEmbeddingDim = 512
	TextEmbeddingDim  = 768
)

// MaxTextTokens is the text context length. Embedders truncate to it and
// CrossAttentionFusion rejects longer token sequences.
const MaxTextTokens = 512

// Box is a pixel bounding box covering [X1,X2) x [Y1,Y2).
type Box struct {
	X1, Y1, X2, Y2 int
}

// Mask is a binary segmentation mask, x-fastest.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// Count returns the number of foreground pixels.
func (m *Mask) Count() int {
	n := 0
	for _, p := range m.Pix {
		if p != 0 {
			n++
		}
	}
	return n
}

// Segmentation is the output of a Segmenter.
type Segmentation struct {
	Mask       *Mask
	Confidence float64
}

// Segmenter produces a mask for a normalized 2-D slice and an optional box prompt.
type Segmenter interface {
	Segment(ctx context.Context, slice *imaging.Slice, box *Box) (*Segmentation, error)
}

// ReportGenerator produces non-empty findings text conditioned on history.
// Callers must not rely on the text varying with input.
type ReportGenerator interface {
	GenerateReport(ctx context.Context, history string, imageFeatures []float32) (string, error)
}

// ImageEmbedder maps a slice to an ImageEmbeddingDim vector.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, slice *imaging.Slice) ([]float64, error)
}

// TextEmbedder maps text to one or more TextEmbeddingDim token vectors.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([][]float64, error)
}

// Fusion is the output of a FusionScorer.
type Fusion struct {
	Risk      float64
	Alignment float64
	// Attention holds head-averaged weights over the text tokens; they sum to 1.
	Attention []float64
}

// FusionScorer combines an image embedding with text token embeddings into a
// risk probability.
type FusionScorer interface {
	Fuse(ctx context.Context, image []float64, text [][]float64) (*Fusion, error)
}
