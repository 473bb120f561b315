package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Fusion network shape.
const (
	fusionDim     = 256
	fusionHeads   = 4
	fusionHidden  = 128
	layerNormEps  = 1e-5
	maxInputScale = 1e3
)

// DefaultFusionSeed seeds the synthetic fusion weights.
const DefaultFusionSeed = 42

var (
	// ErrEmbeddingShape is returned for embeddings of the wrong dimensionality.
	ErrEmbeddingShape = errors.New("fusion: embedding has wrong dimensionality")
	// ErrNonFinite is returned when an embedding contains NaN or Inf.
	ErrNonFinite = errors.New("fusion: embedding contains non-finite values")
)

type linear struct {
	w *mat.Dense
	b *mat.VecDense
}

// newLinear draws weights and bias uniformly from +-1/sqrt(in).
func newLinear(rng *rand.Rand, out, in int) linear {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, out*in)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (2*rng.Float64() - 1) * bound
	}
	return linear{w: mat.NewDense(out, in, w), b: mat.NewVecDense(out, b)}
}

func (l linear) apply(x mat.Vector) *mat.VecDense {
	var out mat.VecDense
	out.MulVec(l.w, x)
	out.AddVec(&out, l.b)
	return &out
}

// CrossAttentionFusion projects an image embedding and text token embeddings
// into a shared space, attends from the image (query) to the text tokens
// (keys and values) with multi-head attention, and classifies the attended
// vector into a risk probability. Weights are synthetic and seeded.
type CrossAttentionFusion struct {
	imageProj linear
	textProj  linear
	query     linear
	key       linear
	value     linear
	output    linear
	fc1       linear
	fc2       linear
	gamma     []float64
	beta      []float64
}

// NewCrossAttentionFusion builds a fusion network with weights drawn from seed.
func NewCrossAttentionFusion(seed uint64) *CrossAttentionFusion {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	f := &CrossAttentionFusion{
		imageProj: newLinear(rng, fusionDim, ImageEmbeddingDim),
		textProj:  newLinear(rng, fusionDim, TextEmbeddingDim),
		query:     newLinear(rng, fusionDim, fusionDim),
		key:       newLinear(rng, fusionDim, fusionDim),
		value:     newLinear(rng, fusionDim, fusionDim),
		output:    newLinear(rng, fusionDim, fusionDim),
		fc1:       newLinear(rng, fusionHidden, fusionDim),
		fc2:       newLinear(rng, 1, fusionHidden),
		gamma:     make([]float64, fusionHidden),
		beta:      make([]float64, fusionHidden),
	}
	for i := range f.gamma {
		f.gamma[i] = 1
	}
	return f
}

// Fuse scores one image embedding against one or more text token embeddings.
func (f *CrossAttentionFusion) Fuse(ctx context.Context, image []float64, text [][]float64) (*Fusion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(image) != ImageEmbeddingDim {
		return nil, fmt.Errorf("%w: image has %d values, want %d", ErrEmbeddingShape, len(image), ImageEmbeddingDim)
	}
	if len(text) == 0 {
		return nil, fmt.Errorf("%w: no text tokens", ErrEmbeddingShape)
	}
	if len(text) > MaxTextTokens {
		return nil, fmt.Errorf("%w: %d text tokens, at most %d", ErrEmbeddingShape, len(text), MaxTextTokens)
	}
	img, err := boundedVec(image)
	if err != nil {
		return nil, err
	}
	tokens := make([]*mat.VecDense, len(text))
	for i, t := range text {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(t) != TextEmbeddingDim {
			return nil, fmt.Errorf("%w: text token %d has %d values, want %d", ErrEmbeddingShape, i, len(t), TextEmbeddingDim)
		}
		v, err := boundedVec(t)
		if err != nil {
			return nil, err
		}
		tokens[i] = f.textProj.apply(v)
	}

	imgP := f.imageProj.apply(img)
	attended, weights := f.attend(imgP, tokens)

	hidden := f.fc1.apply(attended)
	h := layerNorm(hidden.RawVector().Data, f.gamma, f.beta)
	for i, v := range h {
		if v < 0 {
			h[i] = 0
		}
	}
	logit := f.fc2.apply(mat.NewVecDense(len(h), h)).AtVec(0)

	return &Fusion{
		Risk:      sigmoid(logit),
		Alignment: alignment(imgP, tokens),
		Attention: weights,
	}, nil
}

// attend runs multi-head attention with a single query and returns the output
// projection plus the head-averaged attention weights over the tokens.
func (f *CrossAttentionFusion) attend(q *mat.VecDense, tokens []*mat.VecDense) (*mat.VecDense, []float64) {
	query := f.query.apply(q)
	keys := make([]*mat.VecDense, len(tokens))
	values := make([]*mat.VecDense, len(tokens))
	for i, t := range tokens {
		keys[i] = f.key.apply(t)
		values[i] = f.value.apply(t)
	}

	headDim := fusionDim / fusionHeads
	scale := 1 / math.Sqrt(float64(headDim))
	concat := mat.NewVecDense(fusionDim, nil)
	avg := make([]float64, len(tokens))
	scores := make([]float64, len(tokens))

	for h := 0; h < fusionHeads; h++ {
		lo := h * headDim
		qh := query.SliceVec(lo, lo+headDim)
		for i := range tokens {
			scores[i] = mat.Dot(qh, keys[i].SliceVec(lo, lo+headDim)) * scale
		}
		softmax(scores)
		for i, w := range scores {
			avg[i] += w / fusionHeads
			for d := 0; d < headDim; d++ {
				concat.SetVec(lo+d, concat.AtVec(lo+d)+w*values[i].AtVec(lo+d))
			}
		}
	}
	return f.output.apply(concat), avg
}

// alignment maps the cosine between the projected image and the mean
// projected text token into [0,1]. Degenerate vectors score 0.5.
func alignment(img *mat.VecDense, tokens []*mat.VecDense) float64 {
	mean := mat.NewVecDense(img.Len(), nil)
	for _, t := range tokens {
		mean.AddVec(mean, t)
	}
	mean.ScaleVec(1/float64(len(tokens)), mean)

	ni, nt := mat.Norm(img, 2), mat.Norm(mean, 2)
	if ni == 0 || nt == 0 {
		return 0.5
	}
	cos := mat.Dot(img, mean) / (ni * nt)
	return math.Max(0, math.Min(1, (cos+1)/2))
}

// boundedVec rejects non-finite input and scales vectors whose largest
// magnitude exceeds maxInputScale down to it, keeping every intermediate
// finite.
func boundedVec(x []float64) (*mat.VecDense, error) {
	var peak float64
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrNonFinite
		}
		peak = math.Max(peak, math.Abs(v))
	}
	out := make([]float64, len(x))
	copy(out, x)
	if peak > maxInputScale {
		s := maxInputScale / peak
		for i := range out {
			out[i] *= s
		}
	}
	return mat.NewVecDense(len(out), out), nil
}

func softmax(x []float64) {
	peak := math.Inf(-1)
	for _, v := range x {
		peak = math.Max(peak, v)
	}
	var sum float64
	for i, v := range x {
		x[i] = math.Exp(v - peak)
		sum += x[i]
	}
	for i := range x {
		x[i] /= sum
	}
}

func layerNorm(x, gamma, beta []float64) []float64 {
	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	var variance float64
	for _, v := range x {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(x))
	inv := 1 / math.Sqrt(variance+layerNormEps)

	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v-mean)*inv*gamma[i] + beta[i]
	}
	return out
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
