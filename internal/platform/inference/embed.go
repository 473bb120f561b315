package inference

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"strings"
	"unicode"

	"github.com/ehr/radpipe/internal/platform/imaging"
)

// HashEmbedder produces deterministic pseudo-random unit-variance vectors
// seeded from a hash of the input. It implements both ImageEmbedder and
// TextEmbedder as a stand-in for pretrained encoders.
type HashEmbedder struct{}

// EmbedImage returns one ImageEmbeddingDim vector for the slice.
func (HashEmbedder) EmbedImage(ctx context.Context, s *imaging.Slice) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := sha256.New()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(s.Width))
	h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:], uint32(s.Height))
	h.Write(buf[:])
	for _, p := range s.Pix {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(p))
		h.Write(buf[:])
	}
	return gaussianVector(h.Sum(nil), ImageEmbeddingDim), nil
}

// EmbedText returns one TextEmbeddingDim vector per whitespace token (at least
// one, for the empty string). Tokens past MaxTextTokens are dropped.
func (HashEmbedder) EmbedText(ctx context.Context, text string) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := leadingFields(text, MaxTextTokens)
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	out := make([][]float64, len(tokens))
	for i, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum := sha256.Sum256([]byte(strings.ToLower(tok)))
		out[i] = gaussianVector(sum[:], TextEmbeddingDim)
	}
	return out, nil
}

// leadingFields is strings.Fields limited to the first n fields.
func leadingFields(s string, n int) []string {
	var out []string
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
				if len(out) == n {
					return out
				}
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 && len(out) < n {
		out = append(out, s[start:])
	}
	return out
}

func gaussianVector(seed []byte, n int) []float64 {
	rng := rand.New(rand.NewPCG(binary.LittleEndian.Uint64(seed[0:8]), binary.LittleEndian.Uint64(seed[8:16])))
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	return v
}
