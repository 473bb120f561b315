package imaging

import "math/rand/v2"

// SyntheticSize is the edge length of the synthetic fallback slice.
const SyntheticSize = 256

// SyntheticVolume returns a single-slice SyntheticSize x SyntheticSize volume
// of uniform noise in [0,1). The same seed always yields the same voxels.
func SyntheticVolume(seed uint64) *Volume {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]float32, SyntheticSize*SyntheticSize)
	for i := range data {
		data[i] = rng.Float32()
	}
	return &Volume{
		Dims:      [3]int{SyntheticSize, SyntheticSize, 1},
		Spacing:   [3]float64{1, 1, 1},
		Direction: IdentityDirection,
		Data:      data,
		Format:    "synthetic",
	}
}
