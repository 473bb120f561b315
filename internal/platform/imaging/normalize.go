package imaging

import "math"

// Normalize rescales data to [0,1] with min-max scaling and returns a new
// slice. A constant input (max == min) is returned as an unchanged copy. NaN
// values are ignored when finding the range and stay NaN.
func Normalize(data []float32) []float32 {
	out := make([]float32, len(data))
	copy(out, data)

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range data {
		if v != v {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if !(hi > lo) {
		return out
	}

	span := float64(hi) - float64(lo)
	for i, v := range out {
		out[i] = float32((float64(v) - float64(lo)) / span)
	}
	return out
}

// NormalizeVolume returns a copy of v with normalized voxels.
func NormalizeVolume(v *Volume) *Volume {
	cp := *v
	cp.Data = Normalize(v.Data)
	return &cp
}
