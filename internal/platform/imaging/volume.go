// Package imaging loads volumetric medical images and prepares them for the
// diagnostic pipeline.
package imaging

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Volume is a 3-D scalar image. Voxels are stored x-fastest:
// index = x + y*Dims[0] + z*Dims[0]*Dims[1].
type Volume struct {
	Dims      [3]int
	Spacing   [3]float64
	Origin    [3]float64
	Direction [9]float64 // row-major 3x3 direction cosines
	Data      []float32

	// Format is "dicom", "nifti" or "synthetic".
	Format string
	// Tags holds descriptive header values (patient name, study date, ...).
	// Deidentify drops them.
	Tags map[string]string
}

// IdentityDirection is the axis-aligned direction matrix.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Slice is a 2-D image, x-fastest.
type Slice struct {
	Width  int
	Height int
	Pix    []float32
}

// At returns the value at (x, y).
func (s *Slice) At(x, y int) float32 {
	return s.Pix[y*s.Width+x]
}

// Voxels returns the number of voxels implied by Dims.
func (v *Volume) Voxels() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// Validate checks that Data matches Dims.
func (v *Volume) Validate() error {
	for i, d := range v.Dims {
		if d <= 0 {
			return fmt.Errorf("dimension %d is %d", i, d)
		}
	}
	if len(v.Data) != v.Voxels() {
		return fmt.Errorf("have %d voxels, dims imply %d", len(v.Data), v.Voxels())
	}
	return nil
}

// SliceZ returns a copy of axial slice z.
func (v *Volume) SliceZ(z int) (*Slice, error) {
	if z < 0 || z >= v.Dims[2] {
		return nil, fmt.Errorf("slice %d out of range [0,%d)", z, v.Dims[2])
	}
	n := v.Dims[0] * v.Dims[1]
	pix := make([]float32, n)
	copy(pix, v.Data[z*n:(z+1)*n])
	return &Slice{Width: v.Dims[0], Height: v.Dims[1], Pix: pix}, nil
}

// MiddleSlice returns the central axial slice.
func (v *Volume) MiddleSlice() (*Slice, error) {
	return v.SliceZ(v.Dims[2] / 2)
}

// VoxelBytes serializes Data as little-endian float32.
func (v *Volume) VoxelBytes() []byte {
	out := make([]byte, 4*len(v.Data))
	for i, f := range v.Data {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

// VoxelsFromBytes is the inverse of VoxelBytes.
func VoxelsFromBytes(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("voxel payload length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
