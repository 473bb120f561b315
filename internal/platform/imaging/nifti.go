package imaging

import (
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// NIfTI-1 header offsets.
const (
	niftiDimOffset      = 40
	niftiDatatypeOffset = 70
	niftiBitpixOffset   = 72
	niftiPixdimOffset   = 76
	niftiVoxOffset      = 108
	niftiSlopeOffset    = 112
	niftiInterOffset    = 116
	niftiDescripOffset  = 148
	niftiQformOffset    = 252
	niftiSformOffset    = 254
	niftiQuaternOffset  = 256
	niftiSrowOffset     = 280
	niftiMagicOffset    = 344
)

// NIfTI-1 datatype codes.
const (
	niftiUint8   = 2
	niftiInt16   = 4
	niftiInt32   = 8
	niftiFloat32 = 16
	niftiFloat64 = 64
	niftiInt8    = 256
	niftiUint16  = 512
	niftiUint32  = 768
)

func decodeNIfTIGzip(r io.Reader) (*Volume, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("nifti gzip: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(io.LimitReader(zr, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("nifti gzip: %w", err)
	}
	return decodeNIfTI(data)
}

// decodeNIfTI parses a single-file (.nii) NIfTI-1 image.
func decodeNIfTI(data []byte) (*Volume, error) {
	if len(data) < niftiHeaderSize {
		return nil, errors.New("nifti: header truncated")
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if bo.Uint32(data) != niftiHeaderSize {
		bo = binary.BigEndian
		if bo.Uint32(data) != niftiHeaderSize {
			return nil, errors.New("nifti: bad sizeof_hdr")
		}
	}
	magic := string(data[niftiMagicOffset : niftiMagicOffset+3])
	if magic != "n+1" {
		return nil, fmt.Errorf("nifti: unsupported magic %q", magic)
	}

	i16 := func(off int) int { return int(int16(bo.Uint16(data[off:]))) }
	f32 := func(off int) float64 { return float64(math.Float32frombits(bo.Uint32(data[off:]))) }

	ndim := i16(niftiDimOffset)
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("nifti: invalid dim[0]=%d", ndim)
	}
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < ndim; i++ {
		dims[i] = i16(niftiDimOffset + 2*(i+1))
		if dims[i] <= 0 {
			return nil, fmt.Errorf("nifti: invalid dim[%d]=%d", i+1, dims[i])
		}
	}
	// Only the first 3-D volume of a time series is kept.
	n := dims[0] * dims[1] * dims[2]

	datatype := i16(niftiDatatypeOffset)
	bitpix := i16(niftiBitpixOffset)
	width, ok := niftiWidth(datatype)
	if !ok {
		return nil, fmt.Errorf("nifti: unsupported datatype %d", datatype)
	}
	if bitpix != 8*width {
		return nil, fmt.Errorf("nifti: bitpix %d does not match datatype %d", bitpix, datatype)
	}

	off := int(f32(niftiVoxOffset))
	if off < niftiHeaderSize {
		off = niftiHeaderSize + 4
	}
	end := off + n*width
	if off < 0 || end > len(data) || end < off {
		return nil, fmt.Errorf("nifti: need %d voxel bytes at offset %d, file has %d", n*width, off, len(data))
	}

	slope, inter := f32(niftiSlopeOffset), f32(niftiInterOffset)
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}

	voxels := make([]float32, n)
	raw := data[off:end]
	for i := range voxels {
		v := niftiValue(raw[i*width:], datatype, bo)
		voxels[i] = float32(v*slope + inter)
	}

	vol := &Volume{
		Dims:      dims,
		Data:      voxels,
		Direction: IdentityDirection,
		Format:    "nifti",
		Tags:      map[string]string{},
	}
	for i := 0; i < 3; i++ {
		s := math.Abs(f32(niftiPixdimOffset + 4*(i+1)))
		if s == 0 {
			s = 1
		}
		vol.Spacing[i] = s
	}
	if d := cString(data[niftiDescripOffset : niftiDescripOffset+80]); d != "" {
		vol.Tags["descrip"] = d
	}

	switch {
	case i16(niftiSformOffset) > 0:
		niftiSform(vol, f32)
	case i16(niftiQformOffset) > 0:
		niftiQform(vol, f32)
	}
	return vol, nil
}

func niftiWidth(datatype int) (int, bool) {
	switch datatype {
	case niftiUint8, niftiInt8:
		return 1, true
	case niftiInt16, niftiUint16:
		return 2, true
	case niftiInt32, niftiUint32, niftiFloat32:
		return 4, true
	case niftiFloat64:
		return 8, true
	}
	return 0, false
}

func niftiValue(b []byte, datatype int, bo binary.ByteOrder) float64 {
	switch datatype {
	case niftiUint8:
		return float64(b[0])
	case niftiInt8:
		return float64(int8(b[0]))
	case niftiInt16:
		return float64(int16(bo.Uint16(b)))
	case niftiUint16:
		return float64(bo.Uint16(b))
	case niftiInt32:
		return float64(int32(bo.Uint32(b)))
	case niftiUint32:
		return float64(bo.Uint32(b))
	case niftiFloat32:
		return float64(math.Float32frombits(bo.Uint32(b)))
	case niftiFloat64:
		return math.Float64frombits(bo.Uint64(b))
	}
	return 0
}

// niftiSform reads the affine rows. NIfTI is RAS; geometry is stored LPS, so
// the first two axes are negated.
func niftiSform(vol *Volume, f32 func(int) float64) {
	var rows [3][4]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			rows[r][c] = f32(niftiSrowOffset + 16*r + 4*c)
		}
	}
	for r := 0; r < 2; r++ {
		for c := 0; c < 4; c++ {
			rows[r][c] = -rows[r][c]
		}
	}
	for c := 0; c < 3; c++ {
		norm := math.Sqrt(rows[0][c]*rows[0][c] + rows[1][c]*rows[1][c] + rows[2][c]*rows[2][c])
		if norm == 0 {
			vol.Direction = IdentityDirection
			return
		}
		vol.Spacing[c] = norm
		for r := 0; r < 3; r++ {
			vol.Direction[3*r+c] = rows[r][c] / norm
		}
	}
	vol.Origin = [3]float64{rows[0][3], rows[1][3], rows[2][3]}
}

// niftiQform builds the rotation from the stored quaternion (b, c, d).
func niftiQform(vol *Volume, f32 func(int) float64) {
	b := f32(niftiQuaternOffset)
	c := f32(niftiQuaternOffset + 4)
	d := f32(niftiQuaternOffset + 8)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*a, c*a, d*a
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	qfac := f32(niftiPixdimOffset)
	if qfac == 0 {
		qfac = 1
	}
	m := [9]float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c),
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b),
		2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b,
	}
	for r := 0; r < 3; r++ {
		m[3*r+2] *= qfac
	}
	for i := 0; i < 6; i++ {
		m[i] = -m[i]
	}
	vol.Direction = m
	vol.Origin = [3]float64{
		-f32(niftiQuaternOffset + 12),
		-f32(niftiQuaternOffset + 16),
		f32(niftiQuaternOffset + 20),
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
