package imaging

// Deidentify returns a copy of v carrying only geometry and voxels. Every
// descriptive tag is dropped.
func Deidentify(v *Volume) *Volume {
	if v == nil {
		return nil
	}
	data := make([]float32, len(v.Data))
	copy(data, v.Data)
	return &Volume{
		Dims:      v.Dims,
		Spacing:   v.Spacing,
		Origin:    v.Origin,
		Direction: v.Direction,
		Data:      data,
		Format:    v.Format,
	}
}

// Geometry is the metadata kept after de-identification.
type Geometry struct {
	Dims      [3]int     `json:"dims"`
	Spacing   [3]float64 `json:"spacing"`
	Origin    [3]float64 `json:"origin"`
	Direction [9]float64 `json:"direction"`
	Format    string     `json:"format,omitempty"`
}

// GeometryOf extracts the geometric metadata of v.
func GeometryOf(v *Volume) Geometry {
	return Geometry{
		Dims:      v.Dims,
		Spacing:   v.Spacing,
		Origin:    v.Origin,
		Direction: v.Direction,
		Format:    v.Format,
	}
}
