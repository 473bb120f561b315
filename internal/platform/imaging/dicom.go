package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// descriptiveTags are copied into Volume.Tags so Deidentify has something to
// strip and tests can observe it.
var descriptiveTags = map[string]tag.Tag{
	"PatientName":      tag.PatientName,
	"PatientID":        tag.PatientID,
	"PatientBirthDate": tag.PatientBirthDate,
	"StudyDate":        tag.StudyDate,
	"Modality":         tag.Modality,
	"InstitutionName":  tag.InstitutionName,
}

func decodeDICOM(path string) (vol *Volume, err error) {
	defer func() {
		if r := recover(); r != nil {
			vol, err = nil, fmt.Errorf("dicom: decoder panic: %v", r)
		}
	}()

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("dicom: %w", err)
	}

	pixEl, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("dicom: no pixel data: %w", err)
	}
	info := dicom.MustGetPixelDataInfo(pixEl.Value)
	if info.IntentionallySkipped || len(info.Frames) == 0 {
		return nil, errors.New("dicom: pixel data has no frames")
	}

	var (
		w, h   int
		voxels []float32
	)
	for i, fr := range info.Frames {
		img, err := fr.GetImage()
		if err != nil {
			return nil, fmt.Errorf("dicom: frame %d: %w", i, err)
		}
		b := img.Bounds()
		if i == 0 {
			w, h = b.Dx(), b.Dy()
			voxels = make([]float32, 0, w*h*len(info.Frames))
		} else if b.Dx() != w || b.Dy() != h {
			return nil, fmt.Errorf("dicom: frame %d is %dx%d, want %dx%d", i, b.Dx(), b.Dy(), w, h)
		}
		voxels = appendGray(voxels, img)
	}

	vol = &Volume{
		Dims:      [3]int{w, h, len(info.Frames)},
		Spacing:   [3]float64{1, 1, 1},
		Direction: IdentityDirection,
		Data:      voxels,
		Format:    "dicom",
		Tags:      map[string]string{},
	}

	// PixelSpacing is row spacing (y) then column spacing (x).
	if ps := floatsFor(ds, tag.PixelSpacing); len(ps) == 2 {
		vol.Spacing[0], vol.Spacing[1] = ps[1], ps[0]
	}
	if st := floatsFor(ds, tag.SliceThickness); len(st) == 1 && st[0] > 0 {
		vol.Spacing[2] = st[0]
	}
	if pos := floatsFor(ds, tag.ImagePositionPatient); len(pos) == 3 {
		vol.Origin = [3]float64{pos[0], pos[1], pos[2]}
	}
	if iop := floatsFor(ds, tag.ImageOrientationPatient); len(iop) == 6 {
		vol.Direction = directionFromOrientation(iop)
	}
	for name, t := range descriptiveTags {
		if s := stringsFor(ds, t); len(s) > 0 && s[0] != "" {
			vol.Tags[name] = strings.Join(s, "\\")
		}
	}
	return vol, nil
}

func appendGray(dst []float32, img image.Image) []float32 {
	b := img.Bounds()
	if g, ok := img.(*image.Gray16); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				dst = append(dst, float32(g.Gray16At(x, y).Y))
			}
		}
		return dst
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst = append(dst, float32(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y))
		}
	}
	return dst
}

func stringsFor(ds dicom.Dataset, t tag.Tag) []string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return nil
	}
	s, _ := el.Value.GetValue().([]string)
	return s
}

func floatsFor(ds dicom.Dataset, t tag.Tag) []float64 {
	raw := stringsFor(ds, t)
	out := make([]float64, 0, len(raw))
	for _, s := range raw {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}

// directionFromOrientation builds the direction matrix from the row and
// column cosines; the slice normal is their cross product. Columns of the
// matrix are the image axes.
func directionFromOrientation(iop []float64) [9]float64 {
	rx, ry, rz := iop[0], iop[1], iop[2]
	cx, cy, cz := iop[3], iop[4], iop[5]
	nx := ry*cz - rz*cy
	ny := rz*cx - rx*cz
	nz := rx*cy - ry*cx
	if math.Abs(nx)+math.Abs(ny)+math.Abs(nz) == 0 {
		return IdentityDirection
	}
	return [9]float64{
		rx, cx, nx,
		ry, cy, ny,
		rz, cz, nz,
	}
}
