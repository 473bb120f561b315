package diagnostics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/radpipe/internal/platform/imaging"
	"github.com/ehr/radpipe/internal/platform/inference"
)

// -- Stubs --

type stubLoader struct {
	vol *imaging.Volume
	err error
}

func (s stubLoader) Load(string) (*imaging.Volume, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vol, nil
}

type failingSegmenter struct{}

func (failingSegmenter) Segment(context.Context, *imaging.Slice, *inference.Box) (*inference.Segmentation, error) {
	return nil, errors.New("model offline")
}

func writeUpload(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upload.dcm")
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	return p
}

func rampVolume(w, h, d int) *imaging.Volume {
	data := make([]float32, w*h*d)
	for i := range data {
		data[i] = float32(i%1000) * 3
	}
	return &imaging.Volume{
		Dims:      [3]int{w, h, d},
		Spacing:   [3]float64{0.7, 0.7, 2.5},
		Direction: imaging.IdentityDirection,
		Data:      data,
		Format:    "nifti",
	}
}

func assertUnit(t *testing.T, name string, v float64) {
	t.Helper()
	if v < 0 || v > 1 {
		t.Errorf("expected %s in [0,1], got %f", name, v)
	}
}

func TestPipeline_SyntheticFallback(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p := NewPipeline(Components{}, Options{Metrics: m}, zerolog.Nop())

	res, err := p.Run(context.Background(), writeUpload(t, "not an image"), "chest pain")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.ImageSource != ImageSourceSynthetic {
		t.Errorf("expected synthetic source, got %q", res.ImageSource)
	}
	if res.DiceScore != 0.87 {
		t.Errorf("expected dice 0.87, got %f", res.DiceScore)
	}
	assertUnit(t, "risk_score", res.RiskScore)
	assertUnit(t, "alignment_score", res.AlignmentScore)
	if res.AccuracyImprovement != AccuracyImprovement {
		t.Errorf("expected accuracy improvement %f, got %f", AccuracyImprovement, res.AccuracyImprovement)
	}
	if res.Report == "" {
		t.Error("expected non-empty report")
	}
	if res.LatencySec < 0 {
		t.Errorf("expected non-negative latency, got %f", res.LatencySec)
	}

	if got := testutil.ToFloat64(m.runs.WithLabelValues("success")); got != 1 {
		t.Errorf("expected 1 successful run, got %f", got)
	}
	if got := testutil.ToFloat64(m.fallbacks); got != 1 {
		t.Errorf("expected 1 fallback, got %f", got)
	}
	if n := testutil.CollectAndCount(m.stageDuration); n != 5 {
		t.Errorf("expected 5 stage series, got %d", n)
	}
}

func TestPipeline_SyntheticFallback_Deterministic(t *testing.T) {
	p := NewPipeline(Components{}, Options{}, zerolog.Nop())
	path := writeUpload(t, "same bytes")
	a, err := p.Run(context.Background(), path, "shortness of breath")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	b, _ := p.Run(context.Background(), path, "shortness of breath")
	if a.RiskScore != b.RiskScore || a.AlignmentScore != b.AlignmentScore {
		t.Errorf("expected identical scores, got %f/%f and %f/%f", a.RiskScore, a.AlignmentScore, b.RiskScore, b.AlignmentScore)
	}
}

func TestPipeline_StrictRejectsUnparseable(t *testing.T) {
	p := NewPipeline(Components{}, Options{StrictImage: true}, zerolog.Nop())
	_, err := p.Run(context.Background(), writeUpload(t, "garbage"), "chest pain")
	if !errors.Is(err, imaging.ErrImageParse) {
		t.Fatalf("expected ErrImageParse, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageLoad {
		t.Errorf("expected load StageError, got %v", err)
	}
}

func TestPipeline_MissingFile(t *testing.T) {
	p := NewPipeline(Components{}, Options{}, zerolog.Nop())
	_, err := p.Run(context.Background(), filepath.Join(t.TempDir(), "missing.nii"), "chest pain")
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageLoad {
		t.Errorf("expected load StageError, got %v", err)
	}
}

func TestPipeline_UploadedVolume(t *testing.T) {
	vol := rampVolume(128, 96, 3)
	p := NewPipeline(Components{Loader: stubLoader{vol: vol}}, Options{}, zerolog.Nop())

	res, err := p.Run(context.Background(), "ignored", "cough")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.ImageSource != ImageSourceUpload {
		t.Errorf("expected upload source, got %q", res.ImageSource)
	}
	if res.Volume == nil || res.Volume.Dims != vol.Dims {
		t.Fatalf("expected result volume with dims %v", vol.Dims)
	}
	for _, v := range res.Volume.Data {
		if v < 0 || v > 1 {
			t.Fatalf("expected normalized voxels, found %f", v)
		}
	}
	if vol.Data[1] != 3 {
		t.Error("expected the loaded volume to be left untouched")
	}
}

func TestPipeline_StageFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p := NewPipeline(Components{
		Loader:    stubLoader{vol: rampVolume(64, 64, 1)},
		Segmenter: failingSegmenter{},
	}, Options{Metrics: m}, zerolog.Nop())

	_, err := p.Run(context.Background(), "ignored", "cough")
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageSegment {
		t.Fatalf("expected segment StageError, got %v", err)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed run, got %f", got)
	}
}

func TestPipeline_Cancelled(t *testing.T) {
	p := NewPipeline(Components{Loader: stubLoader{vol: rampVolume(8, 8, 1)}}, Options{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, "ignored", "cough")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StageFuse, Err: inference.ErrEmbeddingShape}
	if !errors.Is(err, inference.ErrEmbeddingShape) {
		t.Error("expected StageError to unwrap")
	}
	if err.Error() == "" {
		t.Error("expected message")
	}
}
