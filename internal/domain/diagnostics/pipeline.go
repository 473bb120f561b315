package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/radpipe/internal/platform/imaging"
	"github.com/ehr/radpipe/internal/platform/inference"
)

// VolumeLoader decodes an image file. *imaging.Loader satisfies it.
type VolumeLoader interface {
	Load(path string) (*imaging.Volume, error)
}

// Components are the capabilities a Pipeline sequences. Nil fields get the
// placeholder implementations.
type Components struct {
	Loader        VolumeLoader
	Segmenter     inference.Segmenter
	Reporter      inference.ReportGenerator
	ImageEmbedder inference.ImageEmbedder
	TextEmbedder  inference.TextEmbedder
	Fusion        inference.FusionScorer
}

// Options tune pipeline behavior.
type Options struct {
	// StrictImage rejects unparseable uploads instead of substituting a
	// synthetic slice.
	StrictImage bool
	Metrics     *Metrics
}

// Pipeline runs load, segmentation, report, embedding and fusion in order.
type Pipeline struct {
	c       Components
	strict  bool
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewPipeline(c Components, opts Options, logger zerolog.Logger) *Pipeline {
	if c.Loader == nil {
		c.Loader = imaging.NewLoader(logger)
	}
	if c.Segmenter == nil {
		c.Segmenter = inference.PromptSegmenter{}
	}
	if c.Reporter == nil {
		c.Reporter = inference.TemplateReportGenerator{}
	}
	if c.ImageEmbedder == nil {
		c.ImageEmbedder = inference.HashEmbedder{}
	}
	if c.TextEmbedder == nil {
		c.TextEmbedder = inference.HashEmbedder{}
	}
	if c.Fusion == nil {
		c.Fusion = inference.NewCrossAttentionFusion(inference.DefaultFusionSeed)
	}
	return &Pipeline{
		c:       c,
		strict:  opts.StrictImage,
		metrics: opts.Metrics,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		now:     time.Now,
	}
}

// Run executes the pipeline on the image at imagePath. Stage failures are
// returned as *StageError; cancellation is checked before every stage.
func (p *Pipeline) Run(ctx context.Context, imagePath, history string) (res *Result, err error) {
	start := p.now()
	defer func() {
		switch {
		case err == nil:
			p.metrics.recordRun("success")
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			p.metrics.recordRun("timeout")
		default:
			p.metrics.recordRun("failed")
		}
	}()

	res = &Result{AccuracyImprovement: AccuracyImprovement}

	var vol *imaging.Volume
	if err := p.stage(ctx, StageLoad, func() error {
		var lerr error
		res.Source, res.ImageSource, lerr = p.load(imagePath)
		return lerr
	}); err != nil {
		return nil, err
	}
	vol = imaging.NormalizeVolume(res.Source)
	res.Volume = vol
	if res.ImageSource != ImageSourceUpload {
		res.Source = nil
	}

	slice, err := vol.MiddleSlice()
	if err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	}

	if err := p.stage(ctx, StageSegment, func() error {
		box := inference.DefaultBox
		seg, serr := p.c.Segmenter.Segment(ctx, slice, &box)
		if serr != nil {
			return serr
		}
		res.DiceScore = seg.Confidence
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageReport, func() error {
		text, rerr := p.c.Reporter.GenerateReport(ctx, history, slice.Pix)
		res.Report = text
		return rerr
	}); err != nil {
		return nil, err
	}

	var imageEmb []float64
	var textEmb [][]float64
	if err := p.stage(ctx, StageEmbed, func() error {
		var eerr error
		if imageEmb, eerr = p.c.ImageEmbedder.EmbedImage(ctx, slice); eerr != nil {
			return eerr
		}
		textEmb, eerr = p.c.TextEmbedder.EmbedText(ctx, history)
		return eerr
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageFuse, func() error {
		f, ferr := p.c.Fusion.Fuse(ctx, imageEmb, textEmb)
		if ferr != nil {
			return ferr
		}
		res.RiskScore = f.Risk
		res.AlignmentScore = f.Alignment
		return nil
	}); err != nil {
		return nil, err
	}

	res.LatencySec = p.now().Sub(start).Seconds()
	p.logger.Info().
		Str("image_source", res.ImageSource).
		Float64("risk_score", res.RiskScore).
		Float64("latency_sec", res.LatencySec).
		Msg("pipeline complete")
	return res, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: name, Err: err}
	}
	t := p.now()
	err := fn()
	p.metrics.observeStage(name, p.now().Sub(t))
	if err != nil {
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

// load decodes and de-identifies the image. Unparseable input falls back to
// a synthetic slice seeded by the file contents unless the pipeline is strict.
func (p *Pipeline) load(path string) (*imaging.Volume, string, error) {
	vol, err := p.c.Loader.Load(path)
	if err == nil {
		return imaging.Deidentify(vol), ImageSourceUpload, nil
	}
	if !errors.Is(err, imaging.ErrImageParse) || p.strict {
		return nil, "", err
	}

	seed, serr := contentSeed(path)
	if serr != nil {
		return nil, "", serr
	}
	p.metrics.recordFallback()
	p.logger.Warn().Msg("upload is not a supported image, using synthetic slice")
	return imaging.SyntheticVolume(seed), ImageSourceSynthetic, nil
}

func contentSeed(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	h := fnv.New64a()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("read upload: %w", err)
	}
	return h.Sum64(), nil
}
