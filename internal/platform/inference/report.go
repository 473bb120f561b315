package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// TemplateFindings is the fixed text returned by TemplateReportGenerator.
const TemplateFindings = "There is a consolidation in the right lower lobe consistent with pneumonia. " +
	"No pneumothorax. Heart size is within normal limits."

// TemplateReportGenerator returns TemplateFindings for every input.
type TemplateReportGenerator struct{}

func (TemplateReportGenerator) GenerateReport(ctx context.Context, _ string, _ []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return TemplateFindings, nil
}

// ErrEmptyFindings is returned when a backend answers with blank text.
var ErrEmptyFindings = errors.New("report: empty findings")

// RemoteReportConfig configures a RemoteReportGenerator.
type RemoteReportConfig struct {
	URL     string
	Timeout time.Duration
	// MaxRequests allowed through a half-open breaker.
	MaxRequests uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// RemoteReportGenerator calls an HTTP report model: POST {"history": ...}
// answered by {"findings": ...}. Calls go through a circuit breaker.
type RemoteReportGenerator struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

type reportRequest struct {
	History string `json:"history"`
}

type reportResponse struct {
	Findings string `json:"findings"`
}

// NewRemoteReportGenerator creates a client for the report model at cfg.URL.
func NewRemoteReportGenerator(cfg RemoteReportConfig, logger zerolog.Logger) *RemoteReportGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &RemoteReportGenerator{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "report-model",
			MaxRequests: cfg.MaxRequests,
			Interval:    time.Minute,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
}

// State exposes the breaker state for health reporting.
func (r *RemoteReportGenerator) State() gobreaker.State {
	return r.breaker.State()
}

func (r *RemoteReportGenerator) GenerateReport(ctx context.Context, history string, _ []float32) (string, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.call(ctx, history)
	})
	if err != nil {
		return "", fmt.Errorf("report model: %w", err)
	}
	return res.(string), nil
}

func (r *RemoteReportGenerator) call(ctx context.Context, history string) (string, error) {
	body, err := json.Marshal(reportRequest{History: history})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var out reportResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(out.Findings) == "" {
		return "", ErrEmptyFindings
	}
	return out.Findings, nil
}

// FallbackReportGenerator tries Primary and answers from Fallback when it
// fails for any reason other than caller cancellation.
type FallbackReportGenerator struct {
	Primary  ReportGenerator
	Fallback ReportGenerator
	Logger   zerolog.Logger
}

func (f *FallbackReportGenerator) GenerateReport(ctx context.Context, history string, features []float32) (string, error) {
	text, err := f.Primary.GenerateReport(ctx, history, features)
	if err == nil {
		return text, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	f.Logger.Warn().Err(err).Msg("report model unavailable, using template findings")
	return f.Fallback.GenerateReport(ctx, history, features)
}
