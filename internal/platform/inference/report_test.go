package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

func TestTemplateReportGenerator(t *testing.T) {
	for _, history := range []string{"", "chest pain", "fever and cough"} {
		got, err := TemplateReportGenerator{}.GenerateReport(context.Background(), history, nil)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if got != TemplateFindings {
			t.Errorf("expected template findings, got %q", got)
		}
	}
}

func TestRemoteReportGenerator_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req reportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.History != "chest pain" {
			t.Errorf("expected history 'chest pain', got %q", req.History)
		}
		json.NewEncoder(w).Encode(reportResponse{Findings: "No acute findings."})
	}))
	defer srv.Close()

	gen := NewRemoteReportGenerator(RemoteReportConfig{URL: srv.URL}, zerolog.Nop())
	got, err := gen.GenerateReport(context.Background(), "chest pain", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "No acute findings." {
		t.Errorf("unexpected findings %q", got)
	}
}

func TestRemoteReportGenerator_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gen := NewRemoteReportGenerator(RemoteReportConfig{URL: srv.URL, OpenTimeout: time.Hour}, zerolog.Nop())
	for i := 0; i < 3; i++ {
		if _, err := gen.GenerateReport(context.Background(), "x", nil); err == nil {
			t.Fatal("expected error from failing backend")
		}
	}
	if gen.State() != gobreaker.StateOpen {
		t.Fatalf("expected breaker open, got %v", gen.State())
	}

	_, err := gen.GenerateReport(context.Background(), "x", nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 backend calls, got %d", calls.Load())
	}
}

func TestRemoteReportGenerator_EmptyFindings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"findings":"  "}`))
	}))
	defer srv.Close()

	gen := NewRemoteReportGenerator(RemoteReportConfig{URL: srv.URL}, zerolog.Nop())
	if _, err := gen.GenerateReport(context.Background(), "x", nil); !errors.Is(err, ErrEmptyFindings) {
		t.Errorf("expected ErrEmptyFindings, got %v", err)
	}
}

type failingReport struct{}

func (failingReport) GenerateReport(context.Context, string, []float32) (string, error) {
	return "", errors.New("model offline")
}

func TestFallbackReportGenerator(t *testing.T) {
	gen := &FallbackReportGenerator{Primary: failingReport{}, Fallback: TemplateReportGenerator{}, Logger: zerolog.Nop()}
	got, err := gen.GenerateReport(context.Background(), "chest pain", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != TemplateFindings {
		t.Errorf("expected fallback findings, got %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gen.GenerateReport(ctx, "x", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	s := uniformSlice(16, 16, 0.25)

	a, err := HashEmbedder{}.EmbedImage(ctx, s)
	if err != nil {
		t.Fatalf("embed image: %v", err)
	}
	b, _ := HashEmbedder{}.EmbedImage(ctx, s)
	if len(a) != ImageEmbeddingDim {
		t.Fatalf("expected %d dims, got %d", ImageEmbeddingDim, len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("image embedding is not deterministic")
		}
	}

	tokens, err := HashEmbedder{}.EmbedText(ctx, "Chest pain  radiating")
	if err != nil {
		t.Fatalf("embed text: %v", err)
	}
	if len(tokens) != 3 || len(tokens[0]) != TextEmbeddingDim {
		t.Fatalf("unexpected token shape %dx%d", len(tokens), len(tokens[0]))
	}
	empty, _ := HashEmbedder{}.EmbedText(ctx, "")
	if len(empty) != 1 {
		t.Errorf("expected one token for empty text, got %d", len(empty))
	}
}

func TestHashEmbedder_TruncatesLongText(t *testing.T) {
	ctx := context.Background()
	tokens, err := HashEmbedder{}.EmbedText(ctx, strings.Repeat("a ", 100_000))
	if err != nil {
		t.Fatalf("embed text: %v", err)
	}
	if len(tokens) != MaxTextTokens {
		t.Fatalf("expected %d tokens, got %d", MaxTextTokens, len(tokens))
	}

	f := NewCrossAttentionFusion(DefaultFusionSeed)
	img, _ := HashEmbedder{}.EmbedImage(ctx, uniformSlice(8, 8, 0.5))
	if _, err := f.Fuse(ctx, img, tokens); err != nil {
		t.Errorf("fuse truncated text: %v", err)
	}
}

func TestHashEmbedder_CaseInsensitive(t *testing.T) {
	ctx := context.Background()
	a, _ := HashEmbedder{}.EmbedText(ctx, "Chest")
	b, _ := HashEmbedder{}.EmbedText(ctx, "chest")
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatal("expected token embedding to ignore case")
		}
	}
}

func TestHashEmbedder_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (HashEmbedder{}).EmbedText(ctx, "chest pain"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLeadingFields(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want []string
	}{
		{"", 4, nil},
		{"   ", 4, nil},
		{"chest pain", 4, []string{"chest", "pain"}},
		{"  chest\tpain\n radiating ", 4, []string{"chest", "pain", "radiating"}},
		{"a b c d e", 2, []string{"a", "b"}},
		{"a b", 2, []string{"a", "b"}},
		{"a\u00a0b", 4, []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := leadingFields(tt.in, tt.n)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Errorf("leadingFields(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
