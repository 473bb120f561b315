package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRoute(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/studies/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.POST("/diagnose", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "nope")
	})

	for _, id := range []string{"a", "b"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/studies/"+id, nil))
	}
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/diagnose", nil))

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "/studies/:id", "200")); got != 2 {
		t.Errorf("expected 2 GET /studies/:id, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "/diagnose", "403")); got != 1 {
		t.Errorf("expected 1 denied POST /diagnose, got %v", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("expected no in-flight requests, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/metrics", m.Handler())
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `radpipe_http_requests_total{method="GET",route="/health",status="200"} 1`) {
		t.Errorf("expected health counter in exposition, got:\n%s", rec.Body.String())
	}
}
