package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the HTTP collectors.
type Metrics struct {
	inFlight        prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	panics          *prometheus.CounterVec
	timeouts        *prometheus.CounterVec
	gatherer        prometheus.Gatherer
}

// NewMetrics registers HTTP collectors on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radpipe",
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "radpipe",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "radpipe",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		panics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "radpipe",
				Name:      "http_panics_total",
				Help:      "Handler panics recovered, by route.",
			},
			[]string{"route"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "radpipe",
				Name:      "http_timeouts_total",
				Help:      "Requests cut off by REQUEST_TIMEOUT, by route.",
			},
			[]string{"route"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.inFlight, m.requestsTotal, m.requestDuration, m.panics, m.timeouts)
	return m
}

// Middleware records request count, latency and in-flight gauge. Routes are
// labelled by their registered pattern to bound cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.inFlight.Inc()
			defer m.inFlight.Dec()
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			labels := []string{c.Request().Method, routeLabel(c.Path()), strconv.Itoa(status)}
			m.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			m.requestsTotal.WithLabelValues(labels...).Inc()
			return err
		}
	}
}

func (m *Metrics) recordPanic(route string) {
	if m != nil {
		m.panics.WithLabelValues(routeLabel(route)).Inc()
	}
}

func (m *Metrics) recordTimeout(route string) {
	if m != nil {
		m.timeouts.WithLabelValues(routeLabel(route)).Inc()
	}
}

func routeLabel(route string) string {
	if route == "" {
		return "unmatched"
	}
	return route
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
