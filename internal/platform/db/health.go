package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PoolStats is the engine-neutral view of connection pool state.
type PoolStats struct {
	Driver        Driver `json:"driver"`
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	WaitCount     int64  `json:"wait_count"`
	WaitDuration  string `json:"wait_duration"`
	Healthy       bool   `json:"healthy"`

	waitSeconds float64
}

// GetPoolStats reads pgxpool statistics. For pgx the wait figures are the
// cumulative acquire count and duration.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		Driver:        DriverPostgres,
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		WaitCount:     stat.EmptyAcquireCount(),
		WaitDuration:  stat.AcquireDuration().String(),
		Healthy:       stat.TotalConns() > 0,
		waitSeconds:   stat.AcquireDuration().Seconds(),
	}
}

// SQLStats maps database/sql statistics onto PoolStats.
func SQLStats(sqlDB *sql.DB) *PoolStats {
	stat := sqlDB.Stats()
	return &PoolStats{
		Driver:        DriverSQLite,
		TotalConns:    int32(stat.OpenConnections),
		IdleConns:     int32(stat.Idle),
		AcquiredConns: int32(stat.InUse),
		MaxConns:      int32(stat.MaxOpenConnections),
		WaitCount:     stat.WaitCount,
		WaitDuration:  stat.WaitDuration.String(),
		Healthy:       stat.OpenConnections > 0,
		waitSeconds:   stat.WaitDuration.Seconds(),
	}
}

// Pinger is satisfied by *DB.
type Pinger interface {
	Ping(ctx context.Context) error
	Stats() *PoolStats
}

// HealthHandler serves GET /health/db. Driver errors are logged, not
// returned: they can carry hostnames and credentials.
func HealthHandler(p Pinger, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := p.Ping(ctx)
		stats := p.Stats()
		stats.Healthy = err == nil

		if err != nil {
			logger.Error().Err(err).Str("driver", string(stats.Driver)).Msg("database health check failed")
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"pool":   stats,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}

// StatsCollector exports pool statistics to Prometheus on every scrape.
type StatsCollector struct {
	p        Pinger
	open     *prometheus.Desc
	idle     *prometheus.Desc
	inUse    *prometheus.Desc
	maxOpen  *prometheus.Desc
	waits    *prometheus.Desc
	waitTime *prometheus.Desc
}

func NewStatsCollector(p Pinger) *StatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("radpipe_db_"+name, help, []string{"driver"}, nil)
	}
	return &StatsCollector{
		p:        p,
		open:     desc("open_connections", "Open database connections."),
		idle:     desc("idle_connections", "Idle database connections."),
		inUse:    desc("in_use_connections", "Database connections in use."),
		maxOpen:  desc("max_open_connections", "Configured connection limit."),
		waits:    desc("wait_count_total", "Connection acquisitions that had to wait."),
		waitTime: desc("wait_duration_seconds_total", "Time spent waiting for connections."),
	}
}

func (s *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{s.open, s.idle, s.inUse, s.maxOpen, s.waits, s.waitTime} {
		ch <- d
	}
}

func (s *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	st := s.p.Stats()
	driver := string(st.Driver)
	ch <- prometheus.MustNewConstMetric(s.open, prometheus.GaugeValue, float64(st.TotalConns), driver)
	ch <- prometheus.MustNewConstMetric(s.idle, prometheus.GaugeValue, float64(st.IdleConns), driver)
	ch <- prometheus.MustNewConstMetric(s.inUse, prometheus.GaugeValue, float64(st.AcquiredConns), driver)
	ch <- prometheus.MustNewConstMetric(s.maxOpen, prometheus.GaugeValue, float64(st.MaxConns), driver)
	ch <- prometheus.MustNewConstMetric(s.waits, prometheus.CounterValue, float64(st.WaitCount), driver)
	ch <- prometheus.MustNewConstMetric(s.waitTime, prometheus.CounterValue, st.waitSeconds, driver)
}
