package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ehr/radpipe/internal/config"
	"github.com/ehr/radpipe/internal/domain/diagnostics"
	"github.com/ehr/radpipe/internal/domain/identity"
	"github.com/ehr/radpipe/internal/domain/study"
	"github.com/ehr/radpipe/internal/platform/auth"
	"github.com/ehr/radpipe/internal/platform/blobstore"
	"github.com/ehr/radpipe/internal/platform/db"
	"github.com/ehr/radpipe/internal/platform/hipaa"
	"github.com/ehr/radpipe/internal/platform/imaging"
	"github.com/ehr/radpipe/internal/platform/inference"
	"github.com/ehr/radpipe/internal/platform/middleware"
	"github.com/ehr/radpipe/internal/platform/webhook"
)

const tokenIssuer = "radpipe"

// app holds the process-wide collaborators shared by the server and the CLI
// commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	db          *db.DB
	audit       *hipaa.AuditLogger
	auditCloser io.Closer
	enc         *hipaa.RotatingEncryptor
	blobs       blobstore.Store
	issuer      *auth.TokenIssuer
	webhooks    *webhook.Dispatcher

	users       *identity.Service
	studies     *study.Service
	diagnostics *diagnostics.Service

	registry        *prometheus.Registry
	httpMetrics     *middleware.Metrics
	pipelineMetrics *diagnostics.Metrics
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newApp opens the database, audit log, key material and blob store and
// builds the domain services. Callers must Close the returned app.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	driver, err := db.ParseDriver(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.db, err = db.Open(ctx, db.Config{
		Driver:           driver,
		URL:              cfg.DatabaseURL,
		SQLitePath:       cfg.SQLitePath,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a.audit, a.auditCloser, err = hipaa.OpenAuditLog(cfg.AuditLogPath, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	a.enc, err = hipaa.NewEncryptionService(hipaa.KeyConfig{
		CurrentKey:     cfg.HIPAAEncryptionKey,
		CurrentVersion: cfg.HIPAAKeyVersion,
		PreviousKeys:   cfg.HIPAAPreviousKeys,
		Production:     cfg.IsProduction(),
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.blobs, err = blobstore.New(ctx, blobstore.Config{
		Backend:   cfg.StorageBackend,
		LocalPath: cfg.StoragePath,
		S3: blobstore.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.issuer, err = auth.NewTokenIssuer([]byte(cfg.HIPAASecretKey), tokenIssuer)
	if err != nil {
		a.Close()
		return nil, err
	}

	if len(cfg.WebhookURLs) > 0 {
		a.webhooks, err = webhook.NewDispatcher(webhook.Config{
			URLs:       cfg.WebhookURLs,
			Secret:     cfg.WebhookSecret,
			Timeout:    cfg.WebhookTimeout,
			MaxRetries: cfg.WebhookMaxRetries,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		db.NewStatsCollector(a.db),
	)
	a.httpMetrics = middleware.NewMetrics(a.registry)
	a.pipelineMetrics = diagnostics.NewMetrics(a.registry)

	a.users = identity.NewService(identity.NewUserRepo(a.db), logger)
	a.studies = study.NewService(study.NewStudyRepo(a.db), a.blobs, a.enc, a.audit, logger)

	a.diagnostics = a.diagnosticsService(cfg.PipelineStrictImage)
	return a, nil
}

func (a *app) diagnosticsService(strict bool) *diagnostics.Service {
	pipeline := diagnostics.NewPipeline(diagnostics.Components{
		Loader:   imaging.NewLoader(a.logger),
		Reporter: a.reportGenerator(),
	}, diagnostics.Options{
		StrictImage: strict,
		Metrics:     a.pipelineMetrics,
	}, a.logger)
	svc := diagnostics.NewService(pipeline, a.studies, a.audit, a.logger)
	if a.webhooks != nil {
		svc.SetNotifier(a.webhooks)
	}
	return svc
}

func (a *app) reportGenerator() inference.ReportGenerator {
	if a.cfg.ReportModelURL == "" {
		return inference.TemplateReportGenerator{}
	}
	return &inference.FallbackReportGenerator{
		Primary: inference.NewRemoteReportGenerator(inference.RemoteReportConfig{
			URL:     a.cfg.ReportModelURL,
			Timeout: a.cfg.PipelineTimeout / 2,
		}, a.logger),
		Fallback: inference.TemplateReportGenerator{},
		Logger:   a.logger,
	}
}

// migrate applies pending migrations from MIGRATIONS_DIR, or the embedded
// set when it is empty.
func (a *app) migrate(ctx context.Context) (int, error) {
	return a.migrator().Up(ctx)
}

func (a *app) migrator() *db.Migrator {
	return db.NewMigrator(a.db, db.MigrationsFS(a.cfg.MigrationsDir))
}

// seed creates the configured bootstrap user if it does not exist.
func (a *app) seed(ctx context.Context) error {
	if a.cfg.SeedPassword == "" {
		a.logger.Info().Msg("SEED_PASSWORD is not set, skipping seed user")
		return nil
	}
	role, err := auth.ParseRole(a.cfg.SeedRole)
	if err != nil {
		return err
	}
	created, err := a.users.EnsureSeedUser(ctx, a.cfg.SeedUsername, a.cfg.SeedPassword, role)
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	if created {
		a.logger.Info().Str("username", a.cfg.SeedUsername).Str("role", string(role)).Msg("seed user created")
	}
	return nil
}

func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)

	// Global middleware
	e.Use(middleware.Recovery(a.logger, a.httpMetrics))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.Sanitize(a.logger))
	e.Use(a.httpMetrics.Middleware())
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, a.httpMetrics, "/metrics"))
	e.Use(auth.JWTMiddleware(a.issuer, a.audit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "compliant",
			"api":    "active",
		})
	})
	e.GET("/health/db", db.HealthHandler(a.db, a.logger))
	e.GET("/metrics", a.httpMetrics.Handler())

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = a.cfg.RateLimitRPS
	if a.cfg.RateLimitBurst > 0 {
		rl.BurstSize = a.cfg.RateLimitBurst
	}
	identity.NewHandler(a.users, a.issuer, a.audit, a.cfg.TokenTTL).RegisterRoutes(e, middleware.RateLimit(rl))
	diagnostics.NewHandler(a.diagnostics, a.audit, diagnostics.HandlerConfig{
		UploadDir: a.cfg.UploadDir,
		Timeout:   a.cfg.PipelineTimeout,
	}).RegisterRoutes(e)
	study.NewHandler(a.studies, a.audit).RegisterRoutes(e)

	return e
}

// serve runs the HTTP(S) server until ctx is cancelled, then shuts down
// gracefully.
func (a *app) serve(ctx context.Context) error {
	e := a.router()
	addr := ":" + a.cfg.Port

	errc := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Bool("tls", a.cfg.TLSEnabled).Msg("starting server")
		var err error
		if a.cfg.TLSEnabled {
			err = e.StartTLS(addr, a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

func (a *app) Close() {
	a.webhooks.Close()
	if a.auditCloser != nil {
		a.auditCloser.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
