package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/radpipe/internal/platform/db"
	"github.com/ehr/radpipe/internal/platform/middleware"
)

// Development-only fallbacks. Validate refuses them in production.
const (
	devSecretKey    = "radpipe-development-secret-do-not-use-in-production"
	devSeedPassword = "secure_pass123"
)

const minSecretKeyLen = 32

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DBDriver      string `mapstructure:"DB_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	HIPAASecretKey     string        `mapstructure:"HIPAA_SECRET_KEY"`
	HIPAAEncryptionKey string        `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion    int           `mapstructure:"HIPAA_KEY_VERSION"`
	HIPAAPreviousKeys  []string      `mapstructure:"HIPAA_PREVIOUS_KEYS"`
	TokenTTL           time.Duration `mapstructure:"TOKEN_TTL"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	StoragePath    string `mapstructure:"STORAGE_PATH"`
	S3Bucket       string `mapstructure:"S3_BUCKET"`
	S3Region       string `mapstructure:"S3_REGION"`
	S3Endpoint     string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey    string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey    string `mapstructure:"S3_SECRET_KEY"`

	UploadDir    string `mapstructure:"UPLOAD_DIR"`
	AuditLogPath string `mapstructure:"AUDIT_LOG_PATH"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`

	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	PipelineTimeout     time.Duration `mapstructure:"PIPELINE_TIMEOUT"`
	PipelineStrictImage bool          `mapstructure:"PIPELINE_STRICT_IMAGE"`
	ReportModelURL      string        `mapstructure:"REPORT_MODEL_URL"`

	WebhookURLs       []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret     string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookTimeout    time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	WebhookMaxRetries int           `mapstructure:"WEBHOOK_MAX_RETRIES"`

	SeedUsername string `mapstructure:"SEED_USERNAME"`
	SeedPassword string `mapstructure:"SEED_PASSWORD"`
	SeedRole     string `mapstructure:"SEED_ROLE"`

	// DemoShutdownAfter stops the server after the given duration. Zero
	// disables it; it is ignored outside development.
	DemoShutdownAfter time.Duration `mapstructure:"DEMO_SHUTDOWN_AFTER"`
}

var keys = []string{
	"PORT", "ENV",
	"DB_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"HIPAA_SECRET_KEY", "HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION", "HIPAA_PREVIOUS_KEYS", "TOKEN_TTL",
	"STORAGE_BACKEND", "STORAGE_PATH", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY",
	"UPLOAD_DIR", "AUDIT_LOG_PATH",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"REQUEST_TIMEOUT", "PIPELINE_TIMEOUT", "PIPELINE_STRICT_IMAGE", "REPORT_MODEL_URL",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_TIMEOUT", "WEBHOOK_MAX_RETRIES",
	"SEED_USERNAME", "SEED_PASSWORD", "SEED_ROLE",
	"DEMO_SHUTDOWN_AFTER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("SQLITE_PATH", "radpipe.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("TOKEN_TTL", "30m")
	v.SetDefault("STORAGE_BACKEND", "local")
	v.SetDefault("STORAGE_PATH", "secure_storage")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("AUDIT_LOG_PATH", "hipaa_audit.log")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("BODY_LIMIT", "512M")
	v.SetDefault("REQUEST_TIMEOUT", "150s")
	v.SetDefault("PIPELINE_TIMEOUT", "120s")
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("SEED_USERNAME", "radiologist_user")
	v.SetDefault("SEED_ROLE", "radiologist")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.HIPAAPreviousKeys = splitList(cfg.HIPAAPreviousKeys, v.GetString("HIPAA_PREVIOUS_KEYS"))
	cfg.WebhookURLs = splitList(cfg.WebhookURLs, v.GetString("WEBHOOK_URLS"))

	if cfg.IsDev() {
		if cfg.HIPAASecretKey == "" {
			cfg.HIPAASecretKey = devSecretKey
		}
		if cfg.SeedPassword == "" {
			cfg.SeedPassword = devSeedPassword
		}
	}
	return cfg, nil
}

// splitList normalizes a comma-separated setting that may arrive either as a
// single string or already split.
func splitList(have []string, raw string) []string {
	if len(have) == 1 {
		raw = have[0]
	} else if len(have) > 1 {
		raw = strings.Join(have, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Warnings lists insecure settings that are tolerated outside production.
func (c *Config) Warnings() []string {
	var w []string
	if c.HIPAASecretKey == devSecretKey {
		w = append(w, "HIPAA_SECRET_KEY is not set: using the built-in development signing secret")
	}
	if c.SeedPassword == devSeedPassword {
		w = append(w, "SEED_PASSWORD is not set: the seed user has the well-known development password")
	}
	if !c.TLSEnabled {
		w = append(w, "TLS is disabled: credentials and PHI travel in clear text")
	}
	if c.DemoShutdownAfter > 0 && c.IsDev() {
		w = append(w, fmt.Sprintf("DEMO_SHUTDOWN_AFTER is set: the server stops after %s", c.DemoShutdownAfter))
	}
	return w
}

// Validate checks that the configuration is safe to run. Production requires
// a signing secret, an encryption key and no development fallbacks.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "production", "test":
	default:
		return fmt.Errorf("ENV must be \"development\", \"production\" or \"test\", got %q", c.Env)
	}

	driver, err := db.ParseDriver(c.DBDriver)
	if err != nil {
		return err
	}
	if driver == db.DriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is postgres")
	}

	if c.HIPAASecretKey == "" {
		return fmt.Errorf("HIPAA_SECRET_KEY is required")
	}
	if c.IsProduction() {
		if c.HIPAASecretKey == devSecretKey || len(c.HIPAASecretKey) < minSecretKeyLen {
			return fmt.Errorf("HIPAA_SECRET_KEY must be at least %d characters in production", minSecretKeyLen)
		}
		if c.HIPAAEncryptionKey == "" {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
		}
		if c.SeedPassword == devSeedPassword {
			return fmt.Errorf("SEED_PASSWORD must not use the development default in production")
		}
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.HIPAAKeyVersion < 1 {
		return fmt.Errorf("HIPAA_KEY_VERSION must be positive, got %d", c.HIPAAKeyVersion)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}

	switch c.StorageBackend {
	case "local":
		if c.StoragePath == "" {
			return fmt.Errorf("STORAGE_PATH is required when STORAGE_BACKEND is local")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is s3")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"local\" or \"s3\", got %q", c.StorageBackend)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	if c.PipelineTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT and PIPELINE_TIMEOUT must be positive")
	}
	if _, err := middleware.ParseLimit(c.BodyLimit); err != nil {
		return fmt.Errorf("BODY_LIMIT: %w", err)
	}
	if len(c.WebhookURLs) > 0 && len(c.WebhookSecret) < 16 {
		return fmt.Errorf("WEBHOOK_SECRET of at least 16 characters is required when WEBHOOK_URLS is set")
	}
	return nil
}
