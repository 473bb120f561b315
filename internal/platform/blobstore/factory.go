package blobstore

import (
	"context"
	"fmt"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is "local", "s3" or "memory".
	Backend   string
	LocalPath string
	S3        S3Config
}

// New builds the configured Store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalPath)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	case "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}
