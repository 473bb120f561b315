// Package db opens the relational store that holds user accounts and study
// records. PostgreSQL is reached through a pgx pool; SQLite (modernc.org/sqlite)
// is the embedded default for single-node deployments.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Driver names a supported database engine.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// ParseDriver maps a config value onto a Driver. Empty selects SQLite.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", s)
	}
}

// Config describes how to reach the database.
type Config struct {
	Driver     Driver
	URL        string
	SQLitePath string
	MaxConns   int32
	MinConns   int32

	// StatementTimeout bounds each PostgreSQL statement. Zero leaves the
	// server default.
	StatementTimeout time.Duration
}

// DB bundles a *sql.DB with the engine it talks to. Pool is only set for
// PostgreSQL and shares its connections with SQL.
type DB struct {
	Driver Driver
	SQL    *sql.DB
	Pool   *pgxpool.Pool
}

// Open connects to the configured engine and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	switch cfg.Driver {
	case DriverPostgres:
		if cfg.URL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
		pool, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &DB{Driver: DriverPostgres, SQL: stdlib.OpenDBFromPool(pool), Pool: pool}, nil
	case DriverSQLite, "":
		sqlDB, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &DB{Driver: DriverSQLite, SQL: sqlDB}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Wrap adapts an existing *sql.DB, mostly for tests.
func Wrap(sqlDB *sql.DB, driver Driver) *DB {
	return &DB{Driver: driver, SQL: sqlDB}
}

// Rebind rewrites '?' placeholders into the engine's native form.
func (d *DB) Rebind(query string) string {
	return Rebind(d.Driver, query)
}

// Rebind rewrites '?' placeholders to $1, $2, ... for PostgreSQL. Queries
// passed here must not contain a literal '?'.
func Rebind(driver Driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *DB) Ping(ctx context.Context) error {
	if d.Pool != nil {
		return d.Pool.Ping(ctx)
	}
	return d.SQL.PingContext(ctx)
}

// Stats reports connection pool statistics for either engine.
func (d *DB) Stats() *PoolStats {
	if d.Pool != nil {
		return GetPoolStats(d.Pool)
	}
	return SQLStats(d.SQL)
}

func (d *DB) Close() {
	if d.SQL != nil {
		d.SQL.Close()
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// Now returns the current time in a form both engines round-trip: UTC,
// microsecond precision, no monotonic reading.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
