package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order and recorded in schema_migrations.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_artifacts",
		SQL: `
			CREATE TABLE IF NOT EXISTS artifacts (
				id                VARCHAR(36)  PRIMARY KEY,
				job_id            VARCHAR(36)  NOT NULL,
				filename          VARCHAR(300) NOT NULL UNIQUE,
				original_name     VARCHAR(255) NOT NULL,
				algorithm         VARCHAR(16)  NOT NULL,
				original_size     BIGINT       NOT NULL,
				compressed_size   BIGINT       NOT NULL,
				compression_ratio DOUBLE PRECISION NOT NULL,
				is_encrypted      BOOLEAN      NOT NULL DEFAULT FALSE,
				created_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_artifacts_created_at ON artifacts(created_at);
		`,
	},
	{
		Version: "000002_create_shares",
		SQL: `
			CREATE TABLE IF NOT EXISTS shares (
				id                VARCHAR(36)  PRIMARY KEY,
				artifact_id       VARCHAR(36)  NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
				password_hash     VARCHAR(255),
				created_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				expires_at        TIMESTAMPTZ  NOT NULL,
				max_downloads     INTEGER      NOT NULL,
				current_downloads INTEGER      NOT NULL DEFAULT 0,
				CHECK (max_downloads < 0 OR current_downloads <= max_downloads)
			);
			CREATE INDEX IF NOT EXISTS idx_shares_expires_at ON shares(expires_at);
			CREATE INDEX IF NOT EXISTS idx_shares_artifact_id ON shares(artifact_id);
		`,
	},
	{
		Version: "000003_index_artifacts_job_id",
		SQL:     `CREATE INDEX IF NOT EXISTS idx_artifacts_job_id ON artifacts(job_id);`,
	},
}

// Pool sizing. Each running job holds a connection only while recording its
// artifact, so a small pool is enough.
const (
	maxConns        = 10
	maxConnIdleTime = 5 * time.Minute
)

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New opens a connection pool and verifies it with a ping.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if config.MaxConns > maxConns {
		config.MaxConns = maxConns
	}
	config.MaxConnIdleTime = maxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database", "max_conns", config.MaxConns)
	return &DB{Pool: pool}, nil
}

// RunMigrations applies pending migrations in order, one transaction each.
func (db *DB) RunMigrations(ctx context.Context) error {
	// Create migrations tracking table
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
		applied++
	}

	slog.Info("schema up to date", "applied", applied, "total", len(migrations))
	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
