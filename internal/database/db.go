// Package database persists the safety core's journal in PostgreSQL and its
// restart-critical state in Redis, with an in-memory fallback.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	URL      string `json:"url" yaml:"url"` // takes precedence over the discrete fields
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

// DSN returns the connection string
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Enabled reports whether a database is configured
func (c Config) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	l := logger.With().Str("component", "Database").Logger()
	l.Info().Str("database", poolConfig.ConnConfig.Database).Msg("Connected to PostgreSQL")
	return &DB{Pool: pool, logger: l}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// migrations are idempotent and run in order on every start
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS fills (
		fill_id VARCHAR(64) PRIMARY KEY,
		order_id VARCHAR(64),
		symbol VARCHAR(20) NOT NULL,
		price NUMERIC(20, 8) NOT NULL,
		quantity BIGINT NOT NULL,
		commission NUMERIC(20, 8) NOT NULL DEFAULT 0,
		realized_delta NUMERIC(20, 8) NOT NULL DEFAULT 0,
		net_quantity BIGINT NOT NULL,
		filled_at TIMESTAMPTZ NOT NULL,
		recorded_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fills_order_id ON fills(order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_fills_symbol_time ON fills(symbol, filled_at)`,

	`CREATE TABLE IF NOT EXISTS trade_results (
		id BIGSERIAL PRIMARY KEY,
		trade_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		pnl NUMERIC(20, 8) NOT NULL,
		today_pnl NUMERIC(20, 8) NOT NULL,
		drawdown NUMERIC(20, 8) NOT NULL,
		balance NUMERIC(20, 8) NOT NULL,
		fail_safe BOOLEAN NOT NULL DEFAULT FALSE,
		traded_at TIMESTAMPTZ NOT NULL,
		recorded_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_results_traded_at ON trade_results(traded_at)`,

	`CREATE TABLE IF NOT EXISTS compliance_events (
		id VARCHAR(64) PRIMARY KEY,
		kind VARCHAR(32) NOT NULL,
		reason TEXT NOT NULL,
		operator VARCHAR(100),
		state JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_events_time ON compliance_events(occurred_at)`,

	`CREATE TABLE IF NOT EXISTS stuck_alerts (
		id VARCHAR(64) PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		classification VARCHAR(20) NOT NULL,
		quantity BIGINT NOT NULL,
		unrealized_pnl NUMERIC(20, 8) NOT NULL,
		reason TEXT,
		detected_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stuck_alerts_symbol ON stuck_alerts(symbol)`,

	`CREATE TABLE IF NOT EXISTS flatten_runs (
		id BIGSERIAL PRIMARY KEY,
		session_date DATE NOT NULL,
		trigger VARCHAR(32) NOT NULL,
		attempted INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		errors JSONB,
		started_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS system_events (
		id BIGSERIAL PRIMARY KEY,
		event_type VARCHAR(40) NOT NULL,
		data JSONB,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_system_events_type_time ON system_events(event_type, occurred_at)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Int("count", len(migrations)).Msg("Running database migrations")
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
