// Package postgres implements every engine store contract on PostgreSQL via
// pgx. Leasing uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// never double-claim an item, and the unique indexes in the embedded schema
// enforce the engine's identity and idempotency invariants.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const clientName = "store-postgres"

// uniqueViolation is the PostgreSQL error code for unique index violations.
const uniqueViolation = "23505"

// Client wraps the shared connection pool used by every store in this
// package. It implements clue's health.Pinger contract.
type Client struct {
	pool *pgxpool.Pool
}

// Options configures the postgres Client.
type Options struct {
	// DSN is the PostgreSQL connection string.
	DSN string
	// ConnectTimeout bounds pool establishment. Zero means 10s.
	ConnectTimeout time.Duration
}

// NewClient connects the pool and verifies connectivity.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Client{pool: pool}, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }

// Close releases the pool.
func (c *Client) Close() { c.pool.Close() }

// Migrate applies the embedded schema. Statements are idempotent
// (CREATE ... IF NOT EXISTS) so Migrate is safe to run on every startup.
func (c *Client) Migrate(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, schema)
	return err
}

// isUniqueViolation reports whether err is a unique index violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
