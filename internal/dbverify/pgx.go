package dbverify

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxClient queries Postgres directly through a small pgx pool.
type PgxClient struct {
	pool *pgxpool.Pool
}

func NewPgxClient(ctx context.Context, databaseURL string) (*PgxClient, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PgxClient{pool: pool}, nil
}

func (c *PgxClient) Name() string { return "pgx" }

func (c *PgxClient) Close() {
	c.pool.Close()
}

// Query runs sql with the simple protocol so every value comes back as
// Postgres text, then renders rows the way psql -t -A does.
func (c *PgxClient) Query(ctx context.Context, sql string) (string, error) {
	rows, err := c.pool.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return "", fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		raw := rows.RawValues()
		fields := make([]string, len(raw))
		for i, v := range raw {
			fields[i] = string(v)
		}
		lines = append(lines, strings.Join(fields, "|"))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("read rows: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}
