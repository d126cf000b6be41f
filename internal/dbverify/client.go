// Package dbverify reads backend state from Postgres to confirm the side
// effects a webhook should have produced.
package dbverify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/config"
	"github.com/MikeSquared-Agency/vigil/internal/failure"
)

// Client is the query strategy the verifier runs against. Query returns rows
// separated by newlines with fields separated by "|"; NULL renders as "".
type Client interface {
	Query(ctx context.Context, sql string) (string, error)
	Name() string
	Close()
}

var ErrOracleUnavailable = errors.New("dbverify: no database client reachable")

// Resolver picks the first reachable client: pgx, local psql, then the
// containerised psql.
type Resolver struct {
	LookPath func(file string) (string, error)
	Run      Runner
	DialPgx  func(ctx context.Context, url string) (Client, error)
	Timeout  time.Duration
}

func NewResolver() *Resolver {
	return &Resolver{
		LookPath: exec.LookPath,
		Run:      RunCommand,
		DialPgx: func(ctx context.Context, url string) (Client, error) {
			return NewPgxClient(ctx, url)
		},
		Timeout: 5 * time.Second,
	}
}

// Resolve selects the client once at startup.
func (r *Resolver) Resolve(ctx context.Context, cfg config.Config) (Client, error) {
	var tried []error

	if cfg.DatabaseURL != "" {
		dctx, cancel := context.WithTimeout(ctx, r.Timeout)
		c, err := r.DialPgx(dctx, cfg.DatabaseURL)
		cancel()
		if err == nil {
			slog.Info("dbverify: using pgx client")
			return c, nil
		}
		slog.Warn("dbverify: pgx unavailable", "error", err)
		tried = append(tried, fmt.Errorf("pgx: %w", err))

		if path, err := r.LookPath("psql"); err == nil {
			c := NewPsqlClient(r.Run, path, cfg.DatabaseURL)
			err := r.probe(ctx, c)
			if err == nil {
				slog.Info("dbverify: using local psql", "path", path)
				return c, nil
			}
			tried = append(tried, fmt.Errorf("psql: %w", err))
		}
	}

	if path, err := r.LookPath("docker"); err == nil {
		c := NewContainerClient(r.Run, path, cfg.DBContainerService, cfg.DBContainerUser, cfg.DBContainerName)
		err := r.probe(ctx, c)
		if err == nil {
			slog.Info("dbverify: using containerised psql", "service", cfg.DBContainerService)
			return c, nil
		}
		tried = append(tried, fmt.Errorf("container: %w", err))
	}

	return nil, failure.OracleUnavailable("resolve database client", errors.Join(append([]error{ErrOracleUnavailable}, tried...)...))
}

func (r *Resolver) probe(ctx context.Context, c Client) error {
	pctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	out, err := c.Query(pctx, "SELECT 1")
	if err != nil {
		return err
	}
	if out != "1" {
		return fmt.Errorf("unexpected probe output %q", out)
	}
	return nil
}
