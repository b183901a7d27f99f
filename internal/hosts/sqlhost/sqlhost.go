// Package sqlhost exposes a relational primary store and a key-value secondary store as tools.
package sqlhost

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/resources"
)

const (
	KindPrimaryStore   resources.Kind = "primary-store"
	KindSecondaryStore resources.Kind = "secondary-store"
)

// Definition describes the sql-host process.
var Definition = host.Definition{
	Name:         "sql-host",
	Version:      "0.3.0",
	Description:  "Query, migrate and inspect a PostgreSQL database and its Redis cache",
	Instructions: "Set DATABASE_URL for the relational tools and REDIS_URL for the cache tools.",
	Install:      Install,
}

// database is the subset of *pgxpool.Pool the tools use.
type database interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type handlers struct {
	handles *resources.Manager
	db      func(ctx context.Context) (database, error)
	cache   func(ctx context.Context) (redis.UniversalClient, error)
}

func newHandlers(m *resources.Manager) *handlers {
	return &handlers{
		handles: m,
		db: func(ctx context.Context) (database, error) {
			pool, err := resources.Get[*pgxpool.Pool](ctx, m, KindPrimaryStore)
			if err != nil {
				return nil, err
			}
			return pool, nil
		},
		cache: func(ctx context.Context) (redis.UniversalClient, error) {
			client, err := resources.Get[*redis.Client](ctx, m, KindSecondaryStore)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

// Install registers the sql-host kinds, tools and resources.
func Install(r *host.Registrar) error {
	if err := errors.Join(
		r.Handles.Register(KindPrimaryStore, newPrimaryStore),
		r.Handles.Register(KindSecondaryStore, newSecondaryStore),
	); err != nil {
		return err
	}
	h := newHandlers(r.Handles)
	return errors.Join(h.registerTools(r), h.registerAdminTools(r), h.registerResources(r))
}

func newPrimaryStore(ctx context.Context, cfg *resources.Config) (any, error) {
	dsn := cfg.Require("DATABASE_URL")
	maxConns := cfg.Optional("DATABASE_MAX_CONNS", "")
	if err := cfg.Err(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if maxConns != "" {
		n, err := strconv.Atoi(maxConns)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("DATABASE_MAX_CONNS must be a positive integer, got %q", maxConns)
		}
		poolConfig.MaxConns = int32(n)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect primary store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping primary store: %w", err)
	}
	return pool, nil
}

func newSecondaryStore(ctx context.Context, cfg *resources.Config) (any, error) {
	url := cfg.Require("REDIS_URL")
	if err := cfg.Err(); err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping secondary store: %w", err)
	}
	return client, nil
}
