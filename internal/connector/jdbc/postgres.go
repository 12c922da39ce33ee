package jdbc

import (
	"context"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nucleus/ucl-sync/internal/core"
)

// Postgres extends Base with PostgreSQL-specific optimizations.
type Postgres struct {
	*Base
}

// NewPostgres creates a PostgreSQL connector.
func NewPostgres(cfg Config) (*Postgres, error) {
	cfg.Driver = "postgres"
	base, err := NewBase(cfg)
	if err != nil {
		return nil, err
	}
	return &Postgres{Base: base}, nil
}

// ID returns the connector id.
func (p *Postgres) ID() string {
	return "jdbc.postgres"
}

// EstimateRows reads pg_class statistics and falls back to COUNT(*) for never-analyzed tables.
func (p *Postgres) EstimateRows(ctx context.Context, table core.TableRef) (int64, error) {
	schema := table.Schema
	if schema == "" {
		schema = "public"
	}
	const statsQuery = `
		SELECT COALESCE(c.reltuples::bigint, -1)
		FROM pg_class c
		JOIN pg_namespace n ON c.relnamespace = n.oid
		WHERE n.nspname = $1 AND c.relname = $2
	`
	var estimate int64
	if err := p.DB.QueryRowContext(ctx, statsQuery, schema, table.Name).Scan(&estimate); err != nil || estimate < 0 {
		return p.Base.EstimateRows(ctx, table)
	}
	return estimate, nil
}
