package jdbc

import (
	"context"
	"fmt"
	"time"

	"github.com/nucleus/ucl-sync/internal/core"
)

// Config holds source connection configuration.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ReadsPerSecond throttles range reads; zero disables throttling.
	ReadsPerSecond float64
}

// RowFunc receives each row of a range read. The row slice is reused between calls.
type RowFunc func(columns []string, row []any) error

// Source is the read side of a sync: range-bounded selects plus the probes used for planning and validation.
type Source interface {
	ID() string
	Ping(ctx context.Context) error
	Close() error
	Columns(ctx context.Context, table core.TableRef) ([]core.Column, error)
	EstimateRows(ctx context.Context, table core.TableRef) (int64, error)
	Count(ctx context.Context, table core.TableRef, r core.Range) (int64, error)
	IDBounds(ctx context.Context, table core.TableRef, column string) (lo, hi int64, ok bool, err error)
	ReadRange(ctx context.Context, table core.TableRef, r core.Range, fn RowFunc) error
	Sum(ctx context.Context, table core.TableRef, column string, r core.Range) (float64, error)
	CountNulls(ctx context.Context, table core.TableRef, column string, r core.Range) (int64, error)
}

var (
	_ Source = (*Base)(nil)
	_ Source = (*Postgres)(nil)
	_ Source = (*SQLite)(nil)
)

// Open connects to the configured driver and returns its vendor connector.
func Open(cfg Config) (Source, error) {
	switch cfg.Driver {
	case "postgres", "":
		return NewPostgres(cfg)
	case "sqlite3":
		return NewSQLite(cfg)
	}
	return nil, fmt.Errorf("unsupported source driver %q", cfg.Driver)
}
