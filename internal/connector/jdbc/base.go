// Package jdbc implements the relational source side of a sync.
//
// Architecture:
//
//	Base       - Generic database/sql connector (ANSI information_schema, COUNT probes)
//	Postgres   - PostgreSQL with pg_class row estimates
//	SQLite     - SQLite with PRAGMA table_info, used for local runs and tests
//
// Each vendor connector embeds Base and overrides vendor-specific behavior.
package jdbc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nucleus/ucl-sync/internal/core"
)

// Base implements the generic connector.
// Vendor-specific connectors embed this and override methods as needed.
type Base struct {
	Config     Config
	DB         *sql.DB
	DriverName string

	limiter *rate.Limiter
}

// NewBase opens a generic connector.
func NewBase(cfg Config) (*Base, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	return NewBaseWithDB(db, cfg), nil
}

// NewBaseWithDB wraps an already opened handle.
func NewBaseWithDB(db *sql.DB, cfg Config) *Base {
	b := &Base{Config: cfg, DB: db, DriverName: cfg.Driver}
	if cfg.ReadsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.ReadsPerSecond), 1)
	}
	return b
}

// Close releases database resources.
func (b *Base) Close() error {
	if b.DB != nil {
		return b.DB.Close()
	}
	return nil
}

// ID returns the connector id.
func (b *Base) ID() string {
	return "jdbc." + b.DriverName
}

// Ping tests the database connection.
func (b *Base) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return b.DB.PingContext(ctx)
}

// Columns returns column definitions (generic ANSI SQL).
func (b *Base) Columns(ctx context.Context, table core.TableRef) ([]core.Column, error) {
	query := b.rebind(`
		SELECT column_name, data_type, is_nullable,
			COALESCE(character_maximum_length, 0),
			COALESCE(numeric_precision, 0),
			COALESCE(numeric_scale, 0),
			ordinal_position
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position
	`)
	rows, err := b.DB.QueryContext(ctx, query, table.Schema, table.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	defer rows.Close()

	var cols []core.Column
	for rows.Next() {
		var c core.Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.DataType, &nullable, &c.Length, &c.Precision, &c.Scale, &c.Position); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found or has no columns", table)
	}
	return cols, nil
}

// EstimateRows falls back to COUNT(*) - slow but universal.
func (b *Base) EstimateRows(ctx context.Context, table core.TableRef) (int64, error) {
	return b.Count(ctx, table, core.Range{Kind: core.RangeAll})
}

// Count returns the row count inside r. A window is clamped from the count
// of its filter, so no ordering is needed.
func (b *Base) Count(ctx context.Context, table core.TableRef, r core.Range) (int64, error) {
	where, args := b.where(r)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", b.tableName(table), where)

	var count int64
	if err := b.DB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	if r.Windowed() {
		count = min(max(count-r.Offset, 0), r.Limit)
	}
	return count, nil
}

// IDBounds returns MIN/MAX of an integer column; ok is false for an empty table.
func (b *Base) IDBounds(ctx context.Context, table core.TableRef, column string) (int64, int64, bool, error) {
	col := b.quote(column)
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", col, col, b.tableName(table))

	var lo, hi sql.NullInt64
	if err := b.DB.QueryRowContext(ctx, query).Scan(&lo, &hi); err != nil {
		return 0, 0, false, fmt.Errorf("failed to get bounds: %w", err)
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, false, nil
	}
	return lo.Int64, hi.Int64, true, nil
}

// ReadRange streams the rows inside r to fn.
func (b *Base) ReadRange(ctx context.Context, table core.TableRef, r core.Range, fn RowFunc) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	query, args := b.selectRows(table, r)
	rows, err := b.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("read range query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to get columns: %w", err)
	}

	values := make([]any, len(cols))
	valuePtrs := make([]any, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		if err := fn(cols, values); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Sum returns SUM(column) inside r; an empty range sums to zero.
func (b *Base) Sum(ctx context.Context, table core.TableRef, column string, r core.Range) (float64, error) {
	from, where, args := b.relation(table, r)
	query := fmt.Sprintf("SELECT SUM(%s) FROM %s%s", b.quote(column), from, where)

	var total sql.NullFloat64
	if err := b.DB.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum query failed: %w", err)
	}
	return total.Float64, nil
}

// CountNulls returns how many rows inside r have a null column.
func (b *Base) CountNulls(ctx context.Context, table core.TableRef, column string, r core.Range) (int64, error) {
	from, where, args := b.relation(table, r)
	cond := fmt.Sprintf("%s IS NULL", b.quote(column))
	if where == "" {
		where = " WHERE " + cond
	} else {
		where += " AND " + cond
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", from, where)

	var count int64
	if err := b.DB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("null count query failed: %w", err)
	}
	return count, nil
}
