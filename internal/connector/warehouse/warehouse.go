// Package warehouse is the destination side of a sync: a Postgres-compatible
// analytical database reached through pgx, loaded with COPY FROM STDIN.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/core"
)

// Metadata column names attached to every loaded row.
const (
	ColumnLoadedAt     = "_loaded_at"
	ColumnRunID        = "_run_id"
	ColumnSourceSystem = "_source_system_id"
)

// MetaColumn is a lineage column the loader appends to each row.
type MetaColumn struct {
	Name string
	Type string
}

// DefaultMetaColumns returns the lineage columns, with the source system column when requested.
func DefaultMetaColumns(withSourceSystem bool) []MetaColumn {
	cols := []MetaColumn{
		{Name: ColumnLoadedAt, Type: "timestamp"},
		{Name: ColumnRunID, Type: "varchar(64)"},
	}
	if withSourceSystem {
		cols = append(cols, MetaColumn{Name: ColumnSourceSystem, Type: "varchar(64)"})
	}
	return cols
}

// Config holds the destination connection.
type Config struct {
	DSN      string
	MaxConns int32
}

// IngestRequest is one bulk ingest of a whole staged set.
type IngestRequest struct {
	Table     core.TableRef
	Columns   []string
	Reader    io.Reader
	Delimiter rune
	// Replace truncates the table inside the ingest transaction.
	Replace bool
	// BeforeCommit may veto the commit after COPY reports its row count.
	BeforeCommit func(rowsLoaded int64) error
}

// Warehouse implements the destination over a pgx pool.
type Warehouse struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects to the destination.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Warehouse, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse target dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect target: %w", err)
	}
	return &Warehouse{pool: pool, logger: logger.Named("warehouse")}, nil
}

// Close releases the pool.
func (w *Warehouse) Close() {
	w.pool.Close()
}

// Ping checks connectivity.
func (w *Warehouse) Ping(ctx context.Context) error {
	return w.pool.Ping(ctx)
}

// TableExists reports whether the table is visible.
func (w *Warehouse) TableExists(ctx context.Context, table core.TableRef) (bool, error) {
	var exists bool
	err := w.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, schemaOf(table), table.Name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

// EnsureTable creates the table from source columns when absent and adds missing lineage columns.
func (w *Warehouse) EnsureTable(ctx context.Context, table core.TableRef, cols []core.Column, meta []MetaColumn) error {
	exists, err := w.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		if len(cols) == 0 {
			return fmt.Errorf("cannot create %s: no source columns", table)
		}
		if _, err := w.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schemaOf(table)))); err != nil {
			return fmt.Errorf("create schema for %s: %w", table, err)
		}
		ddl := CreateTableSQL(table, cols, meta)
		if _, err := w.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		w.logger.Info("created target table", zap.String("table", table.String()), zap.Int("columns", len(cols)))
		return nil
	}
	for _, m := range meta {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", qualified(table), quoteIdent(m.Name), m.Type)
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s to %s: %w", m.Name, table, err)
		}
	}
	return nil
}

// Ingest runs TRUNCATE (on replace) and COPY in one transaction, so a failed
// ingest leaves the table in its previous state.
func (w *Warehouse) Ingest(ctx context.Context, req IngestRequest) (int64, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin ingest: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			w.logger.Warn("rollback failed", zap.String("table", req.Table.String()), zap.Error(rbErr))
		}
	}()

	if req.Replace {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+qualified(req.Table)); err != nil {
			return 0, fmt.Errorf("truncate %s: %w", req.Table, err)
		}
	}

	tag, err := tx.Conn().PgConn().CopyFrom(ctx, req.Reader, CopySQL(req.Table, req.Columns, req.Delimiter))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", req.Table, err)
	}
	loaded := tag.RowsAffected()

	if req.BeforeCommit != nil {
		if err := req.BeforeCommit(loaded); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit ingest: %w", err)
	}
	w.logger.Info("bulk ingest committed",
		zap.String("table", req.Table.String()),
		zap.Int64("rows", loaded),
		zap.Bool("replace", req.Replace))
	return loaded, nil
}

// CountRows counts rows, restricted to one run when runID is set.
func (w *Warehouse) CountRows(ctx context.Context, table core.TableRef, runID string) (int64, error) {
	query, args := runFilter(fmt.Sprintf("SELECT COUNT(*) FROM %s", qualified(table)), runID)
	var n int64
	if err := w.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Sum sums a column, restricted to one run when runID is set.
func (w *Warehouse) Sum(ctx context.Context, table core.TableRef, column, runID string) (float64, error) {
	query, args := runFilter(fmt.Sprintf("SELECT COALESCE(SUM(%s), 0)::float8 FROM %s", quoteIdent(column), qualified(table)), runID)
	var total float64
	if err := w.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum %s.%s: %w", table, column, err)
	}
	return total, nil
}

// CountNulls counts null values of a column, restricted to one run when runID is set.
func (w *Warehouse) CountNulls(ctx context.Context, table core.TableRef, column, runID string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL", qualified(table), quoteIdent(column))
	var args []any
	if runID != "" {
		query += fmt.Sprintf(" AND %s = $1", quoteIdent(ColumnRunID))
		args = append(args, runID)
	}
	var n int64
	if err := w.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("null count %s.%s: %w", table, column, err)
	}
	return n, nil
}

func runFilter(query, runID string) (string, []any) {
	if runID == "" {
		return query, nil
	}
	return query + fmt.Sprintf(" WHERE %s = $1", quoteIdent(ColumnRunID)), []any{runID}
}

// CopySQL renders the COPY statement for a delimited artifact stream.
func CopySQL(table core.TableRef, columns []string, delimiter rune) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, DELIMITER %s, NULL '')",
		qualified(table), strings.Join(quoted, ", "), quoteLiteral(string(delimiter)))
}

func schemaOf(t core.TableRef) string {
	if t.Schema == "" {
		return "public"
	}
	return t.Schema
}

func qualified(t core.TableRef) string {
	return quoteIdent(schemaOf(t)) + "." + quoteIdent(t.Name)
}

func quoteIdent(s string) string {
	return pgx.Identifier{s}.Sanitize()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
