package jdbc

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nucleus/ucl-sync/internal/core"
)

// SQLite extends Base for file or in-memory SQLite sources.
type SQLite struct {
	*Base
}

// NewSQLite creates a SQLite connector.
func NewSQLite(cfg Config) (*SQLite, error) {
	cfg.Driver = "sqlite3"
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}
	base, err := NewBase(cfg)
	if err != nil {
		return nil, err
	}
	return &SQLite{Base: base}, nil
}

// ID returns the connector id.
func (s *SQLite) ID() string {
	return "jdbc.sqlite3"
}

var typeArgs = regexp.MustCompile(`^\s*([A-Za-z ]+?)\s*(?:\((\d+)(?:\s*,\s*(\d+))?\))?\s*$`)

// Columns reads PRAGMA table_info; SQLite has no information_schema.
func (s *SQLite) Columns(ctx context.Context, table core.TableRef) ([]core.Column, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", s.quote(table.Name)))
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	defer rows.Close()

	var cols []core.Column
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, declType   string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col := core.Column{
			Name:     name,
			DataType: strings.ToLower(declType),
			Nullable: notNull == 0 && pk == 0,
			Position: cid + 1,
		}
		if m := typeArgs.FindStringSubmatch(declType); m != nil {
			col.DataType = strings.ToLower(strings.TrimSpace(m[1]))
			if m[2] != "" {
				n, _ := strconv.Atoi(m[2])
				if m[3] != "" {
					col.Precision = n
					col.Scale, _ = strconv.Atoi(m[3])
				} else if strings.Contains(col.DataType, "char") {
					col.Length = n
				} else {
					col.Precision = n
				}
			}
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found or has no columns", table)
	}
	return cols, nil
}
