package jdbc

import (
	"fmt"
	"strings"
	"time"

	"github.com/nucleus/ucl-sync/internal/core"
)

// where renders the filter of r. The window of r is applied by selectRows.
func (b *Base) where(r core.Range) (string, []any) {
	var conds []string
	var args []any

	switch r.Kind {
	case core.RangeID:
		col := b.quote(r.Column)
		conds = append(conds, col+" >= ?", col+" <= ?")
		args = append(args, r.LowID, r.HighID)
	case core.RangeTime:
		col := b.quote(r.Column)
		lower, upper := " > ?", " < ?"
		if r.FromInclusive {
			lower = " >= ?"
		}
		if r.ToInclusive {
			upper = " <= ?"
		}
		conds = append(conds, col+lower, col+upper)
		args = append(args, b.timeArg(r.From), b.timeArg(r.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return b.rebind(" WHERE " + strings.Join(conds, " AND ")), args
}

// selectRows renders the read of r. A window sorts by OrderBy so the same
// Offset always starts at the same row.
func (b *Base) selectRows(table core.TableRef, r core.Range) (string, []any) {
	where, args := b.where(r)
	query := fmt.Sprintf("SELECT * FROM %s%s", b.tableName(table), where)
	if !r.Windowed() {
		return query, args
	}
	if len(r.OrderBy) > 0 {
		cols := make([]string, len(r.OrderBy))
		for i, c := range r.OrderBy {
			cols[i] = b.quote(c)
		}
		query += " ORDER BY " + strings.Join(cols, ", ")
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", r.Limit, r.Offset)
	return query, args
}

// relation returns what aggregates over r select from: the table and its
// filter, or the windowed read as a derived table.
func (b *Base) relation(table core.TableRef, r core.Range) (from, where string, args []any) {
	if !r.Windowed() {
		where, args = b.where(r)
		return b.tableName(table), where, args
	}
	query, args := b.selectRows(table, r)
	return "(" + query + ") w", "", args
}

// rebind converts '?' placeholders to $n for drivers that need it.
func (b *Base) rebind(query string) string {
	if !b.dollarPlaceholders() {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *Base) dollarPlaceholders() bool {
	switch b.DriverName {
	case "postgres", "pgx":
		return true
	}
	return false
}

// quote quotes an identifier with ANSI double quotes.
func (b *Base) quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (b *Base) tableName(t core.TableRef) string {
	if t.Schema == "" {
		return b.quote(t.Name)
	}
	return b.quote(t.Schema) + "." + b.quote(t.Name)
}

// timeArg normalizes bound timestamps to UTC so text-stored timestamps compare correctly.
func (b *Base) timeArg(t time.Time) any {
	return t.UTC()
}
