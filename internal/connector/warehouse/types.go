package warehouse

import (
	"fmt"
	"strings"

	"github.com/nucleus/ucl-sync/internal/core"
)

// maxVarcharLength is the Postgres varchar ceiling; longer or unbounded strings become text.
const maxVarcharLength = 10485760

// MapType translates a source column type to a destination type.
func MapType(col core.Column) string {
	t := strings.ToLower(strings.TrimSpace(col.DataType))
	switch {
	case t == "tinyint" || t == "smallint" || t == "int2":
		return "smallint"
	case t == "int" || t == "integer" || t == "int4" || t == "mediumint":
		return "integer"
	case t == "bigint" || t == "int8":
		return "bigint"
	case t == "money" || t == "smallmoney":
		return "numeric(19,4)"
	case t == "decimal" || t == "numeric":
		if col.Precision > 0 {
			return fmt.Sprintf("numeric(%d,%d)", col.Precision, col.Scale)
		}
		return "numeric"
	case t == "real" || t == "float4":
		return "real"
	case strings.HasPrefix(t, "float") || strings.HasPrefix(t, "double"):
		return "double precision"
	case t == "bit" || t == "bool" || t == "boolean":
		return "boolean"
	case t == "date":
		return "date"
	case t == "time" || strings.HasPrefix(t, "time without"):
		return "time"
	case t == "datetimeoffset" || t == "timestamptz" || strings.HasPrefix(t, "timestamp with time zone"):
		return "timestamptz"
	case strings.HasPrefix(t, "datetime") || t == "smalldatetime" || strings.HasPrefix(t, "timestamp"):
		return "timestamp"
	case t == "uniqueidentifier" || t == "uuid":
		return "uuid"
	case t == "json" || t == "jsonb":
		return "jsonb"
	case strings.Contains(t, "binary") || t == "bytea" || t == "blob" || t == "image":
		return "bytea"
	case strings.Contains(t, "char"):
		if col.Length > 0 && col.Length <= maxVarcharLength {
			return fmt.Sprintf("varchar(%d)", col.Length)
		}
		return "text"
	}
	return "text"
}

// CreateTableSQL renders the DDL for a table inferred from source columns.
func CreateTableSQL(table core.TableRef, cols []core.Column, meta []MetaColumn) string {
	defs := make([]string, 0, len(cols)+len(meta))
	for _, c := range cols {
		def := quoteIdent(c.Name) + " " + MapType(c)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	for _, m := range meta {
		defs = append(defs, quoteIdent(m.Name)+" "+m.Type)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", qualified(table), strings.Join(defs, ",\n\t"))
}
