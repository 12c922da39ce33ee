package warehouse_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nucleus/ucl-sync/internal/connector/warehouse"
	"github.com/nucleus/ucl-sync/internal/core"
)

func TestMapType(t *testing.T) {
	tests := []struct {
		col  core.Column
		want string
	}{
		{core.Column{DataType: "int"}, "integer"},
		{core.Column{DataType: "BIGINT"}, "bigint"},
		{core.Column{DataType: "tinyint"}, "smallint"},
		{core.Column{DataType: "decimal", Precision: 18, Scale: 4}, "numeric(18,4)"},
		{core.Column{DataType: "numeric"}, "numeric"},
		{core.Column{DataType: "money"}, "numeric(19,4)"},
		{core.Column{DataType: "float"}, "double precision"},
		{core.Column{DataType: "double precision"}, "double precision"},
		{core.Column{DataType: "bit"}, "boolean"},
		{core.Column{DataType: "datetime2"}, "timestamp"},
		{core.Column{DataType: "timestamp without time zone"}, "timestamp"},
		{core.Column{DataType: "timestamp with time zone"}, "timestamptz"},
		{core.Column{DataType: "datetimeoffset"}, "timestamptz"},
		{core.Column{DataType: "date"}, "date"},
		{core.Column{DataType: "nvarchar", Length: 50}, "varchar(50)"},
		{core.Column{DataType: "nvarchar", Length: -1}, "text"},
		{core.Column{DataType: "character varying", Length: 255}, "varchar(255)"},
		{core.Column{DataType: "uniqueidentifier"}, "uuid"},
		{core.Column{DataType: "varbinary"}, "bytea"},
		{core.Column{DataType: "geography"}, "text"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, warehouse.MapType(tt.col), tt.col.DataType)
	}
}

func TestCreateTableSQL(t *testing.T) {
	ddl := warehouse.CreateTableSQL(
		core.TableRef{Schema: "stg", Name: "FactSales"},
		[]core.Column{
			{Name: "SalesKey", DataType: "bigint"},
			{Name: "Amount", DataType: "decimal", Precision: 12, Scale: 2, Nullable: true},
		},
		warehouse.DefaultMetaColumns(true),
	)
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "stg"."FactSales"`)
	assert.Contains(t, ddl, `"SalesKey" bigint NOT NULL`)
	assert.Contains(t, ddl, `"Amount" numeric(12,2)`)
	assert.NotContains(t, ddl, `"Amount" numeric(12,2) NOT NULL`)
	assert.Contains(t, ddl, `"_loaded_at" timestamp`)
	assert.Contains(t, ddl, `"_run_id" varchar(64)`)
	assert.Contains(t, ddl, `"_source_system_id" varchar(64)`)
}

func TestCopySQL(t *testing.T) {
	stmt := warehouse.CopySQL(core.TableRef{Name: "t"}, []string{"id", "name", "_run_id"}, '|')
	assert.Equal(t, `COPY "public"."t" ("id", "name", "_run_id") FROM STDIN WITH (FORMAT csv, DELIMITER '|', NULL '')`, stmt)
}

// --- Integration Tests (require UCL_SYNC_TEST_PG_DSN) ---

func TestWarehouse_ReplaceAndAppend(t *testing.T) {
	dsn := os.Getenv("UCL_SYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: UCL_SYNC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	w, err := warehouse.New(ctx, warehouse.Config{DSN: dsn}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Close()

	table := core.TableRef{Schema: "ucl_sync_test", Name: fmt.Sprintf("t_%d", time.Now().UnixNano())}
	cols := []core.Column{{Name: "id", DataType: "bigint"}, {Name: "name", DataType: "varchar", Length: 20, Nullable: true}}
	require.NoError(t, w.EnsureTable(ctx, table, cols, warehouse.DefaultMetaColumns(false)))

	ingest := func(body string, replace bool) int64 {
		n, err := w.Ingest(ctx, warehouse.IngestRequest{
			Table:     table,
			Columns:   []string{"id", "name", "_loaded_at", "_run_id"},
			Reader:    strings.NewReader(body),
			Delimiter: '|',
			Replace:   replace,
		})
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, int64(2), ingest("1|a|2026-01-01 00:00:00|r1\n2||2026-01-01 00:00:00|r1\n", false))
	assert.Equal(t, int64(1), ingest("3|c|2026-01-02 00:00:00|r2\n", false))
	total, err := w.CountRows(ctx, table, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	nulls, err := w.CountNulls(ctx, table, "name", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), nulls)

	assert.Equal(t, int64(1), ingest("9|z|2026-01-03 00:00:00|r3\n", true))
	total, err = w.CountRows(ctx, table, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	// a vetoed replace leaves the previous rows visible
	_, err = w.Ingest(ctx, warehouse.IngestRequest{
		Table:        table,
		Columns:      []string{"id", "name", "_loaded_at", "_run_id"},
		Reader:       strings.NewReader("10|y|2026-01-04 00:00:00|r4\n"),
		Delimiter:    '|',
		Replace:      true,
		BeforeCommit: func(int64) error { return fmt.Errorf("row count mismatch") },
	})
	require.Error(t, err)
	sum, err := w.Sum(ctx, table, "id", "")
	require.NoError(t, err)
	assert.Equal(t, float64(9), sum)
}

func TestMemory_IngestReplaceAndVeto(t *testing.T) {
	ctx := context.Background()
	m := warehouse.NewMemory()
	table := core.TableRef{Schema: "stg", Name: "t"}
	require.NoError(t, m.EnsureTable(ctx, table, []core.Column{{Name: "id"}, {Name: "name"}}, warehouse.DefaultMetaColumns(false)))

	cols := []string{"id", "name", warehouse.ColumnLoadedAt, warehouse.ColumnRunID}
	n, err := m.Ingest(ctx, warehouse.IngestRequest{Table: table, Columns: cols, Delimiter: '|',
		Reader: strings.NewReader("1|a|2026-01-01 00:00:00|r1\n2||2026-01-01 00:00:00|r1\n")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	nulls, err := m.CountNulls(ctx, table, "name", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), nulls)

	_, err = m.Ingest(ctx, warehouse.IngestRequest{Table: table, Columns: cols, Delimiter: '|', Replace: true,
		Reader:       strings.NewReader("3|c|2026-01-02 00:00:00|r2\n"),
		BeforeCommit: func(int64) error { return fmt.Errorf("veto") }})
	require.Error(t, err)
	assert.Len(t, m.Rows(table), 2, "vetoed replace keeps previous rows")

	_, err = m.Ingest(ctx, warehouse.IngestRequest{Table: table, Columns: cols, Delimiter: '|', Replace: true,
		Reader: strings.NewReader("3|c|2026-01-02 00:00:00|r2\n")})
	require.NoError(t, err)
	sum, err := m.Sum(ctx, table, "id", "")
	require.NoError(t, err)
	assert.Equal(t, float64(3), sum)
}
