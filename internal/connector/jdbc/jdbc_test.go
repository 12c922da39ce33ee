package jdbc_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/ucl-sync/internal/connector/jdbc"
	"github.com/nucleus/ucl-sync/internal/core"
)

var sales = core.TableRef{Name: "sales"}

var day0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// newSalesDB returns an in-memory source with ids 1..n, one row per hour from day0.
func newSalesDB(t *testing.T, n int) *jdbc.SQLite {
	t.Helper()
	src, err := jdbc.NewSQLite(jdbc.Config{DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())})
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	ctx := context.Background()
	_, err = src.DB.ExecContext(ctx, `CREATE TABLE sales (
		id INTEGER PRIMARY KEY,
		store VARCHAR(20) NOT NULL,
		amount DECIMAL(12,2),
		modified_at TIMESTAMP
	)`)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		var amount any = float64(i) * 1.5
		if i%10 == 0 {
			amount = nil
		}
		_, err := src.DB.ExecContext(ctx, `INSERT INTO sales (id, store, amount, modified_at) VALUES (?, ?, ?, ?)`,
			i, fmt.Sprintf("s%d", i%3), amount, day0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	return src
}

func TestSQLite_Columns(t *testing.T) {
	src := newSalesDB(t, 0)
	cols, err := src.Columns(context.Background(), sales)
	require.NoError(t, err)
	require.Len(t, cols, 4)

	assert.Equal(t, "id", cols[0].Name)
	assert.False(t, cols[0].Nullable)
	assert.Equal(t, "varchar", cols[1].DataType)
	assert.Equal(t, 20, cols[1].Length)
	assert.Equal(t, "decimal", cols[2].DataType)
	assert.Equal(t, 12, cols[2].Precision)
	assert.Equal(t, 2, cols[2].Scale)
	assert.Equal(t, "timestamp", cols[3].DataType)

	_, err = src.Columns(context.Background(), core.TableRef{Name: "missing"})
	assert.Error(t, err)
}

func TestSQLite_CountAndBounds(t *testing.T) {
	ctx := context.Background()
	src := newSalesDB(t, 48)

	total, err := src.Count(ctx, sales, core.Range{Kind: core.RangeAll})
	require.NoError(t, err)
	assert.Equal(t, int64(48), total)

	lo, hi, ok, err := src.IDBounds(ctx, sales, "id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), lo)
	assert.Equal(t, int64(48), hi)

	ids, err := src.Count(ctx, sales, core.Range{Kind: core.RangeID, Column: "id", LowID: 5, HighID: 14})
	require.NoError(t, err)
	assert.Equal(t, int64(10), ids)

	// (day0+1h, day0+24h] holds hours 2..24
	window := core.Range{Kind: core.RangeTime, Column: "modified_at",
		From: day0.Add(time.Hour), To: day0.Add(24 * time.Hour), ToInclusive: true}
	n, err := src.Count(ctx, sales, window)
	require.NoError(t, err)
	assert.Equal(t, int64(23), n)

	window.FromInclusive = true
	n, err = src.Count(ctx, sales, window)
	require.NoError(t, err)
	assert.Equal(t, int64(24), n)

	sample, err := src.Count(ctx, sales, core.Range{Kind: core.RangeSample, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(10), sample)
}

func TestSQLite_EmptyBounds(t *testing.T) {
	src := newSalesDB(t, 0)
	_, _, ok, err := src.IDBounds(context.Background(), sales, "id")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_ReadRange(t *testing.T) {
	ctx := context.Background()
	src := newSalesDB(t, 20)

	var ids []int64
	var columns []string
	err := src.ReadRange(ctx, sales, core.Range{Kind: core.RangeID, Column: "id", LowID: 3, HighID: 7},
		func(cols []string, row []any) error {
			columns = cols
			ids = append(ids, row[0].(int64))
			if _, ok := row[3].(time.Time); !ok {
				return fmt.Errorf("modified_at scanned as %T", row[3])
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "store", "amount", "modified_at"}, columns)
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, ids)

	rows := 0
	err = src.ReadRange(ctx, sales, core.Range{Kind: core.RangeSample, Limit: 4}, func([]string, []any) error {
		rows++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, rows)
}

func TestSQLite_ReadRangeStopsOnCallbackError(t *testing.T) {
	src := newSalesDB(t, 5)
	stop := fmt.Errorf("stop")
	err := src.ReadRange(context.Background(), sales, core.Range{Kind: core.RangeAll}, func([]string, []any) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}

func TestSQLite_SumAndNulls(t *testing.T) {
	ctx := context.Background()
	src := newSalesDB(t, 20)
	all := core.Range{Kind: core.RangeAll}

	// 1.5 * (1..20) minus ids 10 and 20
	sum, err := src.Sum(ctx, sales, "amount", all)
	require.NoError(t, err)
	assert.InDelta(t, 1.5*(210-30), sum, 1e-9)

	nulls, err := src.CountNulls(ctx, sales, "amount", all)
	require.NoError(t, err)
	assert.Equal(t, int64(2), nulls)

	nulls, err = src.CountNulls(ctx, sales, "amount", core.Range{Kind: core.RangeID, Column: "id", LowID: 1, HighID: 9})
	require.NoError(t, err)
	assert.Equal(t, int64(0), nulls)

	empty, err := src.Sum(ctx, sales, "amount", core.Range{Kind: core.RangeID, Column: "id", LowID: 100, HighID: 200})
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestSQLite_RowWindows(t *testing.T) {
	ctx := context.Background()
	src := newSalesDB(t, 10)
	window := func(offset, limit int64) core.Range {
		return core.Range{Kind: core.RangeAll, Offset: offset, Limit: limit, OrderBy: []string{"id"}}
	}

	var ids []int64
	for _, w := range []core.Range{window(0, 4), window(4, 4), window(8, 4)} {
		n, err := src.Count(ctx, sales, w)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, int64(4))

		err = src.ReadRange(ctx, sales, w, func(_ []string, row []any) error {
			ids = append(ids, row[0].(int64))
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ids, "windows cover the table once, in order")

	n, err := src.Count(ctx, sales, window(8, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// a window inside a filter
	ranged := core.Range{Kind: core.RangeID, Column: "id", LowID: 3, HighID: 9, Offset: 5, Limit: 5, OrderBy: []string{"id"}}
	n, err = src.Count(ctx, sales, ranged)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLite_SampleAggregatesCoverOnlyTheSample(t *testing.T) {
	ctx := context.Background()
	src := newSalesDB(t, 20)
	sample := core.Range{Kind: core.RangeSample, Limit: 12, OrderBy: []string{"id"}}

	// ids 1..12 minus id 10, which is null
	sum, err := src.Sum(ctx, sales, "amount", sample)
	require.NoError(t, err)
	assert.InDelta(t, 1.5*(78-10), sum, 1e-9)

	nulls, err := src.CountNulls(ctx, sales, "amount", sample)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nulls)

	count, err := src.Count(ctx, sales, sample)
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := jdbc.Open(jdbc.Config{Driver: "oracle"})
	assert.Error(t, err)
}

// --- Integration Tests (require UCL_SYNC_TEST_PG_DSN) ---

func TestPostgres_EstimateRows(t *testing.T) {
	dsn := os.Getenv("UCL_SYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: UCL_SYNC_TEST_PG_DSN not set")
	}
	src, err := jdbc.NewPostgres(jdbc.Config{DSN: dsn})
	require.NoError(t, err)
	defer src.Close()

	n, err := src.EstimateRows(context.Background(), core.TableRef{Schema: "pg_catalog", Name: "pg_class"})
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))
}
