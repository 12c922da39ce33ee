package metastore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/metastore"
)

var t0 = time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

// stores runs each test against the SQLite-backed and in-memory stores.
func stores(t *testing.T) map[string]metastore.Store {
	t.Helper()
	ctx := context.Background()
	sqlStore, err := metastore.Open(ctx, metastore.Config{Driver: "sqlite3", DSN: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, sqlStore.EnsureSchema(ctx))
	require.NoError(t, sqlStore.EnsureSchema(ctx), "schema creation is repeatable")
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]metastore.Store{
		"sqlite": sqlStore,
		"memory": metastore.NewMemory(),
	}
}

func TestWatermark_GetSet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			wm, err := s.Get(ctx, "dbo.FactSales")
			require.NoError(t, err)
			assert.Nil(t, wm, "absent watermark")

			want := core.Watermark{
				Table:           "dbo.FactSales",
				LastLoadType:    core.LoadDelta,
				LastDeltaColumn: "modified_at",
				LastDeltaValue:  t0.Add(123456 * time.Microsecond),
				LastRowCount:    120,
				LastBatchID:     "sync_20260301_083000_00000001",
				LastSuccessAt:   t0.Add(time.Minute),
			}
			require.NoError(t, s.Set(ctx, "dbo.FactSales", want))
			require.NoError(t, s.Set(ctx, "dbo.FactSales", want), "same value twice")

			got, err := s.Get(ctx, "dbo.FactSales")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, *got)

			want.LastDeltaValue = t0.Add(time.Hour)
			want.LastRowCount = 5
			require.NoError(t, s.Set(ctx, "dbo.FactSales", want))
			got, err = s.Get(ctx, "dbo.FactSales")
			require.NoError(t, err)
			assert.Equal(t, int64(5), got.LastRowCount)
			assert.True(t, got.LastDeltaValue.Equal(t0.Add(time.Hour)))
		})
	}
}

func TestJobs_SaveAndLatest(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.LatestJob(ctx, "dbo.FactSales")
			assert.True(t, errors.Is(err, metastore.ErrNotFound))

			spec := core.TableSpec{SourceSchema: "dbo", SourceTable: "FactSales", LoadType: core.LoadDelta, DeltaColumn: "modified_at"}
			older := &core.SyncJob{RunID: "sync_20260301_083000_00000001", Spec: spec, LoadType: core.LoadDelta, State: core.StateComplete, StartedAt: t0}
			newer := &core.SyncJob{
				RunID: "sync_20260301_093000_00000002", Spec: spec, LoadType: core.LoadDelta, State: core.StatePlanned, StartedAt: t0.Add(time.Hour),
				Extent:       core.Range{Kind: core.RangeTime, Column: "modified_at", From: t0, To: t0.Add(time.Hour), ToInclusive: true},
				ExpectedRows: 42, ChunkSize: 10, Snapshot: t0.Add(time.Hour),
				Columns: []core.Column{{Name: "id", DataType: "bigint"}},
			}
			require.NoError(t, s.SaveJob(ctx, older))
			require.NoError(t, s.SaveJob(ctx, newer))

			newer.State = core.StateFailed
			newer.Loaded = true
			newer.WatermarkPending = true
			newer.Error = "E_WATERMARK_WRITE: dbo.FactSales: connection refused"
			require.NoError(t, s.SaveJob(ctx, newer))

			got, err := s.LatestJob(ctx, "dbo.FactSales")
			require.NoError(t, err)
			assert.Equal(t, newer.RunID, got.RunID)
			assert.Equal(t, core.StateFailed, got.State)
			assert.True(t, got.WatermarkPending)
			assert.Equal(t, int64(42), got.ExpectedRows)
			assert.Equal(t, newer.Extent, got.Extent)
			assert.Equal(t, newer.Columns, got.Columns)
			assert.True(t, got.Snapshot.Equal(newer.Snapshot))
		})
	}
}

func TestChunks_Upsert(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			runID := "sync_20260301_083000_00000001"
			for i := 2; i >= 0; i-- {
				require.NoError(t, s.SaveChunk(ctx, runID, core.Chunk{
					Index: i, Status: core.ChunkPlanned,
					Range: core.Range{Kind: core.RangeID, Column: "id", LowID: int64(i * 10), HighID: int64(i*10 + 9)},
				}))
			}
			require.NoError(t, s.SaveChunk(ctx, runID, core.Chunk{
				Index: 1, Status: core.ChunkStaged, RowCount: 10, Location: "sync/t/r/chunk_000001.csv", Checksum: "abc", Size: 99,
				Range: core.Range{Kind: core.RangeID, Column: "id", LowID: 10, HighID: 19},
			}))

			chunks, err := s.Chunks(ctx, runID)
			require.NoError(t, err)
			require.Len(t, chunks, 3)
			assert.Equal(t, []int{0, 1, 2}, []int{chunks[0].Index, chunks[1].Index, chunks[2].Index})
			assert.Equal(t, core.ChunkStaged, chunks[1].Status)
			assert.Equal(t, "abc", chunks[1].Checksum)
			assert.Equal(t, int64(99), chunks[1].Size)
			assert.Equal(t, int64(19), chunks[1].Range.HighID)
		})
	}
}

func TestStatsAndQuality_AppendOnly(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			runID := "sync_20260301_083000_00000001"
			failed := core.LoadStatsRecord{
				RunID: runID, PipelineName: "ucl-sync", TriggerType: "manual",
				RunStartedAt: t0, RunEndedAt: t0.Add(time.Minute),
				SourceSchema: "dbo", SourceTable: "FactSales", TargetSchema: "stg", TargetTable: "fact_sales",
				LoadType: core.LoadDelta, DeltaColumn: "modified_at", DeltaStart: t0.Add(-time.Hour), DeltaEnd: t0,
				RowsRead: 30, ChunksProcessed: 3, DurationMillis: 60000, ErrorMessage: "E_EXTRACTION: boom",
			}
			ok := failed
			ok.RunEndedAt = t0.Add(2 * time.Minute)
			ok.Success, ok.ErrorMessage, ok.RowsLoaded = true, "", 30
			require.NoError(t, s.AppendLoadStats(ctx, failed))
			require.NoError(t, s.AppendLoadStats(ctx, ok))

			stats, err := s.LoadStats(ctx, runID)
			require.NoError(t, err)
			require.Len(t, stats, 2)
			assert.Equal(t, failed, stats[0])
			assert.Equal(t, ok, stats[1])

			results := []core.QualityCheckResult{
				{RunID: runID, Table: "dbo.FactSales", CheckType: core.CheckRowCount, SourceValue: 30, TargetValue: 30, Tolerance: 0.01, Passed: true, CheckedAt: t0},
				{RunID: runID, Table: "dbo.FactSales", CheckType: core.CheckAggregate, Column: "amount", SourceValue: 10, TargetValue: 9, Difference: 1, DifferencePercent: 10, Tolerance: 0.01, CheckedAt: t0},
			}
			require.NoError(t, s.AppendQualityResults(ctx, results))
			require.NoError(t, s.AppendQualityResults(ctx, nil))

			got, err := s.QualityResults(ctx, runID)
			require.NoError(t, err)
			assert.ElementsMatch(t, results, got)
		})
	}
}
