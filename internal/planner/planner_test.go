package planner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/planner"
)

var snapshot = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeSource holds rows as (id, modified) pairs.
type fakeSource struct {
	ids      []int64
	times    []time.Time
	estimate int64
	err      error
}

func (f *fakeSource) Columns(context.Context, core.TableRef) ([]core.Column, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []core.Column{{Name: "id", DataType: "bigint"}, {Name: "modified_at", DataType: "timestamp"}}, nil
}

func (f *fakeSource) EstimateRows(context.Context, core.TableRef) (int64, error) {
	if f.estimate > 0 {
		return f.estimate, nil
	}
	return int64(len(f.ids)), nil
}

func (f *fakeSource) Count(_ context.Context, _ core.TableRef, r core.Range) (int64, error) {
	var n int64
	for i := range f.ids {
		switch r.Kind {
		case core.RangeID:
			if r.ContainsID(f.ids[i]) {
				n++
			}
		case core.RangeTime:
			if r.ContainsTime(f.times[i]) {
				n++
			}
		default:
			n++
		}
	}
	if r.Windowed() {
		n = min(max(n-r.Offset, 0), r.Limit)
	}
	return n, nil
}

func (f *fakeSource) IDBounds(context.Context, core.TableRef, string) (int64, int64, bool, error) {
	if len(f.ids) == 0 {
		return 0, 0, false, nil
	}
	lo, hi := f.ids[0], f.ids[0]
	for _, id := range f.ids {
		lo, hi = min(lo, id), max(hi, id)
	}
	return lo, hi, true, nil
}

// hourly returns n rows, one per hour ending at end.
func hourly(n int, end time.Time) *fakeSource {
	f := &fakeSource{}
	for i := 0; i < n; i++ {
		f.ids = append(f.ids, int64(i+1))
		f.times = append(f.times, end.Add(-time.Duration(n-1-i)*time.Hour))
	}
	return f
}

func deltaSpec() core.TableSpec {
	return core.TableSpec{SourceSchema: "dbo", SourceTable: "FactSales", LoadType: core.LoadDelta, DeltaColumn: "modified_at", PKColumn: "id"}
}

func TestPlan_DeltaFirstRunUsesLookback(t *testing.T) {
	src := hourly(120, snapshot)
	p := planner.New(src, planner.Options{ChunkSize: 50, Lookback: 7 * 24 * time.Hour}, zaptest.NewLogger(t))

	plan, err := p.Plan(context.Background(), deltaSpec(), nil, snapshot)
	require.NoError(t, err)

	assert.Equal(t, core.RangeTime, plan.Extent.Kind)
	assert.Equal(t, snapshot.Add(-7*24*time.Hour), plan.Extent.From)
	assert.True(t, plan.Extent.FromInclusive)
	assert.Equal(t, snapshot, plan.Extent.To)
	assert.True(t, plan.Extent.ToInclusive)
	assert.Equal(t, int64(120), plan.ExpectedRows)
	assert.Len(t, plan.Columns, 2)

	// rows sit in the last 120 of 168 hours, so the dense spans are halved
	require.Len(t, plan.Chunks, 4)
	assertCapped(t, src, plan, 50)
}

// assertCapped checks every chunk holds at most limit rows and the chunks add up to the plan.
func assertCapped(t *testing.T, src *fakeSource, plan *planner.Plan, limit int64) {
	t.Helper()
	var total int64
	for i, c := range plan.Chunks {
		assert.Equal(t, i, c.Index)
		n, err := src.Count(context.Background(), core.TableRef{}, c.Range)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, limit, "chunk %d: %s", i, c.Range)
		total += n
	}
	assert.Equal(t, plan.ExpectedRows, total)
}

func TestPlan_DeltaResumesAfterWatermark(t *testing.T) {
	src := hourly(120, snapshot)
	wm := &core.Watermark{Table: "dbo.FactSales", LastDeltaValue: snapshot.Add(-10 * time.Hour)}
	p := planner.New(src, planner.Options{ChunkSize: 50}, nil)

	plan, err := p.Plan(context.Background(), deltaSpec(), wm, snapshot)
	require.NoError(t, err)

	assert.Equal(t, wm.LastDeltaValue, plan.Extent.From)
	assert.False(t, plan.Extent.FromInclusive, "the watermark row was already loaded")
	assert.Equal(t, int64(10), plan.ExpectedRows)
	require.Len(t, plan.Chunks, 1)
}

func TestPlan_DeltaWatermarkAtSnapshotIsEmpty(t *testing.T) {
	src := hourly(5, snapshot)
	wm := &core.Watermark{LastDeltaValue: snapshot}
	p := planner.New(src, planner.Options{ChunkSize: 50}, nil)

	plan, err := p.Plan(context.Background(), deltaSpec(), wm, snapshot)
	require.NoError(t, err)
	assert.Zero(t, plan.ExpectedRows)
	assert.Empty(t, plan.Chunks)
}

func TestPlan_FullSplitsByID(t *testing.T) {
	src := hourly(10, snapshot)
	spec := core.TableSpec{SourceTable: "dim", LoadType: core.LoadFull, PKColumn: "id"}
	p := planner.New(src, planner.Options{ChunkSize: 4}, nil)

	plan, err := p.Plan(context.Background(), spec, nil, snapshot)
	require.NoError(t, err)
	require.Len(t, plan.Chunks, 3)
	assert.Equal(t, int64(1), plan.Chunks[0].Range.LowID)
	assert.Equal(t, int64(4), plan.Chunks[0].Range.HighID)
	assert.Equal(t, int64(9), plan.Chunks[2].Range.LowID)
	assert.Equal(t, int64(10), plan.Chunks[2].Range.HighID)
}

func TestPlan_FullWithoutKeyUsesRowWindows(t *testing.T) {
	src := hourly(10, snapshot)
	spec := core.TableSpec{SourceTable: "dim", LoadType: core.LoadFull}
	p := planner.New(src, planner.Options{ChunkSize: 4}, nil)

	plan, err := p.Plan(context.Background(), spec, nil, snapshot)
	require.NoError(t, err)
	require.Len(t, plan.Chunks, 3)
	for i, c := range plan.Chunks {
		assert.Equal(t, core.RangeAll, c.Range.Kind)
		assert.Equal(t, int64(i*4), c.Range.Offset)
		assert.Equal(t, []string{"id", "modified_at"}, c.Range.OrderBy, "windows need a stable order")
	}
	assert.Equal(t, int64(2), plan.Chunks[2].Range.Limit)
	assertCapped(t, src, plan, 4)
}

func TestPlan_SkewedTimesStayUnderCap(t *testing.T) {
	src := hourly(100, snapshot)
	// 60 more rows inside the newest hour
	for i := 0; i < 60; i++ {
		src.ids = append(src.ids, int64(1000+i))
		src.times = append(src.times, snapshot.Add(-time.Duration(i)*time.Minute/2))
	}
	p := planner.New(src, planner.Options{ChunkSize: 25, Lookback: 7 * 24 * time.Hour}, nil)

	plan, err := p.Plan(context.Background(), deltaSpec(), nil, snapshot)
	require.NoError(t, err)
	assert.Equal(t, int64(160), plan.ExpectedRows)
	assert.Greater(t, len(plan.Chunks), 7)
	assertCapped(t, src, plan, 25)

	for _, ts := range src.times {
		hits := 0
		for _, c := range plan.Chunks {
			if c.Range.ContainsTime(ts) {
				hits++
			}
		}
		assert.Equal(t, 1, hits, ts)
	}
}

func TestPlan_HeavyInstantIsCutIntoWindows(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 9; i++ {
		src.ids = append(src.ids, int64(i+1))
		src.times = append(src.times, snapshot.Add(-time.Hour))
	}
	p := planner.New(src, planner.Options{ChunkSize: 4, Lookback: time.Hour}, nil)

	plan, err := p.Plan(context.Background(), deltaSpec(), nil, snapshot)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Chunks)
	assertCapped(t, src, plan, 4)

	var windows []core.Range
	for _, c := range plan.Chunks {
		if c.Range.Windowed() {
			windows = append(windows, c.Range)
		}
	}
	require.Len(t, windows, 3)
	assert.Equal(t, []string{"id"}, windows[0].OrderBy)
	assert.Equal(t, int64(8), windows[2].Offset)
	assert.Equal(t, int64(1), windows[2].Limit)
	assert.False(t, plan.Chunks[len(plan.Chunks)-1].Range.Windowed(), "the empty rest of the hour is one chunk")
}

func TestPlan_FullEmptyTable(t *testing.T) {
	spec := core.TableSpec{SourceTable: "dim", LoadType: core.LoadFull, PKColumn: "id"}
	p := planner.New(&fakeSource{}, planner.Options{ChunkSize: 4}, nil)

	plan, err := p.Plan(context.Background(), spec, nil, snapshot)
	require.NoError(t, err)
	assert.Zero(t, plan.ExpectedRows)
	assert.Empty(t, plan.Chunks)
}

func TestPlan_SamplesLargeTables(t *testing.T) {
	src := hourly(10, snapshot)
	src.estimate = 20_000_000
	spec := core.TableSpec{SourceTable: "big", LoadType: core.LoadFull, PKColumn: "id"}
	p := planner.New(src, planner.Options{ChunkSize: 500_000, Sampling: true, SampleThreshold: 10_000_000, SampleSize: 1_000_000}, nil)

	plan, err := p.Plan(context.Background(), spec, nil, snapshot)
	require.NoError(t, err)
	assert.True(t, plan.Sampled)
	assert.Equal(t, core.RangeSample, plan.Extent.Kind)
	assert.Equal(t, int64(1_000_000), plan.Extent.Limit)
	assert.Equal(t, []string{"id"}, plan.Extent.OrderBy)
	require.Len(t, plan.Chunks, 2)
	assert.Equal(t, int64(500_000), plan.Chunks[1].Range.Offset)
	assert.Equal(t, int64(500_000), plan.Chunks[1].Range.Limit)
}

func TestPlan_SourceErrorIsPlanningError(t *testing.T) {
	p := planner.New(&fakeSource{err: errors.New("connection refused")}, planner.Options{}, nil)
	_, err := p.Plan(context.Background(), deltaSpec(), nil, snapshot)
	require.Error(t, err)
	assert.Equal(t, core.KindPlanning, core.KindOf(err))
}

func TestChunks_TimeCoverage(t *testing.T) {
	src := hourly(120, snapshot)
	extent := core.Range{
		Kind: core.RangeTime, Column: "modified_at",
		From: snapshot.Add(-7 * 24 * time.Hour), FromInclusive: true,
		To: snapshot, ToInclusive: true,
	}
	chunks := planner.Chunks(extent, 120, 50)
	require.Len(t, chunks, 3)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, core.ChunkPlanned, c.Status)
		if i > 0 {
			assert.Equal(t, chunks[i-1].Range.To, c.Range.From)
			assert.True(t, c.Range.FromInclusive)
			assert.False(t, chunks[i-1].Range.ToInclusive)
		}
	}
	assert.True(t, chunks[0].Range.FromInclusive)
	assert.True(t, chunks[2].Range.ToInclusive)

	// every row lands in exactly one chunk
	for _, ts := range src.times {
		hits := 0
		for _, c := range chunks {
			if c.Range.ContainsTime(ts) {
				hits++
			}
		}
		assert.Equal(t, 1, hits, ts)
	}
}

func TestChunks_Deterministic(t *testing.T) {
	extent := core.Range{Kind: core.RangeTime, From: snapshot.Add(-time.Hour), To: snapshot, ToInclusive: true}
	assert.Equal(t, planner.Chunks(extent, 1000, 7), planner.Chunks(extent, 1000, 7))
}

func TestChunks_IDCoverage(t *testing.T) {
	extent := core.Range{Kind: core.RangeID, Column: "id", LowID: 5, HighID: 104}
	chunks := planner.Chunks(extent, 100, 30)
	require.Len(t, chunks, 4)
	for id := int64(5); id <= 104; id++ {
		hits := 0
		for _, c := range chunks {
			if c.Range.ContainsID(id) {
				hits++
			}
		}
		assert.Equal(t, 1, hits, id)
	}
}

func TestChunks_RowWindowsHonorCap(t *testing.T) {
	chunks := planner.Chunks(core.Range{Kind: core.RangeAll}, 9_000_000, 500_000)
	require.Len(t, chunks, 18)
	var next int64
	for _, c := range chunks {
		assert.Equal(t, next, c.Range.Offset)
		assert.LessOrEqual(t, c.Range.Limit, int64(500_000))
		next += c.Range.Limit
	}
	assert.Equal(t, int64(9_000_000), next)

	sample := planner.Chunks(core.Range{Kind: core.RangeSample, Limit: 1_000_000}, 1_000_000, 500_000)
	require.Len(t, sample, 2)
	assert.Equal(t, core.RangeSample, sample[1].Range.Kind)
	assert.Equal(t, int64(500_000), sample[1].Range.Offset)
}

func TestChunks_ZeroRows(t *testing.T) {
	assert.Empty(t, planner.Chunks(core.Range{Kind: core.RangeAll}, 0, 10))
}
