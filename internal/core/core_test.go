package core_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/ucl-sync/internal/core"
)

func TestNewRunID_SortableAndUnique(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	a := core.NewRunID(t1)
	b := core.NewRunID(t1)
	c := core.NewRunID(t2)

	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^sync_20260301_100000_[0-9a-f]{8}$`, a)

	ids := []string{c, a}
	sort.Strings(ids)
	assert.Equal(t, a, ids[0])

	ts, ok := core.RunIDTime(c)
	require.True(t, ok)
	assert.True(t, ts.Equal(t2))
}

func TestWatermarkAdvance_NeverMovesBackwards(t *testing.T) {
	prev := &core.Watermark{
		LastDeltaValue: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		LastMaxID:      500,
	}
	next := prev.Advance(core.Watermark{
		LastDeltaValue: time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC),
		LastMaxID:      400,
		LastBatchID:    "run-2",
	})
	assert.True(t, next.LastDeltaValue.Equal(prev.LastDeltaValue))
	assert.Equal(t, int64(500), next.LastMaxID)
	assert.Equal(t, "run-2", next.LastBatchID)

	var none *core.Watermark
	first := none.Advance(core.Watermark{LastMaxID: 7})
	assert.Equal(t, int64(7), first.LastMaxID)
}

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("connection reset")

	ext := core.ExtractionError("dbo.t", 2, base)
	assert.Equal(t, core.KindExtraction, core.KindOf(ext))
	assert.True(t, core.IsRetryable(ext))
	assert.ErrorIs(t, ext, base)
	assert.Contains(t, ext.Error(), "dbo.t chunk 2")

	wrapped := fmt.Errorf("job: %w", core.LoadError("dbo.t", base))
	assert.Equal(t, core.KindLoad, core.KindOf(wrapped))
	assert.False(t, core.IsRetryable(wrapped))

	mismatch := core.ChecksumMismatch("dbo.t", 1, "aa", "bb")
	assert.True(t, core.NeedsReextract(mismatch))
	assert.False(t, core.NeedsReextract(ext))

	assert.False(t, core.IsRetryable(context.Canceled))
	assert.True(t, core.IsRetryable(base))
	assert.Equal(t, core.KindCancelled, core.KindOf(context.Canceled))
}

func TestTableSpecValidate(t *testing.T) {
	spec := core.TableSpec{SourceSchema: "dbo", SourceTable: "FactSales", LoadType: core.LoadDelta}
	require.Error(t, spec.Validate())

	spec.DeltaColumn = "ModifiedDate"
	require.NoError(t, spec.Validate())
	assert.Equal(t, "dbo.FactSales", spec.Key())
	assert.Equal(t, core.TableRef{Schema: "dbo", Name: "FactSales"}, spec.Target())
}

func TestRangeContains(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	r := core.Range{Kind: core.RangeTime, From: from, To: to, ToInclusive: true}

	assert.False(t, r.ContainsTime(from))
	assert.True(t, r.ContainsTime(to))
	assert.True(t, r.ContainsTime(from.Add(time.Hour)))

	r.FromInclusive = true
	assert.True(t, r.ContainsTime(from))

	ids := core.Range{Kind: core.RangeID, LowID: 1, HighID: 10}
	assert.True(t, ids.ContainsID(10))
	assert.False(t, ids.ContainsID(11))
}

func TestRangeEqual_IgnoresLocation(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := core.Range{Kind: core.RangeTime, Column: "modified_at", From: from, To: from.Add(time.Hour), ToInclusive: true}
	b := a
	b.From = from.In(time.FixedZone("CET", 3600))
	assert.True(t, a.Equal(b))

	b.ToInclusive = false
	assert.False(t, a.Equal(b))
}
