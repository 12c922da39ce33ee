package planner

import (
	"time"

	"github.com/nucleus/ucl-sync/internal/core"
)

// Chunks splits extent into ceil(rows/chunkSize) ascending, non-overlapping
// chunks that cover it exactly once. Identifier and time extents are cut by
// width; whole-table and sample extents are cut into row windows of at most
// chunkSize rows. The result depends only on its arguments.
func Chunks(extent core.Range, rows, chunkSize int64) []core.Chunk {
	if rows <= 0 {
		return nil
	}
	n := int64(1)
	if chunkSize > 0 {
		n = (rows + chunkSize - 1) / chunkSize
	}

	var ranges []core.Range
	switch extent.Kind {
	case core.RangeID:
		ranges = splitIDs(extent, n)
	case core.RangeTime:
		ranges = splitTimes(extent, n)
	default:
		ranges = splitRows(extent, rows, chunkSize)
	}
	return numbered(ranges)
}

func numbered(ranges []core.Range) []core.Chunk {
	chunks := make([]core.Chunk, len(ranges))
	for i, r := range ranges {
		chunks[i] = core.Chunk{Index: i, Range: r, Status: core.ChunkPlanned}
	}
	return chunks
}

// splitRows cuts the filter of r into consecutive windows of at most
// chunkSize rows, starting at the window offset of r.
func splitRows(r core.Range, rows, chunkSize int64) []core.Range {
	if chunkSize <= 0 {
		chunkSize = rows
	}
	start := r.Offset
	var out []core.Range
	for off := int64(0); off < rows; off += chunkSize {
		w := r
		w.Offset = start + off
		w.Limit = min(chunkSize, rows-off)
		out = append(out, w)
	}
	return out
}

// halve splits an identifier or time range at its midpoint. ok is false
// when the range is a single identifier or a single microsecond.
func halve(r core.Range) (lo, hi core.Range, ok bool) {
	lo, hi = r, r
	switch r.Kind {
	case core.RangeID:
		if r.HighID <= r.LowID {
			return r, r, false
		}
		mid := r.LowID + (r.HighID-r.LowID)/2
		lo.HighID, hi.LowID = mid, mid+1
		return lo, hi, true
	case core.RangeTime:
		mid := r.From.Add(r.To.Sub(r.From) / 2).Truncate(time.Microsecond)
		if !mid.After(r.From) || !mid.Before(r.To) {
			return r, r, false
		}
		lo.To, lo.ToInclusive = mid, false
		hi.From, hi.FromInclusive = mid, true
		return lo, hi, true
	}
	return r, r, false
}

// join extends a over its right neighbour b.
func join(a, b core.Range) core.Range {
	switch a.Kind {
	case core.RangeID:
		a.HighID = b.HighID
	case core.RangeTime:
		a.To, a.ToInclusive = b.To, b.ToInclusive
	}
	return a
}

func splitIDs(extent core.Range, n int64) []core.Range {
	span := extent.HighID - extent.LowID + 1
	if span <= 0 {
		return nil
	}
	n = min(n, span)
	step := (span + n - 1) / n

	var out []core.Range
	for low := extent.LowID; low <= extent.HighID; low += step {
		r := extent
		r.LowID = low
		r.HighID = min(low+step-1, extent.HighID)
		out = append(out, r)
		if r.HighID == extent.HighID {
			break
		}
	}
	return out
}

func splitTimes(extent core.Range, n int64) []core.Range {
	total := extent.To.Sub(extent.From)
	if total <= 0 {
		return nil
	}
	step := (total / time.Duration(n)).Truncate(time.Microsecond)
	if step <= 0 || n == 1 {
		return []core.Range{extent}
	}

	bounds := []time.Time{extent.From}
	for i := int64(1); i < n; i++ {
		b := extent.From.Add(step * time.Duration(i))
		if b.After(bounds[len(bounds)-1]) && b.Before(extent.To) {
			bounds = append(bounds, b)
		}
	}
	bounds = append(bounds, extent.To)

	out := make([]core.Range, 0, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		r := extent
		r.From, r.To = bounds[i], bounds[i+1]
		r.FromInclusive = i > 0 || extent.FromInclusive
		r.ToInclusive = i == len(bounds)-2 && extent.ToInclusive
		out = append(out, r)
	}
	return out
}
