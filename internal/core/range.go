package core

import (
	"fmt"
	"slices"
	"time"
)

// RangeKind selects how a Range filters rows.
type RangeKind string

const (
	// RangeAll reads the whole table.
	RangeAll RangeKind = "all"
	// RangeID bounds an integer identifier column, both ends inclusive.
	RangeID RangeKind = "id"
	// RangeTime bounds a timestamp column with explicit inclusivity.
	RangeTime RangeKind = "time"
	// RangeSample reads the first Limit rows of the table in OrderBy order.
	RangeSample RangeKind = "sample"
)

// Range is the row filter of an extent or a chunk.
type Range struct {
	Kind   RangeKind `json:"kind"`
	Column string    `json:"column,omitempty"`

	LowID  int64 `json:"lowId,omitempty"`
	HighID int64 `json:"highId,omitempty"`

	From          time.Time `json:"from,omitempty"`
	To            time.Time `json:"to,omitempty"`
	FromInclusive bool      `json:"fromInclusive,omitempty"`
	ToInclusive   bool      `json:"toInclusive,omitempty"`

	// Limit and Offset narrow the filtered rows, sorted by OrderBy, to the
	// window [Offset, Offset+Limit). Zero Limit reads every filtered row.
	Limit   int64    `json:"limit,omitempty"`
	Offset  int64    `json:"offset,omitempty"`
	OrderBy []string `json:"orderBy,omitempty"`
}

// Windowed reports whether r selects a row-count window of its filter.
func (r Range) Windowed() bool { return r.Limit > 0 }

// Filter returns r without its window.
func (r Range) Filter() Range {
	r.Limit, r.Offset = 0, 0
	return r
}

func (r Range) String() string {
	if r.Kind == RangeSample {
		return fmt.Sprintf("sample rows [%d, %d)", r.Offset, r.Offset+r.Limit)
	}
	if r.Windowed() {
		return fmt.Sprintf("%s, rows [%d, %d)", r.Filter(), r.Offset, r.Offset+r.Limit)
	}
	switch r.Kind {
	case RangeID:
		return fmt.Sprintf("%s in [%d, %d]", r.Column, r.LowID, r.HighID)
	case RangeTime:
		open, closing := "(", ")"
		if r.FromInclusive {
			open = "["
		}
		if r.ToInclusive {
			closing = "]"
		}
		return fmt.Sprintf("%s in %s%s, %s%s", r.Column, open,
			r.From.Format(time.RFC3339Nano), r.To.Format(time.RFC3339Nano), closing)
	}
	return "all rows"
}

// ContainsTime reports whether v falls inside a time range.
func (r Range) ContainsTime(v time.Time) bool {
	if r.Kind != RangeTime {
		return false
	}
	if r.FromInclusive {
		if v.Before(r.From) {
			return false
		}
	} else if !v.After(r.From) {
		return false
	}
	if r.ToInclusive {
		return !v.After(r.To)
	}
	return v.Before(r.To)
}

// ContainsID reports whether id falls inside an identifier range.
func (r Range) ContainsID(id int64) bool {
	return r.Kind == RangeID && id >= r.LowID && id <= r.HighID
}

// Equal reports whether two ranges select the same rows.
func (r Range) Equal(o Range) bool {
	return r.Kind == o.Kind &&
		r.Column == o.Column &&
		r.LowID == o.LowID &&
		r.HighID == o.HighID &&
		r.From.Equal(o.From) &&
		r.To.Equal(o.To) &&
		r.FromInclusive == o.FromInclusive &&
		r.ToInclusive == o.ToInclusive &&
		r.Limit == o.Limit &&
		r.Offset == o.Offset &&
		slices.Equal(r.OrderBy, o.OrderBy)
}
