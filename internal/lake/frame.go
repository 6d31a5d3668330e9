package lake

import (
	"sort"
	"time"

	"github.com/sawpanic/minutelake/internal/schema"
)

// Frame is an ordered set of canonical minute rows plus the column list it
// claims to carry. Frames built by the transform always carry the full
// canonical list; the explicit column slice exists so the DQ validator can
// prove it rather than assume it.
type Frame struct {
	columns []string
	rows    []MinuteRow
}

// NewFrame wraps rows in a frame carrying the full canonical column list.
func NewFrame(rows []MinuteRow) *Frame {
	return &Frame{columns: schema.CanonicalColumnNames(), rows: rows}
}

// NewFrameWithColumns wraps rows with an explicit column list. Used by tests
// and by readers of foreign files whose column set is not known to be
// canonical.
func NewFrameWithColumns(columns []string, rows []MinuteRow) *Frame {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Frame{columns: cols, rows: rows}
}

// Height returns the row count.
func (f *Frame) Height() int { return len(f.rows) }

// Width returns the column count.
func (f *Frame) Width() int { return len(f.columns) }

// Columns returns a copy of the column list.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.columns))
	copy(out, f.columns)
	return out
}

// Rows returns the underlying rows. Callers must not reorder them.
func (f *Frame) Rows() []MinuteRow { return f.rows }

// Row returns the i-th row.
func (f *Frame) Row(i int) MinuteRow { return f.rows[i] }

// MinTimestamp returns the smallest timestamp, or the zero time when empty.
func (f *Frame) MinTimestamp() time.Time {
	if len(f.rows) == 0 {
		return time.Time{}
	}
	min := f.rows[0].Timestamp
	for _, r := range f.rows[1:] {
		if r.Timestamp.Before(min) {
			min = r.Timestamp
		}
	}
	return min
}

// MaxTimestamp returns the largest timestamp, or the zero time when empty.
func (f *Frame) MaxTimestamp() time.Time {
	if len(f.rows) == 0 {
		return time.Time{}
	}
	max := f.rows[0].Timestamp
	for _, r := range f.rows[1:] {
		if r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}
	return max
}

// SortByTimestamp sorts rows ascending by timestamp, in place.
func (f *Frame) SortByTimestamp() {
	sort.SliceStable(f.rows, func(i, j int) bool {
		return f.rows[i].Timestamp.Before(f.rows[j].Timestamp)
	})
}

// MergeKeepLast concatenates existing and incoming rows, deduplicates by
// timestamp keeping the incoming row on conflict, sorts ascending, and
// reprojects to the canonical column list. This is the merge-on-conflict
// primitive behind idempotent re-runs and partial-hour extension.
func MergeKeepLast(existing, incoming *Frame) *Frame {
	byMinute := make(map[int64]MinuteRow, existing.Height()+incoming.Height())
	for _, r := range existing.rows {
		byMinute[r.Timestamp.UnixMilli()] = r
	}
	for _, r := range incoming.rows {
		byMinute[r.Timestamp.UnixMilli()] = r
	}
	merged := make([]MinuteRow, 0, len(byMinute))
	for _, r := range byMinute {
		merged = append(merged, r)
	}
	out := NewFrame(merged)
	out.SortByTimestamp()
	return out
}
