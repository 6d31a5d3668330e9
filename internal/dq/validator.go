// Package dq is the pre-write data quality gate. Every frame passes through
// Validate before it reaches parquet; a failed frame never touches the lake.
package dq

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/minutelake/internal/lake"
	"github.com/sawpanic/minutelake/internal/schema"
)

// Violation is a data quality failure. Check names the failed rule, Message
// carries the operator-facing detail.
type Violation struct {
	Check   string
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("dq check %s failed: %s", v.Check, v.Message)
}

// Result summarizes a frame that passed the gate.
type Result struct {
	RowCount     int
	MinTimestamp time.Time
	MaxTimestamp time.Time
}

// Validate runs the full pre-write gate over a frame. Checks run in a fixed
// order and the first failure is returned as a *Violation.
func Validate(frame *lake.Frame) (Result, error) {
	if err := checkCanonicalColumns(frame); err != nil {
		return Result{}, err
	}
	if frame.Height() == 0 {
		return Result{}, &Violation{Check: "non_empty", Message: "frame has no rows"}
	}
	if err := checkTimestamps(frame); err != nil {
		return Result{}, err
	}
	if err := checkHardRequiredNulls(frame); err != nil {
		return Result{}, err
	}
	return Result{
		RowCount:     frame.Height(),
		MinTimestamp: frame.MinTimestamp(),
		MaxTimestamp: frame.MaxTimestamp(),
	}, nil
}

func checkCanonicalColumns(frame *lake.Frame) error {
	have := make(map[string]bool, frame.Width())
	for _, name := range frame.Columns() {
		have[name] = true
	}
	var missing []string
	for _, name := range schema.CanonicalColumnNames() {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &Violation{
			Check:   "canonical_columns",
			Message: "Missing canonical columns: " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// checkTimestamps enforces UTC minute alignment, strict ascending order and
// uniqueness of the timestamp column.
func checkTimestamps(frame *lake.Frame) error {
	rows := frame.Rows()
	occurrences := make(map[int64]int, len(rows))
	for i, row := range rows {
		ts := row.Timestamp
		if ts.IsZero() {
			return &Violation{
				Check:   "timestamp_alignment",
				Message: fmt.Sprintf("row %d has a zero timestamp", i),
			}
		}
		if ms := ts.UnixMilli(); ms%60_000 != 0 {
			return &Violation{
				Check:   "timestamp_alignment",
				Message: fmt.Sprintf("row %d timestamp %s is not minute aligned", i, ts.UTC().Format(time.RFC3339Nano)),
			}
		}
		key := ts.UnixMilli()
		occurrences[key]++
		if i > 0 && !rows[i-1].Timestamp.Before(ts) && rows[i-1].Timestamp.UnixMilli() != key {
			return &Violation{
				Check:   "timestamp_order",
				Message: fmt.Sprintf("timestamps not ascending at row %d", i),
			}
		}
	}
	// a bucket is one minute with more than one row, however many extras
	buckets := 0
	for _, n := range occurrences {
		if n > 1 {
			buckets++
		}
	}
	if buckets > 0 {
		return &Violation{
			Check:   "timestamp_uniqueness",
			Message: fmt.Sprintf("Found %d duplicated timestamp buckets", buckets),
		}
	}
	return nil
}

func checkHardRequiredNulls(frame *lake.Frame) error {
	counts := make(map[string]int)
	required := schema.HardRequiredColumns()
	for i := range frame.Rows() {
		row := frame.Row(i)
		for _, name := range required {
			if row.IsNull(name) {
				counts[name]++
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}
	var parts []string
	for _, name := range required {
		if n, ok := counts[name]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", name, n))
		}
	}
	return &Violation{
		Check:   "hard_required_nulls",
		Message: "HARD_REQUIRED null violations: " + strings.Join(parts, ", "),
	}
}
