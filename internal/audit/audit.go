// Package audit verifies committed hour partitions on disk. Checks run in a
// fixed order, the first failure wins, and every failure carries a
// machine-parseable reason code the consistency backfill keys its repairs off.
package audit

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/sawpanic/minutelake/internal/schema"
	"github.com/sawpanic/minutelake/internal/timeutil"
)

// ReasonOK is the reason reported for a partition that passes every check.
const ReasonOK = "ok"

// Report is the outcome of auditing one hour partition.
type Report struct {
	Path   string
	Valid  bool
	Reason string
}

func fail(path, reason string) Report {
	return Report{Path: path, Reason: reason}
}

// auditRow projects only the columns every committed row must carry. Reading
// the narrow projection keeps audits cheap on wide partitions.
type auditRow struct {
	Timestamp       time.Time `parquet:"timestamp,timestamp(millisecond)"`
	Open            *float64  `parquet:"open,optional"`
	High            *float64  `parquet:"high,optional"`
	Low             *float64  `parquet:"low,optional"`
	Close           *float64  `parquet:"close,optional"`
	VolumeBTC       *float64  `parquet:"volume_btc,optional"`
	VolumeUSDT      *float64  `parquet:"volume_usdt,optional"`
	TradeCount      *int64    `parquet:"trade_count,optional"`
	MarkPriceOpen   *float64  `parquet:"mark_price_open,optional"`
	MarkPriceClose  *float64  `parquet:"mark_price_close,optional"`
	IndexPriceOpen  *float64  `parquet:"index_price_open,optional"`
	IndexPriceClose *float64  `parquet:"index_price_close,optional"`
}

func (r *auditRow) isNull(name string) bool {
	switch name {
	case "timestamp":
		return r.Timestamp.IsZero()
	case "open":
		return r.Open == nil
	case "high":
		return r.High == nil
	case "low":
		return r.Low == nil
	case "close":
		return r.Close == nil
	case "volume_btc":
		return r.VolumeBTC == nil
	case "volume_usdt":
		return r.VolumeUSDT == nil
	case "trade_count":
		return r.TradeCount == nil
	case "mark_price_open":
		return r.MarkPriceOpen == nil
	case "mark_price_close":
		return r.MarkPriceClose == nil
	case "index_price_open":
		return r.IndexPriceOpen == nil
	case "index_price_close":
		return r.IndexPriceClose == nil
	default:
		return true
	}
}

// AuditPartition audits the partition at path against the expected minute
// window [expectedStart, expectedEnd], both inclusive. The window may be a
// sub-window of the hour: a full-hour file queried about a partial window
// passes as long as the in-window rows are complete and clean.
func AuditPartition(path string, expectedStart, expectedEnd time.Time) Report {
	start := timeutil.FloorMinute(expectedStart)
	end := timeutil.FloorMinute(expectedEnd)
	if end.Before(start) {
		return fail(path, "invalid_expected_range")
	}

	if _, err := os.Stat(path); err != nil {
		return fail(path, "missing_file")
	}

	if reason := checkFileSchema(path); reason != "" {
		return fail(path, reason)
	}

	rows, err := parquet.ReadFile[auditRow](path)
	if err != nil {
		return fail(path, "read_error:"+errClass(err))
	}

	unique := make(map[int64]bool, len(rows))
	for _, r := range rows {
		unique[r.Timestamp.UnixMilli()] = true
	}
	if len(unique) != len(rows) {
		return fail(path, "duplicate_timestamps")
	}

	if len(rows) == 0 {
		return fail(path, "empty_partition")
	}

	var window []auditRow
	for _, r := range rows {
		ts := r.Timestamp
		if !ts.Before(start) && !ts.After(end) {
			window = append(window, r)
		}
	}

	expected := timeutil.MinutesBetween(start, end)
	if len(window) != expected {
		return fail(path, fmt.Sprintf(
			"row_count_mismatch:expected=%d:actual=%d:window=%s..%s",
			expected, len(window),
			start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}

	for i, r := range window {
		want := start.Add(time.Duration(i) * time.Minute)
		if !r.Timestamp.Equal(want) {
			return fail(path, "timestamp_gap_or_order_error")
		}
	}

	if nulls := hardRequiredNulls(window); nulls != "" {
		return fail(path, "hard_required_nulls:"+nulls)
	}

	return Report{Path: path, Valid: true, Reason: ReasonOK}
}

// checkFileSchema opens the parquet footer and requires every HARD_REQUIRED
// column to be present as a leaf.
func checkFileSchema(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "unreadable_parquet:" + errClass(err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "unreadable_parquet:" + errClass(err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return "unreadable_parquet:" + errClass(err)
	}

	present := make(map[string]bool)
	for _, field := range pf.Schema().Fields() {
		present[field.Name()] = true
	}
	var missing []string
	for _, name := range schema.HardRequiredColumns() {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	sort.Strings(missing)
	return "missing_columns:" + strings.Join(missing, ",")
}

func hardRequiredNulls(rows []auditRow) string {
	counts := make(map[string]int)
	required := schema.HardRequiredColumns()
	for i := range rows {
		for _, name := range required {
			if rows[i].isNull(name) {
				counts[name]++
			}
		}
	}
	if len(counts) == 0 {
		return ""
	}
	var parts []string
	for _, name := range required {
		if n, ok := counts[name]; ok {
			parts = append(parts, fmt.Sprintf("%s:%d", name, n))
		}
	}
	return strings.Join(parts, ",")
}

// errClass reduces an error to a short stable class name used in reason
// codes, keeping the codes machine-parseable without leaking full messages.
func errClass(err error) string {
	t := fmt.Sprintf("%T", err)
	t = strings.TrimPrefix(t, "*")
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	return t
}
