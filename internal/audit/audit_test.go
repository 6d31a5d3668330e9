package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/minutelake/internal/lake"
	"github.com/sawpanic/minutelake/internal/state"
	"github.com/sawpanic/minutelake/internal/writer"
)

var hourStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func validRow(minute time.Time) lake.MinuteRow {
	return lake.MinuteRow{
		Timestamp:       minute,
		Open:            lake.Float64(1),
		High:            lake.Float64(1),
		Low:             lake.Float64(1),
		Close:           lake.Float64(1),
		VolumeBTC:       lake.Float64(1),
		VolumeUSDT:      lake.Float64(1),
		TradeCount:      lake.Int64(1),
		MarkPriceOpen:   lake.Float64(1),
		MarkPriceClose:  lake.Float64(1),
		IndexPriceOpen:  lake.Float64(1),
		IndexPriceClose: lake.Float64(1),
	}
}

// writeRows serializes canonical rows straight to a parquet file, bypassing
// the writer's DQ gate so corrupt shapes can be staged.
func writeRows(t *testing.T, rows []lake.MinuteRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	pw := parquet.NewGenericWriter[lake.MinuteRow](f, parquet.Compression(&parquet.Zstd))
	_, err = pw.Write(rows)
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, f.Close())
	return path
}

func fullHourRows() []lake.MinuteRow {
	rows := make([]lake.MinuteRow, 60)
	for i := range rows {
		rows[i] = validRow(hourStart.Add(time.Duration(i) * time.Minute))
	}
	return rows
}

func hourEnd() time.Time { return hourStart.Add(59 * time.Minute) }

func TestAuditHappyPath(t *testing.T) {
	path := writeRows(t, fullHourRows())
	report := AuditPartition(path, hourStart, hourEnd())
	assert.True(t, report.Valid)
	assert.Equal(t, ReasonOK, report.Reason)
}

func TestAuditCommittedPartitionPasses(t *testing.T) {
	root := t.TempDir()
	store, err := state.NewStore(filepath.Join(root, "state.sqlite"))
	require.NoError(t, err)
	require.NoError(t, store.Initialize())

	w := writer.NewWriter(root, store, zerolog.Nop())
	entry, err := w.WriteHourPartition("BTCUSDT", hourStart, lake.NewFrame(fullHourRows()))
	require.NoError(t, err)

	report := AuditPartition(entry.Path, hourStart, hourEnd())
	assert.True(t, report.Valid)
	assert.Equal(t, ReasonOK, report.Reason)
}

func TestAuditGapDetection(t *testing.T) {
	rows := fullHourRows()
	// drop 00:17
	rows = append(rows[:17], rows[18:]...)
	path := writeRows(t, rows)

	report := AuditPartition(path, hourStart, hourEnd())
	assert.False(t, report.Valid)
	assert.True(t, strings.HasPrefix(report.Reason, "row_count_mismatch"), report.Reason)
	assert.Contains(t, report.Reason, "expected=60")
	assert.Contains(t, report.Reason, "actual=59")
}

func TestAuditMissingColumn(t *testing.T) {
	type narrowRow struct {
		Timestamp      time.Time `parquet:"timestamp,timestamp(millisecond)"`
		Open           *float64  `parquet:"open,optional"`
		High           *float64  `parquet:"high,optional"`
		Low            *float64  `parquet:"low,optional"`
		Close          *float64  `parquet:"close,optional"`
		VolumeBTC      *float64  `parquet:"volume_btc,optional"`
		VolumeUSDT     *float64  `parquet:"volume_usdt,optional"`
		TradeCount     *int64    `parquet:"trade_count,optional"`
		MarkPriceOpen  *float64  `parquet:"mark_price_open,optional"`
		MarkPriceClose *float64  `parquet:"mark_price_close,optional"`
		IndexPriceOpen *float64  `parquet:"index_price_open,optional"`
	}

	one := 1.0
	count := int64(1)
	rows := make([]narrowRow, 60)
	for i := range rows {
		rows[i] = narrowRow{
			Timestamp: hourStart.Add(time.Duration(i) * time.Minute),
			Open:      &one, High: &one, Low: &one, Close: &one,
			VolumeBTC: &one, VolumeUSDT: &one, TradeCount: &count,
			MarkPriceOpen: &one, MarkPriceClose: &one, IndexPriceOpen: &one,
		}
	}

	path := filepath.Join(t.TempDir(), "part.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	pw := parquet.NewGenericWriter[narrowRow](f)
	_, err = pw.Write(rows)
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, f.Close())

	report := AuditPartition(path, hourStart, hourEnd())
	assert.False(t, report.Valid)
	assert.Equal(t, "missing_columns:index_price_close", report.Reason)
}

func TestAuditSubWindowOnFullHour(t *testing.T) {
	path := writeRows(t, fullHourRows())
	report := AuditPartition(path, hourStart.Add(10*time.Minute), hourStart.Add(20*time.Minute))
	assert.True(t, report.Valid)
	assert.Equal(t, ReasonOK, report.Reason)
}

func TestAuditInvalidExpectedRange(t *testing.T) {
	path := writeRows(t, fullHourRows())
	report := AuditPartition(path, hourEnd(), hourStart)
	assert.False(t, report.Valid)
	assert.Equal(t, "invalid_expected_range", report.Reason)
}

func TestAuditMissingFile(t *testing.T) {
	report := AuditPartition(filepath.Join(t.TempDir(), "absent.parquet"), hourStart, hourEnd())
	assert.False(t, report.Valid)
	assert.Equal(t, "missing_file", report.Reason)
}

func TestAuditUnreadableParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part.parquet")
	require.NoError(t, os.WriteFile(path, []byte("not parquet at all"), 0o644))

	report := AuditPartition(path, hourStart, hourEnd())
	assert.False(t, report.Valid)
	assert.True(t, strings.HasPrefix(report.Reason, "unreadable_parquet:"), report.Reason)
}

func TestAuditDuplicateTimestamps(t *testing.T) {
	rows := fullHourRows()
	rows[1] = rows[0]
	path := writeRows(t, rows)

	report := AuditPartition(path, hourStart, hourEnd())
	assert.False(t, report.Valid)
	assert.Equal(t, "duplicate_timestamps", report.Reason)
}

func TestAuditEmptyPartition(t *testing.T) {
	path := writeRows(t, nil)
	report := AuditPartition(path, hourStart, hourEnd())
	assert.False(t, report.Valid)
	assert.Equal(t, "empty_partition", report.Reason)
}

func TestAuditUnorderedTimestamps(t *testing.T) {
	rows := fullHourRows()
	rows[5], rows[6] = rows[6], rows[5]
	path := writeRows(t, rows)

	report := AuditPartition(path, hourStart, hourEnd())
	assert.False(t, report.Valid)
	assert.Equal(t, "timestamp_gap_or_order_error", report.Reason)
}

func TestAuditHardRequiredNulls(t *testing.T) {
	rows := fullHourRows()
	rows[3].Close = nil
	rows[4].Close = nil
	rows[4].VolumeBTC = nil
	path := writeRows(t, rows)

	report := AuditPartition(path, hourStart, hourEnd())
	assert.False(t, report.Valid)
	assert.True(t, strings.HasPrefix(report.Reason, "hard_required_nulls:"), report.Reason)
	assert.Contains(t, report.Reason, "close:2")
	assert.Contains(t, report.Reason, "volume_btc:1")
}
