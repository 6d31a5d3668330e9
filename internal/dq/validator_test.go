package dq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/minutelake/internal/lake"
	"github.com/sawpanic/minutelake/internal/schema"
)

func validRow(minute time.Time) lake.MinuteRow {
	return lake.MinuteRow{
		Timestamp:       minute,
		Open:            lake.Float64(100),
		High:            lake.Float64(101),
		Low:             lake.Float64(99),
		Close:           lake.Float64(100.5),
		VolumeBTC:       lake.Float64(2),
		VolumeUSDT:      lake.Float64(200000),
		TradeCount:      lake.Int64(20),
		MarkPriceOpen:   lake.Float64(100.1),
		MarkPriceClose:  lake.Float64(100.2),
		IndexPriceOpen:  lake.Float64(99.9),
		IndexPriceClose: lake.Float64(100.0),
	}
}

func validFrame(start time.Time, minutes int) *lake.Frame {
	rows := make([]lake.MinuteRow, minutes)
	for i := range rows {
		rows[i] = validRow(start.Add(time.Duration(i) * time.Minute))
	}
	return lake.NewFrame(rows)
}

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestValidateHappyPath(t *testing.T) {
	result, err := Validate(validFrame(start, 60))
	require.NoError(t, err)
	assert.Equal(t, 60, result.RowCount)
	assert.Equal(t, start, result.MinTimestamp)
	assert.Equal(t, start.Add(59*time.Minute), result.MaxTimestamp)
}

func TestValidateRejectsEmptyFrame(t *testing.T) {
	_, err := Validate(lake.NewFrame(nil))
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "non_empty", violation.Check)
}

func TestValidateRejectsMissingColumns(t *testing.T) {
	frame := lake.NewFrameWithColumns([]string{"timestamp", "open"}, []lake.MinuteRow{validRow(start)})
	_, err := Validate(frame)

	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "canonical_columns", violation.Check)
	assert.Contains(t, violation.Message, "Missing canonical columns: ")
	assert.Contains(t, violation.Message, "close")
	assert.NotContains(t, violation.Message, "open,")
}

func TestValidateRejectsDuplicateTimestamps(t *testing.T) {
	rows := []lake.MinuteRow{validRow(start), validRow(start), validRow(start.Add(time.Minute)), validRow(start.Add(time.Minute))}
	_, err := Validate(lake.NewFrame(rows))

	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "timestamp_uniqueness", violation.Check)
	assert.Equal(t, "Found 2 duplicated timestamp buckets", violation.Message)
}

func TestValidateCountsDuplicateBucketsNotExtraRows(t *testing.T) {
	rows := []lake.MinuteRow{validRow(start), validRow(start), validRow(start)}
	_, err := Validate(lake.NewFrame(rows))

	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "timestamp_uniqueness", violation.Check)
	assert.Equal(t, "Found 1 duplicated timestamp buckets", violation.Message)
}

func TestValidateRejectsMisalignedTimestamp(t *testing.T) {
	row := validRow(start.Add(30 * time.Second))
	_, err := Validate(lake.NewFrame([]lake.MinuteRow{row}))

	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "timestamp_alignment", violation.Check)
}

func TestValidateRejectsDescendingTimestamps(t *testing.T) {
	rows := []lake.MinuteRow{validRow(start.Add(time.Minute)), validRow(start)}
	_, err := Validate(lake.NewFrame(rows))

	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "timestamp_order", violation.Check)
}

func TestValidateRejectsHardRequiredNulls(t *testing.T) {
	good := validRow(start)
	bad := validRow(start.Add(time.Minute))
	bad.Close = nil
	bad.IndexPriceClose = nil

	_, err := Validate(lake.NewFrame([]lake.MinuteRow{good, bad}))
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "hard_required_nulls", violation.Check)
	assert.Contains(t, violation.Message, "HARD_REQUIRED null violations: ")
	assert.Contains(t, violation.Message, "close=1")
	assert.Contains(t, violation.Message, "index_price_close=1")
}

func TestValidRowCoversHardRequired(t *testing.T) {
	row := validRow(start)
	for _, name := range schema.HardRequiredColumns() {
		assert.False(t, row.IsNull(name), "column %s", name)
	}
}
