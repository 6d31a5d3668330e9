package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorMinute(t *testing.T) {
	in := time.Date(2026, 1, 15, 10, 2, 37, 123456789, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 15, 10, 2, 0, 0, time.UTC), FloorMinute(in))

	// Non-UTC inputs normalize to UTC.
	loc := time.FixedZone("plus2", 2*3600)
	in = time.Date(2026, 1, 15, 12, 2, 30, 0, loc)
	assert.Equal(t, time.Date(2026, 1, 15, 10, 2, 0, 0, time.UTC), FloorMinute(in))
}

func TestFloorHour(t *testing.T) {
	in := time.Date(2026, 1, 15, 10, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), FloorHour(in))
}

func TestIterHours(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 15, 13, 0, 0, 0, time.UTC)

	hours := IterHours(start, end)
	require.Len(t, hours, 4)
	assert.Equal(t, start, hours[0])
	assert.Equal(t, end, hours[3])

	assert.Nil(t, IterHours(end, start))
	assert.Len(t, IterHours(start, start), 1)
}

func TestMinutesBetween(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, MinutesBetween(start, start))
	assert.Equal(t, 60, MinutesBetween(start, start.Add(59*time.Minute)))
}

func TestEpochRoundtrip(t *testing.T) {
	minute := time.Date(2026, 1, 15, 10, 2, 0, 0, time.UTC)
	ms := MinuteEpochMS(minute)
	assert.Equal(t, int64(0), ms%60_000)
	assert.Equal(t, minute, FromEpochMS(ms))
}
