// Package timeutil provides the UTC minute/hour arithmetic shared by the
// ingestion pipeline, the partition writer, and the audit.
package timeutil

import "time"

// FloorMinute returns value in UTC with seconds and sub-seconds zeroed.
func FloorMinute(value time.Time) time.Time {
	return value.UTC().Truncate(time.Minute)
}

// FloorHour returns value in UTC with minutes, seconds and sub-seconds zeroed.
func FloorHour(value time.Time) time.Time {
	return value.UTC().Truncate(time.Hour)
}

// IterHours enumerates the hour starts from FloorHour(start) through
// FloorHour(end) inclusive. An inverted range yields nil.
func IterHours(start, end time.Time) []time.Time {
	if end.Before(start) {
		return nil
	}
	var hours []time.Time
	cursor := FloorHour(start)
	endHour := FloorHour(end)
	for !cursor.After(endHour) {
		hours = append(hours, cursor)
		cursor = cursor.Add(time.Hour)
	}
	return hours
}

// MinuteEpochMS returns the epoch milliseconds of value floored to the minute.
func MinuteEpochMS(value time.Time) int64 {
	return FloorMinute(value).UnixMilli()
}

// FromEpochMS converts epoch milliseconds to a UTC time.
func FromEpochMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// MinutesBetween counts the inclusive number of minute steps from start to
// end. Both inputs are floored to the minute first.
func MinutesBetween(start, end time.Time) int {
	s := FloorMinute(start)
	e := FloorMinute(end)
	if e.Before(s) {
		return 0
	}
	return int(e.Sub(s)/time.Minute) + 1
}
