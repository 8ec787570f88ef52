// Package dimgen deterministically pre-populates the calendar and
// time-of-day dimensions. Generation is a pure function of configuration and
// never depends on staging data.
package dimgen

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"
)

// SecondsPerDay is the TimeDim row count: one row per second of day.
const SecondsPerDay = 86_400

// DateRow is one calendar date in the horizon.
type DateRow struct {
	// Key is the date in YYYYMMDD form.
	Key         int
	Date        time.Time
	Day         int
	Week        int // ISO week number
	Month       int
	Year        int
	WeekdayName string
	// IsWeekday is "Weekend" for Saturday/Sunday, else "Weekday".
	IsWeekday string
}

// TimeRow is one second of day.
type TimeRow struct {
	// Key is seconds since midnight (0..86399).
	Key    int
	Hour   int
	Minute int
	Second int
	// AmPm is "AM" for hours before noon, else "PM".
	AmPm string
}

// DateKey renders a date as its YYYYMMDD dimension key.
func DateKey(d time.Time) int {
	return d.Year()*10_000 + int(d.Month())*100 + d.Day()
}

// DayCount returns the number of calendar dates in [start, start+years),
// leap-year aware.
func DayCount(start time.Time, years int) int {
	start = truncateToDate(start)
	end := start.AddDate(years, 0, 0)
	return int(end.Sub(start).Hours() / 24)
}

// GenerateDates produces one row per calendar date over the horizon.
func GenerateDates(start time.Time, years int) []DateRow {
	start = truncateToDate(start)
	end := start.AddDate(years, 0, 0)

	rows := make([]DateRow, 0, DayCount(start, years))
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		_, week := d.ISOWeek()
		isWeekday := "Weekday"
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			isWeekday = "Weekend"
		}
		rows = append(rows, DateRow{
			Key:         DateKey(d),
			Date:        d,
			Day:         d.Day(),
			Week:        week,
			Month:       int(d.Month()),
			Year:        d.Year(),
			WeekdayName: d.Weekday().String(),
			IsWeekday:   isWeekday,
		})
	}
	return rows
}

// GenerateTimes produces one row per second of a 24-hour day.
func GenerateTimes() []TimeRow {
	rows := make([]TimeRow, 0, SecondsPerDay)
	for s := 0; s < SecondsPerDay; s++ {
		hour := s / 3600
		amPm := "AM"
		if hour >= 12 {
			amPm = "PM"
		}
		rows = append(rows, TimeRow{
			Key:    s,
			Hour:   hour,
			Minute: (s % 3600) / 60,
			Second: s % 60,
			AmPm:   amPm,
		})
	}
	return rows
}

// EncodeDatesCSV renders date rows as a headered CSV matching the DateDim
// column order.
func EncodeDatesCSV(rows []DateRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"date_key", "date_value", "day", "week", "month", "year", "weekday_name", "is_weekday"}); err != nil {
		return nil, fmt.Errorf("write date csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			strconv.Itoa(r.Key),
			r.Date.Format("2006-01-02"),
			strconv.Itoa(r.Day),
			strconv.Itoa(r.Week),
			strconv.Itoa(r.Month),
			strconv.Itoa(r.Year),
			r.WeekdayName,
			r.IsWeekday,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write date csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush date csv: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeTimesCSV renders time rows as a headered CSV matching the TimeDim
// column order.
func EncodeTimesCSV(rows []TimeRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"time_key", "hour", "minute", "second", "am_pm"}); err != nil {
		return nil, fmt.Errorf("write time csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			strconv.Itoa(r.Key),
			strconv.Itoa(r.Hour),
			strconv.Itoa(r.Minute),
			strconv.Itoa(r.Second),
			r.AmPm,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write time csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush time csv: %w", err)
	}
	return buf.Bytes(), nil
}

func truncateToDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
