package domain

import (
	"encoding/json"
	"time"
)

// DailyAggregate is the per-run merge buffer for one calendar day. Each source
// owns a disjoint set of fields; nil means the source did not contribute.
type DailyAggregate struct {
	Day time.Time

	// recovery
	HRV              *float64
	RestingHeartRate *float64
	RecoveryScore    *float64
	RecoveryRaw      json.RawMessage

	// cycle
	Strain   *float64
	CycleRaw json.RawMessage

	// sleep
	SleepDurationMinutes *int
	SleepEfficiency      *float64
	SleepStageSummary    json.RawMessage
	SleepRaw             json.RawMessage

	// workout
	WorkoutRawList []json.RawMessage

	// body measurement
	BodyWeightKg *float64
}

// DailyRecord is the persisted row for one calendar day.
type DailyRecord struct {
	Day                  time.Time
	HRV                  *float64
	RestingHeartRate     *float64
	RecoveryScore        *float64
	Strain               *float64
	SleepDurationMinutes *int
	SleepEfficiency      *float64
	SleepStageSummary    json.RawMessage
	SleepRaw             json.RawMessage
	RecoveryRaw          json.RawMessage
	CycleRaw             json.RawMessage
	WorkoutRawList       []json.RawMessage
	BodyWeightKg         *float64
	MissingFlag          bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Apply copies every aggregate field onto the record and clears the missing flag.
// WorkoutRawList is replaced, never appended.
func (r *DailyRecord) Apply(agg DailyAggregate) {
	r.HRV = agg.HRV
	r.RestingHeartRate = agg.RestingHeartRate
	r.RecoveryScore = agg.RecoveryScore
	r.Strain = agg.Strain
	r.SleepDurationMinutes = agg.SleepDurationMinutes
	r.SleepEfficiency = agg.SleepEfficiency
	r.SleepStageSummary = agg.SleepStageSummary
	r.SleepRaw = agg.SleepRaw
	r.RecoveryRaw = agg.RecoveryRaw
	r.CycleRaw = agg.CycleRaw
	r.WorkoutRawList = append([]json.RawMessage(nil), agg.WorkoutRawList...)
	r.BodyWeightKg = agg.BodyWeightKg
	r.MissingFlag = false
}

// DayOf truncates t to its calendar day in t's own offset and returns it as midnight UTC.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween lists every calendar day in [start, end], inclusive.
func DaysBetween(start, end time.Time) []time.Time {
	first, last := DayOf(start), DayOf(end)
	if last.Before(first) {
		return nil
	}
	days := make([]time.Time, 0, int(last.Sub(first).Hours()/24)+1)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Window is the fetch range of a sync run.
type Window struct {
	Start time.Time
	End   time.Time
}

// StartDay returns the first calendar day of the window.
func (w Window) StartDay() time.Time { return DayOf(w.Start) }

// EndDay returns the last calendar day of the window.
func (w Window) EndDay() time.Time { return DayOf(w.End) }

// Days lists every calendar day the window covers.
func (w Window) Days() []time.Time { return DaysBetween(w.Start, w.End) }
