// Package merge folds the upstream record collections of one sync run into a
// single aggregate per calendar day.
package merge

import (
	"encoding/json"
	"sort"
	"time"

	"example.com/wearablesync/internal/domain"
)

// Sources holds the raw collections fetched for one window.
type Sources struct {
	Cycles     []json.RawMessage
	Recoveries []json.RawMessage
	Sleeps     []json.RawMessage
	Workouts   []json.RawMessage
	Body       json.RawMessage
}

// Days maps midnight-UTC dates to their aggregate.
type Days map[time.Time]*domain.DailyAggregate

// Get returns the aggregate for day, or nil when no source resolved to it.
func (d Days) Get(day time.Time) *domain.DailyAggregate {
	return d[domain.DayOf(day)]
}

// Sorted lists the covered dates in ascending order.
func (d Days) Sorted() []time.Time {
	out := make([]time.Time, 0, len(d))
	for day := range d {
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (d Days) bucket(day time.Time) *domain.DailyAggregate {
	agg, ok := d[day]
	if !ok {
		agg = &domain.DailyAggregate{Day: day}
		d[day] = agg
	}
	return agg
}

type cycleRecord struct {
	Start string `json:"start"`
	Score *struct {
		Strain *float64 `json:"strain"`
	} `json:"score"`
}

type recoveryRecord struct {
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Score     *struct {
		HRV              *float64 `json:"hrv_rmssd_milli"`
		RestingHeartRate *float64 `json:"resting_heart_rate"`
		RecoveryScore    *float64 `json:"recovery_score"`
	} `json:"score"`
}

type sleepRecord struct {
	Start     string `json:"start"`
	CreatedAt string `json:"created_at"`
	Score     *struct {
		StageSummary    json.RawMessage `json:"stage_summary"`
		SleepEfficiency *float64        `json:"sleep_efficiency_percentage"`
	} `json:"score"`
}

type stageSummary struct {
	TotalInBedTimeMilli *float64 `json:"total_in_bed_time_milli"`
}

type workoutRecord struct {
	Start     string `json:"start"`
	CreatedAt string `json:"created_at"`
}

type bodyMeasurement struct {
	WeightKilogram *float64 `json:"weight_kilogram"`
}

// Build merges the collections. Each source owns a disjoint set of fields; a
// later record of the same source overwrites an earlier one on the same day,
// except workouts which accumulate in input order. Records with no usable date
// are dropped. Body weight lands on endDay regardless of its own timestamp.
func Build(src Sources, endDay time.Time) Days {
	days := make(Days)

	for _, raw := range src.Cycles {
		var rec cycleRecord
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		day, ok := firstDay(rec.Start)
		if !ok {
			continue
		}
		agg := days.bucket(day)
		agg.Strain = nil
		if rec.Score != nil {
			agg.Strain = rec.Score.Strain
		}
		agg.CycleRaw = raw
	}

	for _, raw := range src.Recoveries {
		var rec recoveryRecord
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		day, ok := firstDay(rec.CreatedAt, rec.UpdatedAt)
		if !ok {
			continue
		}
		agg := days.bucket(day)
		agg.HRV, agg.RestingHeartRate, agg.RecoveryScore = nil, nil, nil
		if rec.Score != nil {
			agg.HRV = rec.Score.HRV
			agg.RestingHeartRate = rec.Score.RestingHeartRate
			agg.RecoveryScore = rec.Score.RecoveryScore
		}
		agg.RecoveryRaw = raw
	}

	for _, raw := range src.Sleeps {
		var rec sleepRecord
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		day, ok := firstDay(rec.Start, rec.CreatedAt)
		if !ok {
			continue
		}
		agg := days.bucket(day)
		agg.SleepDurationMinutes, agg.SleepEfficiency, agg.SleepStageSummary = nil, nil, nil
		if rec.Score != nil {
			agg.SleepEfficiency = rec.Score.SleepEfficiency
			if isObject(rec.Score.StageSummary) {
				agg.SleepStageSummary = rec.Score.StageSummary
				var stages stageSummary
				if json.Unmarshal(rec.Score.StageSummary, &stages) == nil && stages.TotalInBedTimeMilli != nil && *stages.TotalInBedTimeMilli > 0 {
					minutes := int(*stages.TotalInBedTimeMilli / 60000)
					agg.SleepDurationMinutes = &minutes
				}
			}
		}
		agg.SleepRaw = raw
	}

	for _, raw := range src.Workouts {
		var rec workoutRecord
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		day, ok := firstDay(rec.Start, rec.CreatedAt)
		if !ok {
			continue
		}
		agg := days.bucket(day)
		agg.WorkoutRawList = append(agg.WorkoutRawList, raw)
	}

	if len(src.Body) > 0 {
		var body bodyMeasurement
		if json.Unmarshal(src.Body, &body) == nil && body.WeightKilogram != nil {
			days.bucket(domain.DayOf(endDay)).BodyWeightKg = body.WeightKilogram
		}
	}

	return days
}

// timestampLayouts are tried in order; upstream timestamps are RFC 3339 with
// optional fractional seconds, occasionally without an offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// firstDay returns the calendar day of the first candidate that parses.
func firstDay(candidates ...string) (time.Time, bool) {
	for _, value := range candidates {
		if value == "" {
			continue
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, value); err == nil {
				return domain.DayOf(ts), true
			}
		}
	}
	return time.Time{}, false
}

// isObject reports whether raw is a non-empty JSON object.
func isObject(raw json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return false
	}
	return len(fields) > 0
}
