package api

import (
	"encoding/json"
	"time"

	"example.com/wearablesync/internal/domain"
)

// DailyRecordView is the JSON form of a stored day.
type DailyRecordView struct {
	Day                  string            `json:"day"`
	MissingFlag          bool              `json:"missing_flag"`
	HRV                  *float64          `json:"hrv"`
	RestingHeartRate     *float64          `json:"resting_heart_rate"`
	RecoveryScore        *float64          `json:"recovery_score"`
	Strain               *float64          `json:"strain"`
	SleepDurationMinutes *int              `json:"sleep_duration_minutes"`
	SleepEfficiency      *float64          `json:"sleep_efficiency"`
	SleepStageSummary    json.RawMessage   `json:"sleep_stage_summary,omitempty"`
	BodyWeightKg         *float64          `json:"body_weight_kg"`
	Workouts             []json.RawMessage `json:"workouts"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// DailyRangeResponse packages GET /v1/daily results.
type DailyRangeResponse struct {
	From  string            `json:"from"`
	To    string            `json:"to"`
	Items []DailyRecordView `json:"items"`
}

// SyncRunView is the JSON form of an audit row.
type SyncRunView struct {
	RunID        string     `json:"run_id"`
	Trigger      string     `json:"trigger"`
	Status       string     `json:"status"`
	Attempt      int        `json:"attempt"`
	WindowStart  *time.Time `json:"window_start,omitempty"`
	WindowEnd    *time.Time `json:"window_end,omitempty"`
	Days         int        `json:"days"`
	MissingDays  int        `json:"missing_days"`
	ErrorClass   string     `json:"error_class,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// SyncRunsResponse packages GET /v1/sync/runs results.
type SyncRunsResponse struct {
	Items []SyncRunView `json:"items"`
}

// SyncRequestResponse acknowledges POST /v1/sync.
type SyncRequestResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// OAuthLinkedResponse confirms a stored credential.
type OAuthLinkedResponse struct {
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	Scope     string    `json:"scope,omitempty"`
}

func toDailyView(rec domain.DailyRecord) DailyRecordView {
	workouts := rec.WorkoutRawList
	if workouts == nil {
		workouts = []json.RawMessage{}
	}
	return DailyRecordView{
		Day:                  rec.Day.Format(time.DateOnly),
		MissingFlag:          rec.MissingFlag,
		HRV:                  rec.HRV,
		RestingHeartRate:     rec.RestingHeartRate,
		RecoveryScore:        rec.RecoveryScore,
		Strain:               rec.Strain,
		SleepDurationMinutes: rec.SleepDurationMinutes,
		SleepEfficiency:      rec.SleepEfficiency,
		SleepStageSummary:    rec.SleepStageSummary,
		BodyWeightKg:         rec.BodyWeightKg,
		Workouts:             workouts,
		UpdatedAt:            rec.UpdatedAt,
	}
}

func toSyncRunView(run domain.SyncRun) SyncRunView {
	view := SyncRunView{
		RunID:        run.ID,
		Trigger:      string(run.Trigger),
		Status:       string(run.Status),
		Attempt:      run.Attempt,
		Days:         run.Days,
		MissingDays:  run.MissingDays,
		ErrorClass:   string(run.ErrorClass),
		ErrorMessage: run.ErrorMessage,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
	if !run.Window.Start.IsZero() {
		start := run.Window.Start
		view.WindowStart = &start
	}
	if !run.Window.End.IsZero() {
		end := run.Window.End
		view.WindowEnd = &end
	}
	return view
}
