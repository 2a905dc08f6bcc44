// Package events defines the payloads published by the sync pipeline.
package events

import "time"

// Event types carried in the outbox and in the event_type Kafka header.
const (
	TypeDailyRecordSynced = "daily_record.synced"
	TypeSyncCompleted     = "sync.completed"
	TypeSyncRequested     = "sync.requested"
)

// DailyRecordSynced is emitted for every day a committed sync run wrote.
type DailyRecordSynced struct {
	RunID                string    `json:"run_id"`
	Day                  string    `json:"day"`
	MissingFlag          bool      `json:"missing_flag"`
	HRV                  *float64  `json:"hrv,omitempty"`
	RestingHeartRate     *float64  `json:"resting_heart_rate,omitempty"`
	RecoveryScore        *float64  `json:"recovery_score,omitempty"`
	Strain               *float64  `json:"strain,omitempty"`
	SleepDurationMinutes *int      `json:"sleep_duration_minutes,omitempty"`
	SleepEfficiency      *float64  `json:"sleep_efficiency,omitempty"`
	BodyWeightKg         *float64  `json:"body_weight_kg,omitempty"`
	WorkoutCount         int       `json:"workout_count"`
	SyncedAt             time.Time `json:"synced_at"`
}

// SyncCompleted is emitted once per committed sync run.
type SyncCompleted struct {
	RunID       string    `json:"run_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Days        int       `json:"days"`
	MissingDays int       `json:"missing_days"`
	CompletedAt time.Time `json:"completed_at"`
}

// SyncRequested asks a sync worker to run outside the regular schedule.
type SyncRequested struct {
	RequestID   string    `json:"request_id"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}
