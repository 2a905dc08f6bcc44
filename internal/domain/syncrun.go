package domain

import "time"

// SyncStatus is the terminal or in-flight state of a sync run.
type SyncStatus string

const (
	SyncStatusRunning      SyncStatus = "running"
	SyncStatusOK           SyncStatus = "ok"
	SyncStatusUnauthorized SyncStatus = "unauthorized"
	SyncStatusRetrying     SyncStatus = "retrying"
	SyncStatusFailed       SyncStatus = "failed"
)

// SyncTrigger records what started a run.
type SyncTrigger string

const (
	SyncTriggerSchedule SyncTrigger = "schedule"
	SyncTriggerRequest  SyncTrigger = "request"
)

// SyncRun is the audit record of one sync attempt.
type SyncRun struct {
	ID           string
	Trigger      SyncTrigger
	Status       SyncStatus
	Attempt      int
	Window       Window
	Days         int
	MissingDays  int
	ErrorClass   ErrorClass
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// SyncSummary describes a committed run; it travels inside the upsert unit of work.
type SyncSummary struct {
	RunID       string
	Window      Window
	Days        int
	MissingDays int
	CompletedAt time.Time
}
