package outbox

import "example.com/wearablesync/internal/events"

const dailyRecordSyncedSchema = `{
  "type": "object",
  "title": "DailyRecordSynced",
  "properties": {
    "run_id": {"type": "string"},
    "day": {"type": "string", "format": "date"},
    "missing_flag": {"type": "boolean"},
    "hrv": {"type": "number"},
    "resting_heart_rate": {"type": "number"},
    "recovery_score": {"type": "number"},
    "strain": {"type": "number"},
    "sleep_duration_minutes": {"type": "integer"},
    "sleep_efficiency": {"type": "number"},
    "body_weight_kg": {"type": "number"},
    "workout_count": {"type": "integer"},
    "synced_at": {"type": "string", "format": "date-time"}
  },
  "required": ["run_id", "day", "missing_flag", "workout_count", "synced_at"],
  "additionalProperties": false
}`

const syncCompletedSchema = `{
  "type": "object",
  "title": "SyncCompleted",
  "properties": {
    "run_id": {"type": "string"},
    "window_start": {"type": "string", "format": "date-time"},
    "window_end": {"type": "string", "format": "date-time"},
    "days": {"type": "integer"},
    "missing_days": {"type": "integer"},
    "completed_at": {"type": "string", "format": "date-time"}
  },
  "required": ["run_id", "window_start", "window_end", "days", "missing_days", "completed_at"],
  "additionalProperties": false
}`

const syncRequestedSchema = `{
  "type": "object",
  "title": "SyncRequested",
  "properties": {
    "request_id": {"type": "string"},
    "requested_by": {"type": "string"},
    "requested_at": {"type": "string", "format": "date-time"}
  },
  "required": ["request_id", "requested_at"],
  "additionalProperties": false
}`

// Route describes where an event type is published and which schema frames it.
type Route struct {
	Topic         string
	SchemaSubject string
	Schema        string
}

// SyncRequestTopic is the default topic for on-demand sync requests.
const SyncRequestTopic = "wearable_sync_requests"

var routes = map[string]Route{
	events.TypeDailyRecordSynced: {
		Topic:         "wearable_daily_records",
		SchemaSubject: "wearable_daily_records-value",
		Schema:        dailyRecordSyncedSchema,
	},
	events.TypeSyncCompleted: {
		Topic:         "wearable_sync_runs",
		SchemaSubject: "wearable_sync_runs-value",
		Schema:        syncCompletedSchema,
	},
	events.TypeSyncRequested: {
		Topic:         SyncRequestTopic,
		SchemaSubject: SyncRequestTopic + "-value",
		Schema:        syncRequestedSchema,
	},
}

// RouteFor returns the route registered for eventType.
func RouteFor(eventType string) (Route, bool) {
	route, ok := routes[eventType]
	return route, ok
}
