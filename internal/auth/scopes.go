package auth

// Scopes accepted by the HTTP API.
const (
	ScopeDailyRead = "daily:read"
	ScopeSyncWrite = "sync:write"
)
