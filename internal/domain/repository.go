package domain

import (
	"context"
	"time"
)

// CredentialRepository persists the singleton upstream credential.
type CredentialRepository interface {
	// Load returns nil when no credential has ever been stored.
	Load(ctx context.Context) (*OAuthCredential, error)
	// Save replaces the stored credential atomically.
	Save(ctx context.Context, cred OAuthCredential) error
}

// OAuthStateRepository tracks authorization requests awaiting their callback.
type OAuthStateRepository interface {
	Create(ctx context.Context, state string, createdAt time.Time) error
	// Consume marks the state used; it fails with ErrInvalidOAuthState when the
	// state is unknown, already used, or issued before notBefore.
	Consume(ctx context.Context, state string, notBefore time.Time) error
}

// DailyRecordReader exposes read access to stored daily records.
type DailyRecordReader interface {
	// LatestDay returns the most recent stored day, or false when the store is empty.
	LatestDay(ctx context.Context) (time.Time, bool, error)
	ListRange(ctx context.Context, from, to time.Time) ([]DailyRecord, error)
	// LatestComplete returns the newest non-missing record carrying a recovery score.
	LatestComplete(ctx context.Context) (*DailyRecord, error)
}

// DailyUnitOfWork is the transactional view handed to an upsert run.
type DailyUnitOfWork interface {
	// Get returns nil when no row exists for day.
	Get(ctx context.Context, day time.Time) (*DailyRecord, error)
	Put(ctx context.Context, record DailyRecord) error
	// Complete records the run summary; it is the last write before commit.
	Complete(ctx context.Context, summary SyncSummary) error
}

// DailyRecordStore combines read access with transactional writes.
type DailyRecordStore interface {
	DailyRecordReader
	// Apply runs fn inside one transaction; nothing persists if fn fails.
	Apply(ctx context.Context, fn func(DailyUnitOfWork) error) error
}

// SyncRunRepository stores the sync audit trail.
type SyncRunRepository interface {
	Record(ctx context.Context, run SyncRun) error
	ListRecent(ctx context.Context, limit int) ([]SyncRun, error)
}
