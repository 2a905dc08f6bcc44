//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/events"
	"example.com/wearablesync/internal/ingest"
	"example.com/wearablesync/internal/merge"
	"example.com/wearablesync/internal/testutil/pgtest"
)

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

func TestCredentialSaveReplacesSingleton(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepository(pgtest.Start(t, ctx))

	cred, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, cred)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.Save(ctx, domain.OAuthCredential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: expires, Scope: "offline read:recovery", TokenType: "bearer"}))
	require.NoError(t, repo.Save(ctx, domain.OAuthCredential{AccessToken: "a2", ExpiresAt: expires}))

	cred, err = repo.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cred)
	require.Equal(t, "a2", cred.AccessToken)
	require.Empty(t, cred.RefreshToken)
	require.True(t, expires.Equal(cred.ExpiresAt))
}

func TestOAuthStateConsumeOnceWithinTTL(t *testing.T) {
	ctx := context.Background()
	repo := NewOAuthStateRepository(pgtest.Start(t, ctx))
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, "fresh", now))
	require.NoError(t, repo.Create(ctx, "stale", now.Add(-time.Hour)))

	require.NoError(t, repo.Consume(ctx, "fresh", now.Add(-10*time.Minute)))
	require.ErrorIs(t, repo.Consume(ctx, "fresh", now.Add(-10*time.Minute)), domain.ErrInvalidOAuthState)
	require.ErrorIs(t, repo.Consume(ctx, "stale", now.Add(-10*time.Minute)), domain.ErrInvalidOAuthState)
	require.ErrorIs(t, repo.Consume(ctx, "unknown", now.Add(-10*time.Minute)), domain.ErrInvalidOAuthState)
}

func TestUpsertWindowPersistsRecordsAndOutbox(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)
	store := NewDailyRecordStore(pool)

	_, ok, err := store.LatestDay(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	days := merge.Days{
		day(14): {Day: day(14), RecoveryScore: ptr(61.0), HRV: ptr(55.5), WorkoutRawList: []json.RawMessage{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)}},
		day(15): {Day: day(15), Strain: ptr(12.3), BodyWeightKg: ptr(82.0), SleepStageSummary: json.RawMessage(`{"total_in_bed_time_milli":28859999}`)},
	}
	window := domain.Window{Start: day(13), End: day(15).Add(10 * time.Hour)}
	runID := uuid.NewString()

	result, err := ingest.New(store).Upsert(ctx, runID, window, days)
	require.NoError(t, err)
	require.Equal(t, 3, result.Days)
	require.Equal(t, []time.Time{day(13)}, result.MissingDays)

	records, err := store.ListRange(ctx, day(1), day(31))
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.True(t, records[0].MissingFlag)
	require.Equal(t, 61.0, *records[1].RecoveryScore)
	require.Len(t, records[1].WorkoutRawList, 2)
	require.JSONEq(t, `{"id":2}`, string(records[1].WorkoutRawList[1]))
	require.Equal(t, 82.0, *records[2].BodyWeightKg)
	require.JSONEq(t, `{"total_in_bed_time_milli":28859999}`, string(records[2].SleepStageSummary))

	latest, ok, err := store.LatestDay(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, day(15), latest)

	complete, err := store.LatestComplete(ctx)
	require.NoError(t, err)
	require.NotNil(t, complete)
	require.Equal(t, day(14), complete.Day)

	var dailyEvents, completed int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE event_type = $1 AND payload->>'run_id' = $2`,
		events.TypeDailyRecordSynced, runID).Scan(&dailyEvents))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE event_type = $1 AND aggregate_id = $2`,
		events.TypeSyncCompleted, runID).Scan(&completed))
	require.Equal(t, 3, dailyEvents)
	require.Equal(t, 1, completed)
}

func TestSecondRunKeepsMissingDayDataAndReplacesWorkouts(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)
	store := NewDailyRecordStore(pool)
	upserter := ingest.New(store)
	window := domain.Window{Start: day(14), End: day(15)}

	_, err := upserter.Upsert(ctx, uuid.NewString(), window, merge.Days{
		day(14): {Day: day(14), RecoveryScore: ptr(70.0)},
		day(15): {Day: day(15), WorkoutRawList: []json.RawMessage{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)}},
	})
	require.NoError(t, err)

	first, err := store.ListRange(ctx, day(14), day(14))
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = upserter.Upsert(ctx, uuid.NewString(), window, merge.Days{
		day(15): {Day: day(15), WorkoutRawList: []json.RawMessage{json.RawMessage(`{"id":3}`)}},
	})
	require.NoError(t, err)

	records, err := store.ListRange(ctx, day(14), day(15))
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.True(t, records[0].MissingFlag)
	require.Equal(t, 70.0, *records[0].RecoveryScore)
	require.True(t, first[0].CreatedAt.Equal(records[0].CreatedAt))

	require.False(t, records[1].MissingFlag)
	require.Len(t, records[1].WorkoutRawList, 1)
	require.JSONEq(t, `{"id":3}`, string(records[1].WorkoutRawList[0]))

	var perDay int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE event_type = $1 AND aggregate_id = $2`,
		events.TypeDailyRecordSynced, "2024-01-15").Scan(&perDay))
	require.Equal(t, 2, perDay, "each run publishes its own event for a day")
}

func TestApplyRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)
	store := NewDailyRecordStore(pool)
	boom := errors.New("boom")

	err := store.Apply(ctx, func(uow domain.DailyUnitOfWork) error {
		require.NoError(t, uow.Put(ctx, domain.DailyRecord{Day: day(10), Strain: ptr(3.0)}))
		require.NoError(t, uow.Complete(ctx, domain.SyncSummary{RunID: uuid.NewString(), Window: domain.Window{Start: day(10), End: day(10)}, Days: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	records, err := store.ListRange(ctx, day(1), day(31))
	require.NoError(t, err)
	require.Empty(t, records)

	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&outboxRows))
	require.Zero(t, outboxRows)
}

func TestSyncRunRecordUpsertsByRunID(t *testing.T) {
	ctx := context.Background()
	repo := NewSyncRunRepository(pgtest.Start(t, ctx))
	started := time.Now().UTC().Truncate(time.Microsecond)

	run := domain.SyncRun{ID: uuid.NewString(), Trigger: domain.SyncTriggerSchedule, Status: domain.SyncStatusRunning, Attempt: 1, StartedAt: started}
	require.NoError(t, repo.Record(ctx, run))

	finished := started.Add(time.Minute)
	run.Status = domain.SyncStatusOK
	run.Attempt = 2
	run.Days = 8
	run.Window = domain.Window{Start: day(8), End: day(15)}
	run.FinishedAt = &finished
	require.NoError(t, repo.Record(ctx, run))

	older := domain.SyncRun{ID: uuid.NewString(), Trigger: domain.SyncTriggerRequest, Status: domain.SyncStatusFailed, Attempt: 1, ErrorClass: domain.ErrorClassUpstream, StartedAt: started.Add(-time.Hour)}
	require.NoError(t, repo.Record(ctx, older))

	runs, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, run.ID, runs[0].ID)
	require.Equal(t, domain.SyncStatusOK, runs[0].Status)
	require.Equal(t, 2, runs[0].Attempt)
	require.True(t, day(8).Equal(runs[0].Window.Start))
	require.NotNil(t, runs[0].FinishedAt)
	require.Equal(t, domain.ErrorClassUpstream, runs[1].ErrorClass)
}

func TestSyncRequestQueueWritesOutboxRow(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)
	queue := NewSyncRequestQueue(pool, "")

	req := events.SyncRequested{RequestID: uuid.NewString(), RequestedBy: "user-1", RequestedAt: time.Now().UTC()}
	require.NoError(t, queue.Enqueue(ctx, req))

	var topic, subject, requestedBy string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT topic, schema_subject, payload->>'requested_by' FROM outbox WHERE aggregate_id = $1`, req.RequestID,
	).Scan(&topic, &subject, &requestedBy))
	require.Equal(t, "wearable_sync_requests", topic)
	require.Equal(t, "wearable_sync_requests-value", subject)
	require.Equal(t, "user-1", requestedBy)
}

func TestSyncRequestQueueIgnoresRepeatedRequestID(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)
	queue := NewSyncRequestQueue(pool, "")

	req := events.SyncRequested{RequestID: "nightly-2024-01-15", RequestedBy: "user-1", RequestedAt: time.Now().UTC()}
	require.NoError(t, queue.Enqueue(ctx, req))
	req.RequestedAt = req.RequestedAt.Add(time.Second)
	require.NoError(t, queue.Enqueue(ctx, req))

	var rows int
	var key string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(dedupe_key) FROM outbox WHERE event_type = $1`, events.TypeSyncRequested,
	).Scan(&rows, &key))
	require.Equal(t, 1, rows)
	require.Equal(t, "nightly-2024-01-15:sync.requested", key)
}
