package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/wearablesync/internal/domain"
)

func TestApplyRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewDailyRecordStore()
	day := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)

	err := store.Apply(ctx, func(uow domain.DailyUnitOfWork) error {
		require.NoError(t, uow.Put(ctx, domain.DailyRecord{Day: day}))
		return errors.New("boom")
	})
	require.Error(t, err)

	_, found, err := store.LatestDay(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestApplyCommitsAndKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := NewDailyRecordStore()
	day := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return time.Date(2024, time.January, 11, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, store.Apply(ctx, func(uow domain.DailyUnitOfWork) error {
		return uow.Put(ctx, domain.DailyRecord{Day: day, MissingFlag: true})
	}))

	store.now = func() time.Time { return time.Date(2024, time.January, 12, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, store.Apply(ctx, func(uow domain.DailyUnitOfWork) error {
		rec, err := uow.Get(ctx, day)
		require.NoError(t, err)
		require.NotNil(t, rec)
		rec.MissingFlag = false
		return uow.Put(ctx, *rec)
	}))

	records, err := store.ListRange(ctx, day, day)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.False(t, records[0].MissingFlag)
	require.Equal(t, 11, records[0].CreatedAt.Day())
	require.Equal(t, 12, records[0].UpdatedAt.Day())
}

func TestLatestCompleteSkipsMissingAndUnscored(t *testing.T) {
	ctx := context.Background()
	store := NewDailyRecordStore()
	score := 71.0

	store.Put(domain.DailyRecord{Day: time.Date(2024, time.January, 8, 0, 0, 0, 0, time.UTC), RecoveryScore: &score})
	store.Put(domain.DailyRecord{Day: time.Date(2024, time.January, 9, 0, 0, 0, 0, time.UTC)})
	store.Put(domain.DailyRecord{Day: time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC), RecoveryScore: &score, MissingFlag: true})

	latest, err := store.LatestComplete(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, 8, latest.Day.Day())
}

func TestOAuthStateConsumedOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewOAuthStateRepository()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, "s1", now))
	require.NoError(t, repo.Consume(ctx, "s1", now.Add(-time.Minute)))
	require.ErrorIs(t, repo.Consume(ctx, "s1", now.Add(-time.Minute)), domain.ErrInvalidOAuthState)
	require.ErrorIs(t, repo.Consume(ctx, "unknown", now), domain.ErrInvalidOAuthState)

	require.NoError(t, repo.Create(ctx, "old", now.Add(-time.Hour)))
	require.ErrorIs(t, repo.Consume(ctx, "old", now.Add(-10*time.Minute)), domain.ErrInvalidOAuthState)
}
