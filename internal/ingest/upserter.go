// Package ingest writes merged daily aggregates into the daily record store.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/logging"
	"example.com/wearablesync/internal/merge"
)

// Result summarises one committed upsert.
type Result struct {
	Days        int
	MissingDays []time.Time
	// Ignored counts merged days that fell outside the window.
	Ignored int
}

// Option configures optional behaviour for the Upserter.
type Option func(*Upserter)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(u *Upserter) {
		u.logger = logger
	}
}

// WithClock overrides the clock stamped on run summaries.
func WithClock(now func() time.Time) Option {
	return func(u *Upserter) {
		u.now = now
	}
}

// Upserter applies one run's aggregates to every day of its window.
type Upserter struct {
	store  domain.DailyRecordStore
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs an Upserter.
func New(store domain.DailyRecordStore, opts ...Option) *Upserter {
	u := &Upserter{
		store:  store,
		now:    time.Now,
		logger: logging.Component("ingest"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upsert writes one row per day of window inside a single unit of work. A day
// with an aggregate gets every field overwritten and missing_flag cleared; a
// day without one keeps its existing data and is flagged missing. Nothing is
// persisted when any write fails.
func (u *Upserter) Upsert(ctx context.Context, runID string, window domain.Window, days merge.Days) (Result, error) {
	windowDays := window.Days()
	if len(windowDays) == 0 {
		return Result{}, fmt.Errorf("upsert: empty window %s..%s", window.Start.Format(time.RFC3339), window.End.Format(time.RFC3339))
	}

	var result Result
	err := u.store.Apply(ctx, func(uow domain.DailyUnitOfWork) error {
		result = Result{Days: len(windowDays)}

		for _, day := range windowDays {
			rec, err := uow.Get(ctx, day)
			if err != nil {
				return fmt.Errorf("get %s: %w", day.Format(time.DateOnly), err)
			}
			if rec == nil {
				rec = &domain.DailyRecord{Day: day}
			}
			if agg := days.Get(day); agg != nil {
				rec.Apply(*agg)
			} else {
				rec.MissingFlag = true
				result.MissingDays = append(result.MissingDays, day)
			}
			if err := uow.Put(ctx, *rec); err != nil {
				return fmt.Errorf("put %s: %w", day.Format(time.DateOnly), err)
			}
		}

		return uow.Complete(ctx, domain.SyncSummary{
			RunID:       runID,
			Window:      window,
			Days:        result.Days,
			MissingDays: len(result.MissingDays),
			CompletedAt: u.now().UTC(),
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("upsert window: %w", err)
	}

	first, last := window.StartDay(), window.EndDay()
	for day := range days {
		if day.Before(first) || day.After(last) {
			result.Ignored++
		}
	}
	if result.Ignored > 0 {
		u.logger.Debug().Str("run_id", runID).Int("ignored", result.Ignored).Msg("merged days outside window skipped")
	}

	u.logger.Info().
		Str("run_id", runID).
		Int("days", result.Days).
		Int("missing", len(result.MissingDays)).
		Msg("daily records upserted")
	return result, nil
}
