// Package syncer runs one wearable sync: window computation, the five upstream
// fetches with a single forced-refresh retry, merge and upsert.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/ingest"
	"example.com/wearablesync/internal/logging"
	"example.com/wearablesync/internal/merge"
	"example.com/wearablesync/internal/wearable"
)

const (
	DefaultLookbackDays = 7
	MinLookbackDays     = 1
	MaxLookbackDays     = 30

	// initialBackfill bounds the first sync against an empty store.
	initialBackfill = 180 * 24 * time.Hour
)

// TokenProvider hands out upstream credentials.
type TokenProvider interface {
	GetValid(ctx context.Context) (domain.OAuthCredential, error)
	ForceRefresh(ctx context.Context) (domain.OAuthCredential, error)
}

// Fetcher reads the upstream resources.
type Fetcher interface {
	FetchPaginated(ctx context.Context, accessToken string, resource wearable.Resource, start, end time.Time) ([]json.RawMessage, error)
	FetchBodyMeasurement(ctx context.Context, accessToken string) (json.RawMessage, error)
}

// Upserter commits merged days.
type Upserter interface {
	Upsert(ctx context.Context, runID string, window domain.Window, days merge.Days) (ingest.Result, error)
}

// Config tunes the Orchestrator.
type Config struct {
	LookbackDays int
}

// Option configures optional behaviour for the Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the clock used to compute the window end.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Outcome is the non-error result of a run.
type Outcome struct {
	RunID       string
	Status      domain.SyncStatus
	Window      domain.Window
	Days        int
	MissingDays int
	// Refreshed is set when a forced refresh happened during the run.
	Refreshed bool
}

// Orchestrator executes sync runs. It classifies failures but never sleeps or
// retries beyond the single auth refresh; the caller applies RetryPolicy.
type Orchestrator struct {
	tokens   TokenProvider
	fetcher  Fetcher
	records  domain.DailyRecordReader
	upserter Upserter
	lookback int
	now      func() time.Time
	logger   zerolog.Logger
}

// New constructs an Orchestrator.
func New(tokens TokenProvider, fetcher Fetcher, records domain.DailyRecordReader, upserter Upserter, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tokens:   tokens,
		fetcher:  fetcher,
		records:  records,
		upserter: upserter,
		lookback: ClampLookback(cfg.LookbackDays),
		now:      time.Now,
		logger:   logging.Component("syncer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ClampLookback bounds the configured lookback to [1, 30]; zero selects the default.
func ClampLookback(days int) int {
	switch {
	case days == 0:
		return DefaultLookbackDays
	case days < MinLookbackDays:
		return MinLookbackDays
	case days > MaxLookbackDays:
		return MaxLookbackDays
	}
	return days
}

// ComputeWindow derives the fetch range. The start is the day before the
// latest stored day (or a 180 day backfill when the store is empty), pulled
// further back when that would be shorter than lookbackDays.
func ComputeWindow(now time.Time, latest time.Time, hasLatest bool, lookbackDays int) domain.Window {
	end := now.UTC()
	var candidate time.Time
	if hasLatest {
		candidate = domain.DayOf(latest).AddDate(0, 0, -1)
	} else {
		candidate = end.Add(-initialBackfill)
	}
	floor := end.Add(-time.Duration(lookbackDays) * 24 * time.Hour)
	start := candidate
	if floor.Before(start) {
		start = floor
	}
	return domain.Window{Start: start, End: end}
}

// Run executes one attempt. A missing, unrefreshable or twice-rejected
// credential yields an unauthorized Outcome with a nil error; every other
// failure is returned for the caller to classify.
func (o *Orchestrator) Run(ctx context.Context, runID string) (Outcome, error) {
	log := o.logger.With().Str("run_id", runID).Logger()

	latest, hasLatest, err := o.records.LatestDay(ctx)
	if err != nil {
		return Outcome{RunID: runID}, fmt.Errorf("latest stored day: %w", err)
	}
	window := ComputeWindow(o.now(), latest, hasLatest, o.lookback)
	outcome := Outcome{RunID: runID, Window: window}
	log = log.With().Time("window_start", window.Start).Time("window_end", window.End).Logger()
	log.Debug().Str("state", "compute_window").Msg("window computed")

	cred, err := o.tokens.GetValid(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoCredential) {
			log.Warn().Err(err).Msg("no usable credential")
			outcome.Status = domain.SyncStatusUnauthorized
			return outcome, nil
		}
		return outcome, fmt.Errorf("credential: %w", err)
	}

	log.Debug().Str("state", "fetch").Msg("fetching upstream resources")
	fetched, err := o.fetchAll(ctx, cred.AccessToken, window)
	if err != nil && domain.Classify(err) == domain.ErrorClassAuth {
		log.Info().Str("state", "auth_retry").Err(err).Msg("upstream rejected token, forcing refresh")
		cred, err = o.tokens.ForceRefresh(ctx)
		if err != nil {
			if domain.Classify(err) == domain.ErrorClassAuth {
				log.Warn().Err(err).Msg("forced refresh failed")
				outcome.Status = domain.SyncStatusUnauthorized
				return outcome, nil
			}
			return outcome, fmt.Errorf("force refresh: %w", err)
		}
		outcome.Refreshed = true

		fetched, err = o.fetchAll(ctx, cred.AccessToken, window)
		if err != nil && domain.Classify(err) == domain.ErrorClassAuth {
			log.Warn().Err(err).Msg("upstream rejected refreshed token")
			outcome.Status = domain.SyncStatusUnauthorized
			return outcome, nil
		}
	}
	if err != nil {
		return outcome, err
	}

	log.Debug().Str("state", "merge").Msg("merging records")
	days := merge.Build(fetched, window.End)

	log.Debug().Str("state", "upsert").Int("merged_days", len(days)).Msg("upserting")
	result, err := o.upserter.Upsert(ctx, runID, window, days)
	if err != nil {
		return outcome, err
	}

	outcome.Status = domain.SyncStatusOK
	outcome.Days = result.Days
	outcome.MissingDays = len(result.MissingDays)
	log.Info().Str("state", "done").Int("days", outcome.Days).Int("missing", outcome.MissingDays).Msg("sync run complete")
	return outcome, nil
}

// fetchAll performs the five fetches sequentially and stops at the first error.
func (o *Orchestrator) fetchAll(ctx context.Context, accessToken string, window domain.Window) (merge.Sources, error) {
	var src merge.Sources
	targets := []struct {
		resource wearable.Resource
		dst      *[]json.RawMessage
	}{
		{wearable.ResourceCycle, &src.Cycles},
		{wearable.ResourceRecovery, &src.Recoveries},
		{wearable.ResourceSleep, &src.Sleeps},
		{wearable.ResourceWorkout, &src.Workouts},
	}
	for _, target := range targets {
		records, err := o.fetcher.FetchPaginated(ctx, accessToken, target.resource, window.Start, window.End)
		if err != nil {
			return merge.Sources{}, fmt.Errorf("fetch %s: %w", target.resource, err)
		}
		*target.dst = records
	}

	body, err := o.fetcher.FetchBodyMeasurement(ctx, accessToken)
	if err != nil {
		return merge.Sources{}, fmt.Errorf("fetch body measurement: %w", err)
	}
	src.Body = body
	return src, nil
}
