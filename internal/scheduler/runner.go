// Package scheduler drives sync runs on an interval and on request, applying
// the retry policy the orchestrator declares for each failure class.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/logging"
	"example.com/wearablesync/internal/observability"
	"example.com/wearablesync/internal/syncer"
)

// ErrAlreadyRunning is returned when a run is requested while another is in flight.
var ErrAlreadyRunning = errors.New("sync already running")

// Syncer executes one sync attempt.
type Syncer interface {
	Run(ctx context.Context, runID string) (syncer.Outcome, error)
}

// Config tunes the Runner.
type Config struct {
	Interval   time.Duration
	RunOnStart bool
}

// Option configures optional behaviour for the Runner.
type Option func(*Runner)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithClock overrides the clock stamped on audit rows.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithPolicy overrides the class to retry policy mapping.
func WithPolicy(policyFor func(domain.ErrorClass) syncer.RetryPolicy) Option {
	return func(r *Runner) {
		r.policyFor = policyFor
	}
}

// WithSleep overrides how the runner waits between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		r.sleep = sleep
	}
}

// Runner serialises sync runs within the process.
type Runner struct {
	syncer    Syncer
	runs      domain.SyncRunRepository
	cfg       Config
	policyFor func(domain.ErrorClass) syncer.RetryPolicy
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    zerolog.Logger
	mu        sync.Mutex
}

// New constructs a Runner.
func New(s Syncer, runs domain.SyncRunRepository, cfg Config, opts ...Option) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	r := &Runner{
		syncer:    s,
		runs:      runs,
		cfg:       cfg,
		policyFor: syncer.PolicyFor,
		sleep:     sleepContext,
		now:       time.Now,
		logger:    logging.Component("scheduler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Serve runs a sync every interval until ctx is cancelled.
func (r *Runner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("sync scheduler started")
	if r.cfg.RunOnStart {
		r.tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("sync scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if _, err := r.Execute(ctx, domain.SyncTriggerSchedule); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			r.logger.Info().Msg("previous sync still running, skipping tick")
			return
		}
		r.logger.Error().Err(err).Msg("scheduled sync failed")
	}
}

// String names the service in supervisor events.
func (r *Runner) String() string { return "sync-scheduler" }

// Execute performs one sync run, retrying failed attempts per policy. The
// returned run is the final audit state; err is non-nil only when the run
// failed or could not start. Auth failures end the run as unauthorized, which
// is not a failure.
func (r *Runner) Execute(ctx context.Context, trigger domain.SyncTrigger) (domain.SyncRun, error) {
	if !r.mu.TryLock() {
		return domain.SyncRun{}, ErrAlreadyRunning
	}
	defer r.mu.Unlock()

	run := domain.SyncRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: r.now().UTC(),
	}
	log := r.logger.With().Str("run_id", run.ID).Str("trigger", string(trigger)).Logger()

	for attempt := 1; ; attempt++ {
		run.Attempt = attempt
		run.Status = domain.SyncStatusRunning
		r.record(ctx, log, run)

		started := time.Now()
		outcome, err := r.syncer.Run(ctx, run.ID)
		run.Window = outcome.Window

		if err == nil {
			observability.RecordSyncAttempt(string(outcome.Status), time.Since(started))
			run.Status = outcome.Status
			run.Days = outcome.Days
			run.MissingDays = outcome.MissingDays
			run.ErrorClass, run.ErrorMessage = domain.ErrorClassNone, ""
			if outcome.Status == domain.SyncStatusUnauthorized {
				run.ErrorClass = domain.ErrorClassAuth
				log.Warn().Msg("sync unauthorized; re-authorization required")
			} else {
				observability.RecordDaysUpserted(outcome.Days, outcome.MissingDays)
				observability.RecordSyncSucceeded(r.now())
			}
			r.finish(ctx, log, &run)
			return run, nil
		}

		class := domain.Classify(err)
		observability.RecordSyncAttempt(string(class), time.Since(started))
		run.ErrorClass, run.ErrorMessage = class, err.Error()

		if ctxErr := ctx.Err(); ctxErr != nil {
			run.Status = domain.SyncStatusFailed
			r.finish(context.WithoutCancel(ctx), log, &run)
			return run, fmt.Errorf("sync %s cancelled: %w", run.ID, ctxErr)
		}

		if class == domain.ErrorClassAuth {
			run.Status = domain.SyncStatusUnauthorized
			r.finish(ctx, log, &run)
			log.Warn().Err(err).Msg("sync unauthorized; re-authorization required")
			return run, nil
		}

		policy := r.policyFor(class)
		if !policy.Retryable(attempt) {
			run.Status = domain.SyncStatusFailed
			r.finish(ctx, log, &run)
			observability.RecordSyncFatal(string(class))
			log.Error().Err(err).Str("class", string(class)).Int("attempt", attempt).Msg("sync failed; retry budget exhausted")
			return run, fmt.Errorf("sync %s failed after %d attempt(s): %w", run.ID, attempt, err)
		}

		run.Status = domain.SyncStatusRetrying
		r.record(ctx, log, run)
		observability.RecordSyncRetry(string(class))
		log.Warn().Err(err).Str("class", string(class)).Int("attempt", attempt).Dur("backoff", policy.Backoff).Msg("sync attempt failed, retrying")

		if err := r.sleep(ctx, policy.Backoff); err != nil {
			run.Status = domain.SyncStatusFailed
			r.finish(context.WithoutCancel(ctx), log, &run)
			return run, fmt.Errorf("sync %s cancelled during backoff: %w", run.ID, err)
		}
	}
}

func (r *Runner) finish(ctx context.Context, log zerolog.Logger, run *domain.SyncRun) {
	finished := r.now().UTC()
	run.FinishedAt = &finished
	r.record(ctx, log, *run)
	log.Info().Str("status", string(run.Status)).Int("attempt", run.Attempt).Int("days", run.Days).Msg("sync run finished")
}

// record persists the audit row; audit failures never fail the sync itself.
func (r *Runner) record(ctx context.Context, log zerolog.Logger, run domain.SyncRun) {
	if r.runs == nil {
		return
	}
	if err := r.runs.Record(ctx, run); err != nil {
		log.Warn().Err(err).Msg("record sync run")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
