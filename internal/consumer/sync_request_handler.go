package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/events"
	"example.com/wearablesync/internal/logging"
	"example.com/wearablesync/internal/scheduler"
)

// Executor runs a sync on demand.
type Executor interface {
	Execute(ctx context.Context, trigger domain.SyncTrigger) (domain.SyncRun, error)
}

// SyncRequestHandler turns sync.requested events into sync runs.
type SyncRequestHandler struct {
	executor Executor
	maxAge   time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSyncRequestHandler constructs a handler. Requests older than maxAge are
// dropped; zero disables the check.
func NewSyncRequestHandler(executor Executor, maxAge time.Duration) *SyncRequestHandler {
	return &SyncRequestHandler{
		executor: executor,
		maxAge:   maxAge,
		now:      time.Now,
		logger:   logging.Component("sync-requests"),
	}
}

// Handle runs one sync per request. Runs that fail after their retry budget
// are audited by the scheduler and acknowledged here; only cancellation and
// undecodable payloads are returned as errors.
func (h *SyncRequestHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeSyncRequested {
		recordRequestOutcome("ignored")
		return nil
	}

	var req events.SyncRequested
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("decode sync request at offset %d: %w", msg.Offset, err)
	}
	log := h.logger.With().Str("request_id", req.RequestID).Str("requested_by", req.RequestedBy).Logger()

	if h.maxAge > 0 && !req.RequestedAt.IsZero() && h.now().Sub(req.RequestedAt) > h.maxAge {
		log.Info().Time("requested_at", req.RequestedAt).Msg("sync request expired")
		recordRequestOutcome("expired")
		return nil
	}

	run, err := h.executor.Execute(ctx, domain.SyncTriggerRequest)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		log.Info().Msg("sync already running; request coalesced")
		recordRequestOutcome("coalesced")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		log.Warn().Err(err).Str("run_id", run.ID).Msg("requested sync failed")
		recordRequestOutcome("failed")
		return nil
	}

	log.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("requested sync finished")
	recordRequestOutcome(string(run.Status))
	return nil
}
