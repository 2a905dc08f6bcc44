package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/ingest"
	"example.com/wearablesync/internal/persistence/memory"
	"example.com/wearablesync/internal/wearable"
)

var now = time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

func TestComputeWindowFromLatestDay(t *testing.T) {
	latest := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)

	window := ComputeWindow(now, latest, true, 7)
	require.Equal(t, time.Date(2024, time.January, 8, 0, 0, 0, 0, time.UTC), window.Start)
	require.Equal(t, now, window.End)
}

func TestComputeWindowStaleStoreWidens(t *testing.T) {
	latest := time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC)

	window := ComputeWindow(now, latest, true, 7)
	require.Equal(t, time.Date(2023, time.November, 30, 0, 0, 0, 0, time.UTC), window.Start)
}

func TestComputeWindowEmptyStoreBackfills(t *testing.T) {
	window := ComputeWindow(now, time.Time{}, false, 7)
	require.Equal(t, now.Add(-180*24*time.Hour), window.Start)
}

func TestComputeWindowRecentStoreKeepsLookback(t *testing.T) {
	at := now.Add(13 * time.Hour)

	window := ComputeWindow(at, now, true, 3)
	require.Equal(t, at.Add(-72*time.Hour), window.Start, "a store updated today still refetches the lookback")
}

func TestClampLookback(t *testing.T) {
	require.Equal(t, 7, ClampLookback(0))
	require.Equal(t, 1, ClampLookback(-4))
	require.Equal(t, 30, ClampLookback(90))
	require.Equal(t, 14, ClampLookback(14))
}

func TestPolicyFor(t *testing.T) {
	transient := PolicyFor(domain.ErrorClassTransient)
	require.Equal(t, 5, transient.MaxAttempts)
	require.Equal(t, 30*time.Second, transient.Backoff)
	require.True(t, transient.Retryable(4))
	require.False(t, transient.Retryable(5))

	upstream := PolicyFor(domain.ErrorClassUpstream)
	require.Equal(t, 3, upstream.MaxAttempts)
	require.Equal(t, 60*time.Second, upstream.Backoff)

	require.False(t, PolicyFor(domain.ErrorClassAuth).Retryable(1))
	require.False(t, PolicyFor(domain.ErrorClassFatal).Retryable(1))
}

func TestRunCommitsMergedWindow(t *testing.T) {
	h := newHarness()
	h.store.Put(domain.DailyRecord{Day: time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)})

	outcome, err := h.orchestrator.Run(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusOK, outcome.Status)
	require.Equal(t, 8, outcome.Days)
	require.Equal(t, 6, outcome.MissingDays)

	require.Equal(t, []string{"good"}, h.fetcher.distinctTokens())

	rows, err := h.store.ListRange(context.Background(), outcome.Window.Start, outcome.Window.End)
	require.NoError(t, err)
	require.Len(t, rows, 8)
	last := rows[len(rows)-1]
	require.Equal(t, now, last.Day)
	require.InDelta(t, 82.0, *last.BodyWeightKg, 0.0001)
	require.False(t, last.MissingFlag)
}

func TestRunRefreshesOnceAfterUnauthorized(t *testing.T) {
	h := newHarness()
	h.tokens.current = "stale"
	h.fetcher.reject = map[string]bool{"stale": true}

	outcome, err := h.orchestrator.Run(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusOK, outcome.Status)
	require.True(t, outcome.Refreshed)
	require.Equal(t, 1, h.tokens.forced)
	require.Equal(t, []string{"stale", "good"}, h.fetcher.distinctTokens())
}

func TestRunSecondUnauthorizedEndsUnauthorized(t *testing.T) {
	h := newHarness()
	h.tokens.current = "stale"
	h.tokens.refreshTo = "also-stale"
	h.fetcher.reject = map[string]bool{"stale": true, "also-stale": true}

	outcome, err := h.orchestrator.Run(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusUnauthorized, outcome.Status)
	require.Equal(t, 1, h.tokens.forced)
	require.Equal(t, 2, h.fetcher.calls(), "one rejected call per batch")

	_, found, err := h.store.LatestDay(context.Background())
	require.NoError(t, err)
	require.False(t, found)
}

func TestRunWithoutRefreshTokenIsUnauthorized(t *testing.T) {
	h := newHarness()
	h.tokens.current = "stale"
	h.tokens.forceErr = domain.ErrNoRefreshToken
	h.fetcher.reject = map[string]bool{"stale": true}

	outcome, err := h.orchestrator.Run(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusUnauthorized, outcome.Status)
}

func TestRunWithoutCredentialIsUnauthorized(t *testing.T) {
	h := newHarness()
	h.tokens.getErr = domain.ErrNoCredential

	outcome, err := h.orchestrator.Run(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusUnauthorized, outcome.Status)
	require.Zero(t, h.fetcher.calls())
}

func TestRunPropagatesClassifiedFailures(t *testing.T) {
	cases := map[string]struct {
		err   error
		class domain.ErrorClass
	}{
		"transient": {err: &domain.TransientError{Op: "GET /v2/cycle", Err: errors.New("reset")}, class: domain.ErrorClassTransient},
		"upstream":  {err: &domain.UpstreamError{Op: "GET /v2/cycle", StatusCode: 502}, class: domain.ErrorClassUpstream},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			h.fetcher.failRuns = map[int]error{1: tc.err}

			_, err := h.orchestrator.Run(context.Background(), "run-1")
			require.Error(t, err)
			require.Equal(t, tc.class, domain.Classify(err))
			require.Zero(t, h.tokens.forced)

			_, found, err := h.store.LatestDay(context.Background())
			require.NoError(t, err)
			require.False(t, found, "failed attempts leave the store untouched")
		})
	}
}

func TestTransientFailureThenSuccessMatchesUninterruptedRun(t *testing.T) {
	clean := newHarness()
	_, err := clean.orchestrator.Run(context.Background(), "clean")
	require.NoError(t, err)

	flaky := newHarness()
	timeout := &domain.TransientError{Op: "GET /v2/recovery", Err: errors.New("timeout")}
	flaky.fetcher.failRuns = map[int]error{1: timeout, 2: timeout}

	_, err = flaky.orchestrator.Run(context.Background(), "attempt-1")
	require.Equal(t, domain.ErrorClassTransient, domain.Classify(err))
	_, err = flaky.orchestrator.Run(context.Background(), "attempt-2")
	require.Equal(t, domain.ErrorClassTransient, domain.Classify(err))
	outcome, err := flaky.orchestrator.Run(context.Background(), "attempt-3")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusOK, outcome.Status)

	want, err := clean.store.ListRange(context.Background(), outcome.Window.Start, outcome.Window.End)
	require.NoError(t, err)
	got, err := flaky.store.ListRange(context.Background(), outcome.Window.Start, outcome.Window.End)
	require.NoError(t, err)
	require.Equal(t, stripTimestamps(want), stripTimestamps(got))
}

type harness struct {
	store        *memory.DailyRecordStore
	tokens       *stubTokens
	fetcher      *stubFetcher
	orchestrator *Orchestrator
}

func newHarness() *harness {
	store := memory.NewDailyRecordStore()
	tokens := &stubTokens{current: "good", refreshTo: "good"}
	fetcher := &stubFetcher{}
	upserter := ingest.New(store, ingest.WithClock(func() time.Time { return now }), ingest.WithLogger(zerolog.Nop()))
	orchestrator := New(tokens, fetcher, store, upserter, Config{LookbackDays: 7},
		WithClock(func() time.Time { return now }),
		WithLogger(zerolog.Nop()),
	)
	return &harness{store: store, tokens: tokens, fetcher: fetcher, orchestrator: orchestrator}
}

func stripTimestamps(rows []domain.DailyRecord) []domain.DailyRecord {
	out := make([]domain.DailyRecord, len(rows))
	for i, row := range rows {
		row.CreatedAt, row.UpdatedAt = time.Time{}, time.Time{}
		out[i] = row
	}
	return out
}

type stubTokens struct {
	current   string
	refreshTo string
	getErr    error
	forceErr  error
	forced    int
}

func (s *stubTokens) GetValid(context.Context) (domain.OAuthCredential, error) {
	if s.getErr != nil {
		return domain.OAuthCredential{}, s.getErr
	}
	return domain.OAuthCredential{AccessToken: s.current, ExpiresAt: now.Add(time.Hour)}, nil
}

func (s *stubTokens) ForceRefresh(context.Context) (domain.OAuthCredential, error) {
	s.forced++
	if s.forceErr != nil {
		return domain.OAuthCredential{}, s.forceErr
	}
	s.current = s.refreshTo
	return domain.OAuthCredential{AccessToken: s.current, ExpiresAt: now.Add(time.Hour)}, nil
}

// stubFetcher serves one cycle and one recovery on fixed days. failRuns maps
// a 1-based batch number to the error its recovery fetch returns.
type stubFetcher struct {
	mu       sync.Mutex
	reject   map[string]bool
	failRuns map[int]error
	runs     int
	tokens   []string
}

func (s *stubFetcher) FetchPaginated(_ context.Context, token string, resource wearable.Resource, _, _ time.Time) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	if s.reject[token] {
		return nil, &domain.AuthError{Op: "GET " + string(resource), StatusCode: 401}
	}

	switch resource {
	case wearable.ResourceCycle:
		s.runs++
		return []json.RawMessage{json.RawMessage(`{"start":"2024-01-12T06:00:00Z","score":{"strain":10.5}}`)}, nil
	case wearable.ResourceRecovery:
		if err := s.failRuns[s.runs]; err != nil {
			return nil, err
		}
		return []json.RawMessage{json.RawMessage(`{"created_at":"2024-01-12T07:00:00Z","score":{"recovery_score":61}}`)}, nil
	}
	return nil, nil
}

func (s *stubFetcher) FetchBodyMeasurement(_ context.Context, token string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject[token] {
		return nil, &domain.AuthError{Op: "GET body", StatusCode: 401}
	}
	return json.RawMessage(`{"weight_kilogram":82.0}`), nil
}

func (s *stubFetcher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *stubFetcher) distinctTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, token := range s.tokens {
		if len(out) == 0 || out[len(out)-1] != token {
			out = append(out, token)
		}
	}
	return out
}
