package wearable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"example.com/wearablesync/internal/domain"
)

var (
	windowStart = time.Date(2024, time.January, 8, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
)

func TestFetchPaginatedFollowsNextToken(t *testing.T) {
	upstream := newPagedUpstream(60)
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	client := newTestClient(srv.URL)
	before := testutil.ToFloat64(pageCounter.WithLabelValues(string(ResourceCycle)))

	records, err := client.FetchPaginated(context.Background(), "token-1", ResourceCycle, windowStart, windowEnd)
	require.NoError(t, err)
	require.Len(t, records, 60)

	requests := upstream.snapshot()
	require.Len(t, requests, 3)
	require.Empty(t, requests[0].Get("nextToken"), "first page carries no continuation token")
	require.Equal(t, "25", requests[1].Get("nextToken"))
	require.Equal(t, "50", requests[2].Get("nextToken"))
	for _, q := range requests {
		require.Equal(t, "25", q.Get("limit"))
		require.Equal(t, "2024-01-08T00:00:00.000Z", q.Get("start"))
		require.Equal(t, "2024-01-15T00:00:00.000Z", q.Get("end"))
	}
	require.Equal(t, "Bearer token-1", upstream.auth())

	var first map[string]int
	require.NoError(t, json.Unmarshal(records[0], &first))
	require.Equal(t, 0, first["id"])
	require.InDelta(t, before+3, testutil.ToFloat64(pageCounter.WithLabelValues(string(ResourceCycle))), 0.0001)
}

func TestFetchPaginatedEmptyCollection(t *testing.T) {
	upstream := newPagedUpstream(0)
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	records, err := newTestClient(srv.URL).FetchPaginated(context.Background(), "t", ResourceSleep, windowStart, windowEnd)
	require.NoError(t, err)
	require.Empty(t, records)
	require.Len(t, upstream.snapshot(), 1)
}

func TestFetchPaginatedUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchPaginated(context.Background(), "expired", ResourceRecovery, windowStart, windowEnd)
	var authErr *domain.AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}

func TestFetchPaginatedUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchPaginated(context.Background(), "t", ResourceWorkout, windowStart, windowEnd)
	var upstreamErr *domain.UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	require.Equal(t, http.StatusServiceUnavailable, upstreamErr.StatusCode)
	require.Equal(t, "maintenance", upstreamErr.Body)
}

func TestFetchPaginatedConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	_, err := newTestClient(base).FetchPaginated(context.Background(), "t", ResourceCycle, windowStart, windowEnd)
	require.Equal(t, domain.ErrorClassTransient, domain.Classify(err))
}

func TestFetchPaginatedTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, WithLogger(zerolog.Nop()))

	_, err := client.FetchPaginated(context.Background(), "t", ResourceCycle, windowStart, windowEnd)
	require.Equal(t, domain.ErrorClassTransient, domain.Classify(err))
}

func TestFetchBodyMeasurement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/user/measurement/body", r.URL.Path)
		require.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"height_meter":1.8,"weight_kilogram":81.5}`))
	}))
	defer srv.Close()

	body, err := newTestClient(srv.URL).FetchBodyMeasurement(context.Background(), "t")
	require.NoError(t, err)
	require.JSONEq(t, `{"height_meter":1.8,"weight_kilogram":81.5}`, string(body))
}

func TestBreakerOpensAfterRepeatedUpstreamFailures(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	for i := 0; i < 5; i++ {
		_, err := client.FetchBodyMeasurement(context.Background(), "t")
		require.Equal(t, domain.ErrorClassUpstream, domain.Classify(err))
	}

	_, err := client.FetchBodyMeasurement(context.Background(), "t")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, domain.ErrorClassTransient, domain.Classify(err))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 5, hits)
}

func TestBreakerCountsFailuresAcrossSpacedAttempts(t *testing.T) {
	settings := breakerSettings(zerolog.Nop())
	require.Zero(t, settings.Interval, "failure counts must not expire between sync attempts")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// One failing call per attempt, with a pause between attempts.
	client := newTestClient(srv.URL)
	for attempt := 0; attempt < breakerTripAfter; attempt++ {
		_, err := client.FetchBodyMeasurement(context.Background(), "t")
		require.Equal(t, domain.ErrorClassUpstream, domain.Classify(err))
		time.Sleep(20 * time.Millisecond)
	}

	_, err := client.FetchBodyMeasurement(context.Background(), "t")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()
	setStatus := func(code int) {
		mu.Lock()
		defer mu.Unlock()
		status = code
	}

	client := newTestClient(srv.URL)
	for i := 0; i < breakerTripAfter-1; i++ {
		_, err := client.FetchBodyMeasurement(context.Background(), "t")
		require.Error(t, err)
	}
	setStatus(http.StatusOK)
	_, err := client.FetchBodyMeasurement(context.Background(), "t")
	require.NoError(t, err)

	setStatus(http.StatusBadGateway)
	for i := 0; i < breakerTripAfter-1; i++ {
		_, err := client.FetchBodyMeasurement(context.Background(), "t")
		require.Equal(t, domain.ErrorClassUpstream, domain.Classify(err), "breaker stays closed after a success")
	}
}

func TestBreakerIgnoresUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	for i := 0; i < 8; i++ {
		_, err := client.FetchBodyMeasurement(context.Background(), "t")
		require.Equal(t, domain.ErrorClassAuth, domain.Classify(err))
	}
}

func newTestClient(baseURL string) *Client {
	return NewClient(Config{BaseURL: baseURL, Timeout: 2 * time.Second}, WithLogger(zerolog.Nop()))
}

// pagedUpstream serves total records in pages of PageSize, using the record
// offset as the continuation token.
type pagedUpstream struct {
	total    int
	mu       sync.Mutex
	requests []map[string]string
	lastAuth string
}

func newPagedUpstream(total int) *pagedUpstream {
	return &pagedUpstream{total: total}
}

type queryValues map[string]string

func (q queryValues) Get(key string) string { return q[key] }

func (u *pagedUpstream) snapshot() []queryValues {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]queryValues, len(u.requests))
	for i, r := range u.requests {
		out[i] = r
	}
	return out
}

func (u *pagedUpstream) auth() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastAuth
}

func (u *pagedUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	u.mu.Lock()
	u.requests = append(u.requests, map[string]string{
		"limit":     q.Get("limit"),
		"start":     q.Get("start"),
		"end":       q.Get("end"),
		"nextToken": q.Get("nextToken"),
	})
	u.lastAuth = r.Header.Get("Authorization")
	u.mu.Unlock()

	offset := 0
	if token := q.Get("nextToken"); token != "" {
		offset, _ = strconv.Atoi(token)
	}
	end := offset + PageSize
	if end > u.total {
		end = u.total
	}

	records := make([]map[string]int, 0, PageSize)
	for i := offset; i < end; i++ {
		records = append(records, map[string]int{"id": i})
	}
	resp := map[string]any{"records": records}
	if end < u.total {
		resp["next_token"] = fmt.Sprint(end)
	} else {
		resp["next_token"] = nil
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
