package httptransport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	listenErr error
	stopped   chan struct{}
	shutdowns int
}

func newFakeServer(listenErr error) *fakeServer {
	return &fakeServer{listenErr: listenErr, stopped: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stopped
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdowns++
	close(f.stopped)
	return nil
}

func TestServiceShutsDownOnCancel(t *testing.T) {
	server := newFakeServer(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewService("api-http", server, time.Second).Serve(ctx) }()
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, 1, server.shutdowns)
}

func TestServiceReportsListenFailure(t *testing.T) {
	svc := NewService("metrics-http", newFakeServer(errors.New("address in use")), 0)

	err := svc.Serve(context.Background())
	require.ErrorContains(t, err, "metrics-http failed: address in use")
	require.Equal(t, "metrics-http", svc.String())
}

func TestNewServerCopiesTimeouts(t *testing.T) {
	srv := NewServer(ServerConfig{Address: ":0", ReadTimeout: time.Second, WriteTimeout: 2 * time.Second, IdleTimeout: 3 * time.Second}, http.NotFoundHandler())
	require.Equal(t, ":0", srv.Addr)
	require.Equal(t, time.Second, srv.ReadHeaderTimeout)
	require.Equal(t, 2*time.Second, srv.WriteTimeout)
	require.Equal(t, 3*time.Second, srv.IdleTimeout)
}

func TestLogRequestsRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := LogRequests(zerolog.New(&buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/daily?from=2024-01-01", nil))

	require.Equal(t, http.StatusTeapot, rr.Code)
	require.Contains(t, buf.String(), `"status":418`)
	require.Contains(t, buf.String(), `"path":"/v1/daily"`)
}
