// Package api exposes the HTTP surface of the wearable sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"example.com/wearablesync/internal/auth"
	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/events"
	"example.com/wearablesync/internal/logging"
)

// Paths that bypass bearer authentication.
const (
	PathHealthz       = "/healthz"
	PathOAuthStart    = "/v1/wearable/oauth/authorize"
	PathOAuthCallback = "/v1/wearable/oauth/callback"
)

// DefaultRangeDays is the span served by /v1/daily when from is omitted.
const DefaultRangeDays = 7

// SyncRequester queues an on-demand sync.
type SyncRequester interface {
	Enqueue(ctx context.Context, req events.SyncRequested) error
}

// Authorizer builds consent URLs and exchanges authorization codes.
type Authorizer interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (domain.OAuthCredential, error)
}

// CredentialSaver stores the credential obtained from a callback.
type CredentialSaver interface {
	Save(ctx context.Context, cred domain.OAuthCredential) error
}

// Dependencies groups the collaborators behind the non-read endpoints. Nil
// members disable their routes with 503.
type Dependencies struct {
	Sync        SyncRequester
	Authorizer  Authorizer
	States      domain.OAuthStateRepository
	Credentials CredentialSaver
	StateTTL    time.Duration
}

// Option configures optional behaviour for the Handler.
type Option func(*Handler)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service  *domain.Service
	deps     Dependencies
	validate *validator.Validate
	now      func() time.Time
	logger   zerolog.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, deps Dependencies, opts ...Option) *Handler {
	if deps.StateTTL <= 0 {
		deps.StateTTL = 10 * time.Minute
	}
	h := &Handler{
		service:  service,
		deps:     deps,
		validate: validator.New(),
		now:      time.Now,
		logger:   logging.Component("api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/daily", h.dailyRange)
	mux.HandleFunc("/v1/daily/latest", h.dailyLatest)
	mux.HandleFunc("/v1/sync", h.requestSync)
	mux.HandleFunc("/v1/sync/runs", h.syncRuns)
	mux.HandleFunc(PathOAuthStart, h.oauthStart)
	mux.HandleFunc(PathOAuthCallback, h.oauthCallback)
	mux.HandleFunc(PathHealthz, healthz)
}

// PublicPaths lists the routes served without a bearer token.
func PublicPaths() []string {
	return []string{PathHealthz, PathOAuthStart, PathOAuthCallback}
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// dailyRangeQuery is the validated query string of GET /v1/daily.
type dailyRangeQuery struct {
	From string `validate:"omitempty,datetime=2006-01-02"`
	To   string `validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) dailyRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeDailyRead) {
		return
	}

	q := dailyRangeQuery{From: r.URL.Query().Get("from"), To: r.URL.Query().Get("to")}
	if err := h.validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "from and to must be YYYY-MM-DD")
		return
	}

	to := domain.DayOf(h.now().UTC())
	if q.To != "" {
		to, _ = time.Parse(time.DateOnly, q.To)
	}
	from := to.AddDate(0, 0, -(DefaultRangeDays - 1))
	if q.From != "" {
		from, _ = time.Parse(time.DateOnly, q.From)
	}

	records, err := h.service.DailyRange(r.Context(), from, to)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		h.serverError(w, "list daily records", err)
		return
	}

	items := make([]DailyRecordView, 0, len(records))
	for _, rec := range records {
		items = append(items, toDailyView(rec))
	}
	writeJSON(w, http.StatusOK, DailyRangeResponse{
		From:  from.Format(time.DateOnly),
		To:    to.Format(time.DateOnly),
		Items: items,
	})
}

func (h *Handler) dailyLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeDailyRead) {
		return
	}

	record, err := h.service.LatestDaily(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no complete daily record yet")
			return
		}
		h.serverError(w, "latest daily record", err)
		return
	}
	writeJSON(w, http.StatusOK, toDailyView(*record))
}

func (h *Handler) syncRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeDailyRead) {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := h.service.RecentRuns(r.Context(), limit)
	if err != nil {
		h.serverError(w, "list sync runs", err)
		return
	}
	items := make([]SyncRunView, 0, len(runs))
	for _, run := range runs {
		items = append(items, toSyncRunView(run))
	}
	writeJSON(w, http.StatusOK, SyncRunsResponse{Items: items})
}

// HeaderIdempotencyKey lets a client retry POST /v1/sync without queueing a
// second run; the key becomes the request id.
const HeaderIdempotencyKey = "Idempotency-Key"

type syncRequestKey struct {
	IdempotencyKey string `validate:"omitempty,max=128,printascii"`
}

func (h *Handler) requestSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeSyncWrite) {
		return
	}
	if h.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync requests are not enabled")
		return
	}

	key := syncRequestKey{IdempotencyKey: r.Header.Get(HeaderIdempotencyKey)}
	if err := h.validate.Struct(key); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", HeaderIdempotencyKey+" must be 1-128 printable ASCII characters")
		return
	}
	requestID := key.IdempotencyKey
	if requestID == "" {
		requestID = uuid.NewString()
	}

	claims, _ := auth.FromContext(r.Context())
	req := events.SyncRequested{
		RequestID:   requestID,
		RequestedBy: claims.Subject,
		RequestedAt: h.now().UTC(),
	}
	if err := h.deps.Sync.Enqueue(r.Context(), req); err != nil {
		h.serverError(w, "enqueue sync request", err)
		return
	}
	h.logger.Info().Str("request_id", req.RequestID).Str("requested_by", req.RequestedBy).Msg("sync requested")
	writeJSON(w, http.StatusAccepted, SyncRequestResponse{RequestID: req.RequestID, Status: "queued"})
}

func (h *Handler) oauthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if h.deps.Authorizer == nil || h.deps.States == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "oauth is not configured")
		return
	}

	state := uuid.NewString()
	if err := h.deps.States.Create(r.Context(), state, h.now().UTC()); err != nil {
		h.serverError(w, "create oauth state", err)
		return
	}
	http.Redirect(w, r, h.deps.Authorizer.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if h.deps.Authorizer == nil || h.deps.States == nil || h.deps.Credentials == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "oauth is not configured")
		return
	}

	query := r.URL.Query()
	if upstreamErr := query.Get("error"); upstreamErr != "" {
		writeError(w, http.StatusBadRequest, "authorization_denied", upstreamErr)
		return
	}
	code, state := query.Get("code"), query.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "code and state are required")
		return
	}

	if err := h.deps.States.Consume(r.Context(), state, h.now().UTC().Add(-h.deps.StateTTL)); err != nil {
		if errors.Is(err, domain.ErrInvalidOAuthState) {
			writeError(w, http.StatusBadRequest, "invalid_state", "unknown, expired or reused state")
			return
		}
		h.serverError(w, "consume oauth state", err)
		return
	}

	cred, err := h.deps.Authorizer.ExchangeCode(r.Context(), code)
	if err != nil {
		switch domain.Classify(err) {
		case domain.ErrorClassAuth:
			writeError(w, http.StatusBadRequest, "exchange_rejected", err.Error())
		default:
			h.logger.Warn().Err(err).Msg("authorization code exchange failed")
			writeError(w, http.StatusBadGateway, "upstream_error", "token exchange failed")
		}
		return
	}

	if err := h.deps.Credentials.Save(r.Context(), cred); err != nil {
		h.serverError(w, "save credential", err)
		return
	}
	writeJSON(w, http.StatusOK, OAuthLinkedResponse{Status: "linked", ExpiresAt: cred.ExpiresAt, Scope: cred.Scope})
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return false
	}
	return true
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error().Err(err).Str("op", op).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "server_error", op+" failed")
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
