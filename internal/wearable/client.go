// Package wearable fetches cycle, recovery, sleep, workout and body measurement
// data from the upstream developer API.
package wearable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/logging"
)

// Resource is a paginated collection endpoint.
type Resource string

const (
	ResourceCycle    Resource = "/v2/cycle"
	ResourceRecovery Resource = "/v2/recovery"
	ResourceSleep    Resource = "/v2/activity/sleep"
	ResourceWorkout  Resource = "/v2/activity/workout"

	bodyMeasurementPath = "/v2/user/measurement/body"
)

// PageSize is the limit sent with every paginated request.
const PageSize = 25

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 512

// Config tunes the Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	RateBurst int
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client issues authenticated GETs. It never retries; callers decide based on
// the error class.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     zerolog.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logging.Component("wearable"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker(c.logger)
	return c
}

// FetchPaginated collects every record of resource within [start, end],
// following next_token until a page omits it.
func (c *Client) FetchPaginated(ctx context.Context, accessToken string, resource Resource, start, end time.Time) ([]json.RawMessage, error) {
	records := make([]json.RawMessage, 0)
	nextToken := ""
	pages := 0

	for {
		query := url.Values{}
		query.Set("limit", fmt.Sprint(PageSize))
		query.Set("start", formatTimestamp(start))
		query.Set("end", formatTimestamp(end))
		if nextToken != "" {
			query.Set("nextToken", nextToken)
		}

		body, err := c.get(ctx, accessToken, string(resource), query)
		if err != nil {
			return nil, err
		}
		pages++
		recordPage(resource)

		var page pageResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &domain.UpstreamError{Op: "GET " + string(resource), StatusCode: http.StatusOK, Body: "malformed page: " + err.Error()}
		}
		records = append(records, page.Records...)

		if page.NextToken == nil || *page.NextToken == "" {
			break
		}
		nextToken = *page.NextToken
	}

	c.logger.Debug().Str("resource", string(resource)).Int("pages", pages).Int("records", len(records)).Msg("resource fetched")
	return records, nil
}

// FetchBodyMeasurement returns the raw body measurement document.
func (c *Client) FetchBodyMeasurement(ctx context.Context, accessToken string) (json.RawMessage, error) {
	body, err := c.get(ctx, accessToken, bodyMeasurementPath, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &domain.UpstreamError{Op: "GET " + bodyMeasurementPath, StatusCode: http.StatusOK, Body: "malformed body measurement"}
	}
	return json.RawMessage(body), nil
}

type pageResponse struct {
	Records   []json.RawMessage `json:"records"`
	NextToken *string           `json:"next_token"`
}

func (c *Client) get(ctx context.Context, accessToken, path string, query url.Values) ([]byte, error) {
	op := "GET " + path
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", op, err)
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, op, accessToken, path, query)
	})
	if IsBreakerOpen(err) {
		recordRequest(path, "rejected")
		return nil, &domain.TransientError{Op: op, Err: err}
	}
	return body, err
}

func (c *Client) do(ctx context.Context, op, accessToken, path string, query url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observeLatency(path, time.Since(start))
	if err != nil {
		recordRequest(path, "transient")
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		return nil, &domain.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		recordRequest(path, "unauthorized")
		return nil, &domain.AuthError{Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		recordRequest(path, "upstream_error")
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		recordRequest(path, "transient")
		return nil, &domain.TransientError{Op: op, Err: err}
	}
	recordRequest(path, "success")
	return body, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
