// Package oauth exchanges authorization codes and refresh tokens at the upstream token endpoint.
package oauth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"example.com/wearablesync/internal/domain"
)

// Config carries the static client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock overrides the clock used to stamp credentials.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client performs form-encoded grants against the token endpoint.
type Client struct {
	cfg        *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClient constructs a Client. Client credentials travel in the form body.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthCodeURL builds the upstream consent URL carrying state.
func (c *Client) AuthCodeURL(state string) string {
	return c.cfg.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for a credential.
func (c *Client) ExchangeCode(ctx context.Context, code string) (domain.OAuthCredential, error) {
	tok, err := c.cfg.Exchange(c.withClient(ctx), code)
	if err != nil {
		return domain.OAuthCredential{}, classify("exchange code", err)
	}
	return c.toCredential(tok), nil
}

// Refresh trades a refresh token for a new credential. The upstream may omit
// a new refresh token, in which case the presented one is kept.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.OAuthCredential, error) {
	if refreshToken == "" {
		return domain.OAuthCredential{}, domain.ErrNoRefreshToken
	}
	src := c.cfg.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return domain.OAuthCredential{}, classify("refresh token", err)
	}
	cred := c.toCredential(tok)
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

func (c *Client) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) toCredential(tok *oauth2.Token) domain.OAuthCredential {
	now := c.now().UTC()
	expiresAt := tok.Expiry.UTC()
	if tok.Expiry.IsZero() {
		// no expires_in: treat as already stale so the next use refreshes
		expiresAt = now
	}
	scope, _ := tok.Extra("scope").(string)
	return domain.OAuthCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		Scope:        scope,
		TokenType:    tok.TokenType,
		UpdatedAt:    now,
	}
}

// classify maps token endpoint failures: HTTP rejections are AuthError, anything else is transient.
func classify(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &domain.AuthError{Op: op, StatusCode: status, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.TransientError{Op: op, Err: err}
}
