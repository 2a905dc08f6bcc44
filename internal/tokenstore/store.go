// Package tokenstore owns the upstream OAuth credential and its refresh lifecycle.
package tokenstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/logging"
)

// Refresher trades a refresh token for a new credential.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.OAuthCredential, error)
}

// Option configures optional behaviour for the Store.
type Option func(*Store)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store hands out usable credentials. Refreshes are serialized so concurrent
// callers never race on the single-use refresh token.
type Store struct {
	repo      domain.CredentialRepository
	refresher Refresher
	now       func() time.Time
	logger    zerolog.Logger
	mu        sync.Mutex
}

// New constructs a Store.
func New(repo domain.CredentialRepository, refresher Refresher, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		refresher: refresher,
		now:       time.Now,
		logger:    logging.Component("tokenstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetValid returns the stored credential when still valid, otherwise refreshes
// it once. Any failure to produce a usable credential wraps ErrNoCredential.
func (s *Store) GetValid(ctx context.Context) (domain.OAuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.Load(ctx)
	if err != nil {
		return domain.OAuthCredential{}, fmt.Errorf("load credential: %w", err)
	}
	if current == nil {
		return domain.OAuthCredential{}, domain.ErrNoCredential
	}
	if current.ValidAt(s.now()) {
		return *current, nil
	}
	if !current.CanRefresh() {
		return domain.OAuthCredential{}, fmt.Errorf("%w: token expired at %s and %v", domain.ErrNoCredential, current.ExpiresAt.Format(time.RFC3339), domain.ErrNoRefreshToken)
	}

	refreshed, err := s.refreshLocked(ctx, *current)
	if err != nil {
		return domain.OAuthCredential{}, fmt.Errorf("%w: %v", domain.ErrNoCredential, err)
	}
	return refreshed, nil
}

// ForceRefresh refreshes unconditionally using the stored refresh token.
func (s *Store) ForceRefresh(ctx context.Context) (domain.OAuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.Load(ctx)
	if err != nil {
		return domain.OAuthCredential{}, fmt.Errorf("load credential: %w", err)
	}
	if current == nil || !current.CanRefresh() {
		return domain.OAuthCredential{}, domain.ErrNoRefreshToken
	}
	return s.refreshLocked(ctx, *current)
}

// Save stores a freshly issued credential, replacing any existing one.
func (s *Store) Save(ctx context.Context, cred domain.OAuthCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = s.now().UTC()
	}
	if err := s.repo.Save(ctx, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	s.logger.Info().Time("expires_at", cred.ExpiresAt).Msg("credential stored")
	return nil
}

func (s *Store) refreshLocked(ctx context.Context, current domain.OAuthCredential) (domain.OAuthCredential, error) {
	refreshed, err := s.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		recordRefresh("failure")
		s.logger.Warn().Err(err).Msg("token refresh failed")
		return domain.OAuthCredential{}, err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}
	if refreshed.UpdatedAt.IsZero() {
		refreshed.UpdatedAt = s.now().UTC()
	}
	if err := s.repo.Save(ctx, refreshed); err != nil {
		recordRefresh("failure")
		return domain.OAuthCredential{}, fmt.Errorf("persist refreshed credential: %w", err)
	}
	recordRefresh("success")
	s.logger.Info().Time("expires_at", refreshed.ExpiresAt).Msg("token refreshed")
	return refreshed, nil
}
