// Package domain defines the wearable sync model, its error taxonomy and repository contracts.
package domain

import "time"

// OAuthCredential is the single upstream credential the service syncs with.
type OAuthCredential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	TokenType    string
	UpdatedAt    time.Time
}

// ValidAt reports whether the access token can still be used at now.
func (c OAuthCredential) ValidAt(now time.Time) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// CanRefresh reports whether a refresh token is available.
func (c OAuthCredential) CanRefresh() bool {
	return c.RefreshToken != ""
}
