package syncer

import (
	"time"

	"example.com/wearablesync/internal/domain"
)

// RetryPolicy declares how the scheduling side treats a failed attempt.
// MaxAttempts counts every attempt including the first; zero means never retry.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Retryable reports whether another attempt may follow attempt (1-based).
func (p RetryPolicy) Retryable(attempt int) bool {
	return p.MaxAttempts > 0 && attempt < p.MaxAttempts
}

var (
	transientPolicy = RetryPolicy{MaxAttempts: 5, Backoff: 30 * time.Second}
	upstreamPolicy  = RetryPolicy{MaxAttempts: 3, Backoff: 60 * time.Second}
)

// PolicyFor maps an error class to its retry policy. Auth failures are
// terminal: retrying with the same credential cannot succeed.
func PolicyFor(class domain.ErrorClass) RetryPolicy {
	switch class {
	case domain.ErrorClassTransient:
		return transientPolicy
	case domain.ErrorClassUpstream:
		return upstreamPolicy
	default:
		return RetryPolicy{}
	}
}
