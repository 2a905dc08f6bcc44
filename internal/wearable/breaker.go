package wearable

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"example.com/wearablesync/internal/domain"
)

const breakerName = "wearable-api"

// breakerTripAfter is the run of consecutive failures that opens the breaker.
const breakerTripAfter = 5

func newBreaker(logger zerolog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	breakerState.WithLabelValues(breakerName).Set(0)
	return gobreaker.NewCircuitBreaker[[]byte](breakerSettings(logger))
}

// breakerSettings opens after repeated upstream or network failures. Auth
// failures and cancellations count as successes: they say nothing about
// upstream health. Interval is zero: failure counts never expire while closed,
// so the 30s to 60s gaps between sync attempts still add up. Only a success
// resets the run.
func breakerSettings(logger zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			breakerState.WithLabelValues(name).Set(stateValue(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch domain.Classify(err) {
			case domain.ErrorClassTransient, domain.ErrorClassUpstream:
				return false
			}
			return true
		},
	}
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// IsBreakerOpen reports whether err came from an open circuit.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
