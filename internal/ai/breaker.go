package ai

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"policy-adjudicator/internal/logger"
	"policy-adjudicator/internal/telemetry"
)

type RateLimits struct {
	RPM int // Requests per minute
	TPM int // Tokens per minute
	RPD int // Requests per day
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "tier1":
		return RateLimits{RPM: 1000, TPM: 1000000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, TPM: 4000000, RPD: 50000}
	case "unlimited":
		return RateLimits{}
	default:
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			telemetry.Default().RecordCircuitBreakerState(name, to.String())
		},
	})
}

// newLimiter keeps 10% headroom under the tier's RPM. A zero RPM disables limiting.
func newLimiter(limits RateLimits) *rate.Limiter {
	if limits.RPM <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := limits.RPM / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), burst)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
