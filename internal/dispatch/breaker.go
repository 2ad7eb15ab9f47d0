package dispatch

import (
	"errors"
	"time"

	"conversion_dispatch_backend/platform/logger"

	"github.com/sony/gobreaker"
)

const (
	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 30 * time.Second
	breakerHalfOpenRequests    = 1
)

// Breaker stops hammering a destination that keeps failing transiently.
// Terminal answers count as successes: the destination is up, the event is bad.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(p Platform, log *logger.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        "dispatch:" + string(p),
		MaxRequests: breakerHalfOpenRequests,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsTerminal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn unless the breaker is open, in which case the call fails
// with a retryable error without touching the destination.
func (b *Breaker) Execute(fn func() (Result, error)) (Result, error) {
	if b == nil || b.cb == nil {
		return fn()
	}

	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, Transient("circuit_open", err)
	}
	res, _ := out.(Result)
	return res, err
}
