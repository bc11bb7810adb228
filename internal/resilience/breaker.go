// Package resilience wraps per-connection circuit breaking around the retry
// logic in internal/connmgr, so a device that is consistently failing stops
// absorbing wire timeouts on every poll tick and instead fails fast until it
// proves itself healthy again.
package resilience

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig holds the circuit breaker tuning knobs a ConnectionManager
// takes through connmgr.Options.Breaker.
type BreakerConfig struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	FailureRate float64
	MinRequests uint32
}

// DefaultBreakerConfig trips after half of at least 5 requests in a rolling
// window fail, and probes again after 30 seconds open.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		FailureRate: 0.5,
		MinRequests: 5,
	}
}

// Breaker wraps a *gobreaker.CircuitBreaker for one connection.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker named for a connection (typically a device
// id), logging every state transition via logger.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("connmgr-%s", name),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= cfg.FailureRate
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", breakerName),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. When the breaker is open, fn is not
// called and gobreaker.ErrOpenState is returned.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// Open reports whether the breaker is currently refusing requests.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// IsOpenError reports whether err is the error gobreaker returns when a
// call was rejected because the breaker is open.
func IsOpenError(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
