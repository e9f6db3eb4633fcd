package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings tunes a provider circuit breaker.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings trips after five consecutive failed calls and probes
// again after thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// NewCircuitBreaker builds a named breaker that logs state transitions.
func NewCircuitBreaker(name string, s BreakerSettings, log *zap.SugaredLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Infow("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// Recover runs fn and converts a panic into an error carrying the stack.
func Recover(log *zap.SugaredLogger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Panic recovered",
				"component", name,
				"error", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return fn()
}

// Go starts fn on its own goroutine with panic recovery.
func Go(log *zap.SugaredLogger, name string, fn func()) {
	go func() {
		_ = Recover(log, name, func() error {
			fn()
			return nil
		})
	}()
}

// RecoverHandler keeps a panicking HTTP handler from taking the server down.
func RecoverHandler(log *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorw("Panic recovered",
					"path", r.URL.Path,
					"error", rec,
					"stack", string(debug.Stack()))
				http.Error(w, `{"error":{"message":"Internal server error"}}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
