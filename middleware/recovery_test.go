package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecoverConvertsPanic(t *testing.T) {
	err := Recover(zap.NewNop().Sugar(), "job", func() error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRecoverPassesThroughErrors(t *testing.T) {
	want := errors.New("plain")
	assert.Equal(t, want, Recover(zap.NewNop().Sugar(), "job", func() error { return want }))
}

func TestCircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	}, zap.NewNop().Sugar())

	fail := func() (interface{}, error) { return nil, errors.New("down") }
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestRecoverHandler(t *testing.T) {
	h := RecoverHandler(zap.NewNop().Sugar(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
