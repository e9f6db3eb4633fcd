package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAllComponentsHealthy(t *testing.T) {
	m := NewMonitor()
	m.RegisterHealthCheck("cache", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	m.HealthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "healthy", status.ComponentStatus["cache"])
}

func TestHealthDegradedWhenCheckFails(t *testing.T) {
	m := NewMonitor()
	m.RegisterHealthCheck("cache", func(context.Context) error { return nil })
	m.RegisterHealthCheck("provider:Jupiter", func(context.Context) error { return errors.New("breaker open") })
	m.SetLastError(errors.New("boom"))

	status := m.Status(context.Background())
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "unhealthy: breaker open", status.ComponentStatus["provider:Jupiter"])
	assert.Equal(t, "boom", status.LastError)

	rec := httptest.NewRecorder()
	m.HealthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCollectProbes(t *testing.T) {
	size := 3
	collectProbes([]Probe{{Name: "test_queue", Size: func() int { return size }}})
	assert.Equal(t, 3.0, testutil.ToFloat64(ComponentSize.WithLabelValues("test_queue")))

	size = 7
	collectProbes([]Probe{{Name: "test_queue", Size: func() int { return size }}})
	assert.Equal(t, 7.0, testutil.ToFloat64(ComponentSize.WithLabelValues("test_queue")))
}
