package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_provider_requests_total",
		Help: "Provider calls by outcome",
	}, []string{"provider", "op", "outcome"})

	providerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_provider_retries_total",
		Help: "Retried provider attempts",
	}, []string{"provider"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dex_provider_request_seconds",
		Help:    "Time spent in a provider call including retries",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"provider"})

	mergesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dex_merges_total",
		Help: "Canonical token merges",
	})

	cacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_cache_ops_total",
		Help: "Cache operations by result",
	}, []string{"op", "result"})

	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_broadcast_deliveries_total",
		Help: "Events delivered to clients",
	}, []string{"kind"})

	drops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_broadcast_dropped_total",
		Help: "Events dropped before reaching a client",
	}, []string{"why"})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dex_ws_connections",
		Help: "Connected websocket clients",
	})

	schedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_scheduler_ticks_total",
		Help: "Scheduler ticks by outcome",
	}, []string{"outcome"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dex_refresh_cycle_seconds",
		Help:    "Duration of one refresh cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	// Internal counters
	mergedTokens  uint64
	errorCount    uint64
	lastProcessed atomic.Int64
	startTime     = time.Now()
)

func ObserveProviderCall(provider, op string, attempts int, dur time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		IncrementErrors()
	}
	providerRequests.WithLabelValues(provider, op, outcome).Inc()
	if attempts > 1 {
		providerRetries.WithLabelValues(provider).Add(float64(attempts - 1))
	}
	providerLatency.WithLabelValues(provider).Observe(dur.Seconds())
}

func IncrementMerged() {
	atomic.AddUint64(&mergedTokens, 1)
	mergesMetric.Inc()
	lastProcessed.Store(time.Now().UnixNano())
}

func IncrementErrors() {
	atomic.AddUint64(&errorCount, 1)
}

func CacheOp(op, result string) {
	cacheOps.WithLabelValues(op, result).Inc()
}

func Delivered(kind string, n int) {
	deliveries.WithLabelValues(kind).Add(float64(n))
}

func Dropped(why string) {
	drops.WithLabelValues(why).Inc()
}

func ConnOpened() { wsConnections.Inc() }
func ConnClosed() { wsConnections.Dec() }

func SchedulerTick(outcome string) {
	schedulerTicks.WithLabelValues(outcome).Inc()
}

func RecordCycleDuration(d time.Duration) {
	cycleDuration.Observe(d.Seconds())
}

// GetStats returns merged count, error count, last merge time and uptime.
func GetStats() (uint64, uint64, time.Time, time.Duration) {
	var last time.Time
	if ns := lastProcessed.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return atomic.LoadUint64(&mergedTokens),
		atomic.LoadUint64(&errorCount),
		last,
		time.Since(startTime)
}
