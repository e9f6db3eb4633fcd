package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// System resources
	MemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dex_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	GoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dex_goroutines",
		Help: "Current number of goroutines",
	})

	// Sampled sizes of in-process buffers and tables
	ComponentSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dex_component_size",
		Help: "Sampled size of a queue, table or connection set",
	}, []string{"component"})
)

// Probe samples the size of one component.
type Probe struct {
	Name string
	Size func() int
}

// StartMetricsCollection samples runtime stats and probes every interval
// until ctx is done.
func StartMetricsCollection(ctx context.Context, interval time.Duration, probes ...Probe) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collectSystemMetrics()
				collectProbes(probes)
			}
		}
	}()
}

func collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

func collectProbes(probes []Probe) {
	for _, p := range probes {
		ComponentSize.WithLabelValues(p.Name).Set(float64(p.Size()))
	}
}
