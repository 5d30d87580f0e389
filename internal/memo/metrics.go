package memo

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation counters, partitioned by operation name.
var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lesionseg_invocation_cache_hits_total",
		Help: "Invocations answered from the record store without executing a tool.",
	}, []string{"operation"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lesionseg_invocation_cache_misses_total",
		Help: "Invocations that required a physical tool execution.",
	}, []string{"operation"})

	executionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lesionseg_invocation_failures_total",
		Help: "Tool executions that failed and were not recorded.",
	}, []string{"operation"})
)

// MetricsHandler exposes the invocation counters in the prometheus text
// format, for scraping during long-running pipelines.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
