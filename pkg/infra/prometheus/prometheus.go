package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	// DecisionsTotal counts limiter decisions by policy and outcome
	// (allowed, denied, storage_error, key_error).
	DecisionsTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rategate_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"policy", "outcome"},
	)

	// StorageDegraded is 1 while a networked backend runs on its non-atomic
	// fallback path.
	StorageDegraded = promauto.With(registerer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rategate_storage_degraded",
			Help: "Whether the rate limit storage runs in degraded non-atomic mode",
		},
		[]string{"backend"},
	)
)

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
