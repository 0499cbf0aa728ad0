// Package metrics exposes the Prometheus collectors for the service.
// Collectors register on the default registry via promauto and are served
// from the /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpflow_feed_messages_total",
		Help: "Data messages received on the ticker push feed",
	})

	feedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpflow_feed_reconnects_total",
		Help: "Reconnect attempts scheduled after feed drops and dial failures",
	})

	fetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpflow_fetch_attempts_total",
		Help: "REST fetch attempts by outcome",
	}, []string{"outcome"})

	rateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpflow_fetch_rate_limit_hits_total",
		Help: "Responses recognized as upstream throttling",
	})

	schedulerPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpflow_scheduler_passes_total",
		Help: "Completed indicator computation passes",
	})

	schedulerItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpflow_scheduler_items_total",
		Help: "Per-instrument pass outcomes",
	}, []string{"outcome"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpflow_scheduler_pass_seconds",
		Help:    "Wall time of one computation pass",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpflow_cache_lookups_total",
		Help: "Indicator cache lookups by result",
	}, []string{"result"})
)

func FeedMessage()   { feedMessages.Inc() }
func FeedReconnect() { feedReconnects.Inc() }

func FetchAttempt(outcome string) { fetchAttempts.WithLabelValues(outcome).Inc() }
func RateLimitHit()               { rateLimitHits.Inc() }

// PassFinished records one completed pass and its item outcomes.
func PassFinished(computed, skipped, failed int, elapsed time.Duration) {
	schedulerPasses.Inc()
	schedulerItems.WithLabelValues("computed").Add(float64(computed))
	schedulerItems.WithLabelValues("skipped").Add(float64(skipped))
	schedulerItems.WithLabelValues("failed").Add(float64(failed))
	passDuration.Observe(elapsed.Seconds())
}

func CacheHit()   { cacheLookups.WithLabelValues("hit").Inc() }
func CacheMiss()  { cacheLookups.WithLabelValues("miss").Inc() }
func CacheStale() { cacheLookups.WithLabelValues("stale").Inc() }
