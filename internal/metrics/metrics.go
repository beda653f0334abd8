package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LedgerMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_mutations_total",
			Help: "Deposit and withdraw attempts by outcome",
		},
		[]string{"type", "outcome"},
	)

	LedgerRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_lock_retries_total",
			Help: "Ledger units of work retried after a transient lock or serialization conflict",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_events_published_total",
			Help: "Change events handed to the broker",
		},
		[]string{"model", "event"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_event_publish_errors_total",
			Help: "Change events that could not be delivered to the broker",
		},
		[]string{"model"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_events_total",
			Help: "Change events received by the replication consumer by outcome",
		},
		[]string{"model", "outcome"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_lookups_total",
			Help: "Query cache lookups by result",
		},
		[]string{"result"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "query_duration_seconds",
			Help:    "Transaction listing latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
