package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the hot paths of the core. Registered on the default registry
// and exposed via the /metrics endpoint.
var (
	WalletOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointscore",
		Subsystem: "wallet",
		Name:      "operations_total",
		Help:      "Wallet engine operations by type and outcome.",
	}, []string{"operation", "outcome"})

	OptimisticLockConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointscore",
		Subsystem: "wallet",
		Name:      "occ_conflicts_total",
		Help:      "Optimistic lock conflicts observed during wallet mutations.",
	}, []string{"operation"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointscore",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published on the in-process bus.",
	}, []string{"event_type"})

	EventHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointscore",
		Subsystem: "events",
		Name:      "handler_failures_total",
		Help:      "Event handler failures after retry exhaustion.",
	}, []string{"event_type", "handler_id"})

	IngestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointscore",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Ingest worker outcomes by terminal status.",
	}, []string{"outcome"})

	BalanceCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointscore",
		Subsystem: "balance_cache",
		Name:      "lookups_total",
		Help:      "Balance snapshot cache lookups by result.",
	}, []string{"result"})
)
