package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ugc_provider_requests_total",
		Help: "Outbound provider calls by provider, operation and outcome.",
	}, []string{"provider", "op", "outcome"})

	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ugc_provider_request_duration_seconds",
		Help:    "Latency of outbound provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op"})

	SubmitRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ugc_submit_retries_total",
		Help: "Job creation retries by provider and error kind.",
	}, []string{"provider", "kind"})

	PollQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ugc_poll_queries_total",
		Help: "Status queries issued by the job poller.",
	}, []string{"provider"})

	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ugc_jobs_finished_total",
		Help: "Generation jobs that reached a terminal state.",
	}, []string{"provider", "kind", "state"})

	BatchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ugc_batch_items_total",
		Help: "Batch items processed by final state.",
	}, []string{"state"})

	CollectionWriteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ugc_collection_write_failures_total",
		Help: "Failed writes of persisted collections, by collection and outcome.",
	}, []string{"collection", "outcome"})

	HubDroppedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ugc_hub_dropped_events_total",
		Help: "Live job events dropped because a subscriber was not reading.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ugc_http_request_duration_seconds",
		Help:    "Latency of API requests by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
