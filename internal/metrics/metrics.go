package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsCreated counts accepted job submissions
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewapi_jobs_created_total",
		Help: "Jobs accepted and queued",
	})

	// JobsFinalized counts jobs reaching a terminal status
	JobsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewapi_jobs_finalized_total",
		Help: "Jobs finalized, by terminal status",
	}, []string{"status"})

	// JobDuration observes wall time from claim to finalization
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crewapi_job_duration_seconds",
		Help:    "Job execution wall time",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// EventsAppended counts execution events written to the log
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewapi_events_appended_total",
		Help: "Execution events appended, by type",
	}, []string{"event_type"})

	// ChunksVectorized counts embedded chunks written to the vector store
	ChunksVectorized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewapi_chunks_vectorized_total",
		Help: "Chunks embedded and upserted",
	})

	// HTTPRequests counts API requests by path and status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewapi_http_requests_total",
		Help: "HTTP requests, by path and status",
	}, []string{"path", "status"})
)

// Handler serves the Prometheus scrape endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
