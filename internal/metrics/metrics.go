package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IntakeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_requests_total",
			Help: "Total intake requests by route and status.",
		},
		[]string{"route", "status"},
	)
	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_messages_processed_total",
			Help: "Total queue messages settled by outcome.",
		},
		[]string{"outcome"},
	)
	EventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Total event bus publish attempts that failed.",
		},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_queue_depth",
			Help: "Pending intake notifications awaiting a worker.",
		},
	)
	ReconciledIntakes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciled_intakes_total",
			Help: "Pending intakes re-enqueued by the reconciliation sweep.",
		},
	)
	RepublishedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "republished_events_total",
			Help: "ClaimCreated events republished for unacknowledged claims.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		IntakeRequests,
		MessagesProcessed,
		EventPublishFailures,
		QueueDepth,
		ReconciledIntakes,
		RepublishedEvents,
	)
}

// DepthFunc refreshes the queue depth gauge on scrape.
type DepthFunc func() (int64, bool)

func Handler(depth DepthFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if depth != nil {
			if d, ok := depth(); ok {
				QueueDepth.Set(float64(d))
			}
		}
		promhttp.Handler().ServeHTTP(w, r)
	})
}
