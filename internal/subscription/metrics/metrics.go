package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the subscription lifecycle.
// Tracks subscription churn, relayed payments and stream health.
type Metrics struct {
	SubscriptionsCreated prometheus.Counter
	SubscriptionsRemoved prometheus.Counter
	PaymentsRelayed      prometheus.Counter
	StreamsFaulted       prometheus.Counter
	RevocationsTotal     prometheus.Counter
	ActiveStreams        prometheus.Gauge
	PostDuration         prometheus.Histogram
}

// New creates a Metrics instance with all subscription metrics registered.
func New() *Metrics {
	return &Metrics{
		SubscriptionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lumenrelay_subscriptions_created_total",
			Help: "Total number of subscriptions created",
		}),
		SubscriptionsRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lumenrelay_subscriptions_removed_total",
			Help: "Total number of subscriptions removed (unsubscribe, fault or revocation)",
		}),
		PaymentsRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lumenrelay_payments_relayed_total",
			Help: "Total number of payment notifications delivered",
		}),
		StreamsFaulted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lumenrelay_streams_faulted_total",
			Help: "Total number of streams torn down on a terminal source error",
		}),
		RevocationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lumenrelay_revocations_total",
			Help: "Total number of workspace credential revocations",
		}),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lumenrelay_active_streams",
			Help: "Number of currently open event streams",
		}),
		PostDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lumenrelay_post_duration_seconds",
			Help:    "Duration of outbound notification posts, retries included",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// ObservePost records the duration of one outbound post.
// Call with time.Now() at the start of the post.
func (m *Metrics) ObservePost(start time.Time) {
	m.PostDuration.Observe(time.Since(start).Seconds())
}
