package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusListener backs Listener with Prometheus collectors.
type PrometheusListener struct {
	connectionsAdded         prometheus.Counter
	connectionsRemoved       prometheus.Counter
	connectionCreationFailed prometheus.Counter
	notificationsSent        *prometheus.CounterVec
	notificationsAcked       prometheus.Counter
	acknowledgeDuration      prometheus.Histogram
	writeFailures            *prometheus.CounterVec
}

// NewPrometheusListener registers its collectors on reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default registry.
func NewPrometheusListener(reg prometheus.Registerer, namespace string) *PrometheusListener {
	l := &PrometheusListener{
		connectionsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_added_total",
			Help: "Connections that became ready and joined the pool.",
		}),
		connectionsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_removed_total",
			Help: "Connections that left the pool, destroyed or lost.",
		}),
		connectionCreationFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_creation_failed_total",
			Help: "Connection creation attempts that failed.",
		}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_sent_total",
			Help: "Notifications successfully written to the wire, by topic.",
		}, []string{"topic"}),
		notificationsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_acknowledged_total",
			Help: "Responses received for a sent notification, accepted or rejected.",
		}),
		acknowledgeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "notification_round_trip_seconds",
			Help:    "Time from write to response.",
			Buckets: prometheus.DefBuckets,
		}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "write_failures_total",
			Help: "Local write failures, by topic.",
		}, []string{"topic"}),
	}
	reg.MustRegister(
		l.connectionsAdded, l.connectionsRemoved, l.connectionCreationFailed,
		l.notificationsSent, l.notificationsAcked, l.acknowledgeDuration, l.writeFailures,
	)
	return l
}

func (l *PrometheusListener) ConnectionAdded()          { l.connectionsAdded.Inc() }
func (l *PrometheusListener) ConnectionRemoved()        { l.connectionsRemoved.Inc() }
func (l *PrometheusListener) ConnectionCreationFailed() { l.connectionCreationFailed.Inc() }

func (l *PrometheusListener) NotificationSent(topic string) {
	l.notificationsSent.WithLabelValues(topic).Inc()
}

func (l *PrometheusListener) NotificationAcknowledged(_ any, duration time.Duration) {
	l.notificationsAcked.Inc()
	l.acknowledgeDuration.Observe(duration.Seconds())
}

func (l *PrometheusListener) WriteFailure(topic string) {
	l.writeFailures.WithLabelValues(topic).Inc()
}

var _ Listener = (*PrometheusListener)(nil)
