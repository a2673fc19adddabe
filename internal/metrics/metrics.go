// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Signaling
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proctor_signal_connections_active",
		Help: "The current number of admitted signaling connections.",
	})
	Admits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_room_admits_total",
		Help: "The total number of handles admitted to a room.",
	}, []string{"role"})
	AdmitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_room_admit_rejections_total",
		Help: "The total number of rejected handshakes.",
	}, []string{"reason"})
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_room_evictions_total",
		Help: "The total number of handles evicted from a room.",
	}, []string{"reason"})
	Relays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_relay_total",
		Help: "The total number of relayed signaling events.",
	}, []string{"event"})
	RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_relay_errors_total",
		Help: "The total number of signaling events that could not be relayed.",
	}, []string{"event"})

	// Sessions
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_session_transitions_total",
		Help: "The total number of applied session transitions.",
	}, []string{"action"})
	ReconciledEnrollments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_enrollments_reconciled_total",
		Help: "The total number of stale enrollments marked disconnected.",
	})

	// Audit
	AuditWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_audit_written_total",
		Help: "The total number of audit records persisted.",
	})
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_audit_dropped_total",
		Help: "The total number of audit records dropped because the queue was full.",
	})
	AuditFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_audit_failed_total",
		Help: "The total number of audit records that failed after all retries.",
	})
	AuditRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_audit_retries_total",
		Help: "The total number of retried audit writes.",
	})

	// Detection ingest
	DetectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_detection_events_total",
		Help: "The total number of detection events consumed.",
	}, []string{"result"})

	// Auth
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_auth_failures_total",
		Help: "The total number of failed credential verifications.",
	}, []string{"reason"})
)

// Handler exposes the default registry on a gin route.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
