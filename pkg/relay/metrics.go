package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every loop of a process; register them once.
type Metrics struct {
	Pulled               prometheus.Counter
	EmptyPulls           prometheus.Counter
	PullErrors           *prometheus.CounterVec
	Acked                prometheus.Counter
	Abandoned            *prometheus.CounterVec
	SettleErrors         *prometheus.CounterVec
	Faults               prometheus.Counter
	ForwardDuration      *prometheus.HistogramVec
	HighDeliveryAttempts prometheus.Counter
}

// NewMetrics registers the relay collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Pulled: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_pulled_total",
			Help: "Messages received from the subscription.",
		}),
		EmptyPulls: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_empty_pulls_total",
			Help: "Pulls that returned no messages.",
		}),
		PullErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pull_errors_total",
			Help: "Failed pulls by failure class.",
		}, []string{"failure_class"}),
		Acked: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_acked_total",
			Help: "Messages acknowledged after delivery to the sink.",
		}),
		Abandoned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_abandoned_total",
			Help: "Messages returned to the subscription, by reason.",
		}, []string{"reason"}),
		SettleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_settle_errors_total",
			Help: "Ack, abandon or lease extension calls the broker rejected.",
		}, []string{"op"}),
		Faults: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_message_faults_total",
			Help: "Unexpected faults while handling a single message.",
		}),
		ForwardDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_forward_duration_seconds",
			Help:    "Duration of sink forwards by outcome.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		HighDeliveryAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_high_delivery_attempts_total",
			Help: "Messages seen at or above the dead-letter warning attempt count.",
		}),
	}
}
