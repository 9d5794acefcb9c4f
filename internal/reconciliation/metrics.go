package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	// queueDepth is the size of each work queue seen by the last pass:
	// "inflight" (submitted, awaiting confirmation), "due" (ready to submit
	// or escalate) and "escalated" (awaiting an operator or a late
	// transaction).
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentbazaar",
		Subsystem: "reconciliation",
		Name:      "queue_depth",
		Help:      "Settlement operations per reconciliation queue in the last pass.",
	}, []string{"queue"})

	// itemsTotal counts work done per pass by kind.
	itemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbazaar",
		Subsystem: "reconciliation",
		Name:      "items_total",
		Help:      "Operations, orders and reviews advanced by reconciliation, by kind.",
	}, []string{"kind"})

	stepErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbazaar",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation failures by step.",
	}, []string{"step"})

	passSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentbazaar",
		Subsystem: "reconciliation",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of one reconciliation pass.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2.5, 8),
	})
)

func init() {
	prometheus.MustRegister(queueDepth, itemsTotal, stepErrorsTotal, passSeconds)
}

func (r *Report) observe() {
	itemsTotal.WithLabelValues("polled").Add(float64(r.Polled))
	itemsTotal.WithLabelValues("submitted").Add(float64(r.Submitted))
	itemsTotal.WithLabelValues("rechecked").Add(float64(r.Rechecked))
	itemsTotal.WithLabelValues("expired").Add(float64(r.Expired))
	itemsTotal.WithLabelValues("resumed").Add(float64(r.Resumed))
	itemsTotal.WithLabelValues("reviews").Add(float64(r.Reviews))
	passSeconds.Observe(r.Duration.Seconds())
}
