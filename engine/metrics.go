package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_invoice_transitions_total",
		Help: "Accepted invoice lifecycle transitions.",
	}, []string{"provider", "to"})

	conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_invoice_conflicts_total",
		Help: "Notifications ignored as duplicate, stale or conflicting.",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, conflictsTotal)
}
