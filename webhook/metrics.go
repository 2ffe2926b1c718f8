package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "payments_webhooks_rejected_total",
	Help: "Inbound webhooks rejected before producing an event.",
}, []string{"provider", "reason"})

func init() {
	prometheus.MustRegister(rejectedTotal)
}
