package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_settlement_polls_total",
		Help: "Status polls issued per provider",
	}, []string{"provider"})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_settlement_webhook_deliveries_total",
		Help: "Webhook status deliveries by result",
	}, []string{"provider", "result"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_settlement_outcomes_total",
		Help: "Reconciliation outcomes by terminal status and winning signal",
	}, []string{"provider", "outcome", "source"})
)
