package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenledger",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations partitioned by operation and result.",
		},
		[]string{"op", "result"},
	)

	idempotentReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenledger",
			Subsystem: "ledger",
			Name:      "idempotent_replays_total",
			Help:      "Requests answered from a cached idempotent response.",
		},
		[]string{"op"},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenledger",
			Subsystem: "stripe",
			Name:      "webhook_events_total",
			Help:      "Inbound payment events partitioned by type and result.",
		},
		[]string{"type", "result"},
	)
)

// observeOp records one ledger operation outcome. Business failures count
// under their error code; infrastructure failures under "error".
func observeOp(op string, err error) {
	result := "ok"
	if err != nil {
		if e, ok := AsError(err); ok {
			result = e.Code
		} else {
			result = "error"
		}
	}
	ledgerOpsTotal.WithLabelValues(op, result).Inc()
}
