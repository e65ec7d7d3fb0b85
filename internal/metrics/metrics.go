// Package metrics holds the Prometheus collectors shared by the transfer pipeline.
// A nil *Metrics is valid and records nothing, which keeps tests free of registries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "transfer_service"

type Metrics struct {
	transfersAccepted  prometheus.Counter
	transfersSettled   *prometheus.CounterVec
	rateLookups        *prometheus.CounterVec
	messagesConsumed   *prometheus.CounterVec
	outboxPublished    *prometheus.CounterVec
	settlementDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transfersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_accepted_total",
			Help:      "Transfer requests accepted by the idempotency gate.",
		}),
		transfersSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_settled_total",
			Help:      "Transfers that reached a terminal status.",
		}, []string{"status", "error_code"}),
		rateLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_rate_lookups_total",
			Help:      "Exchange rate lookups by result.",
		}, []string{"result"}),
		messagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Broker deliveries by queue and outcome.",
		}, []string{"queue", "outcome"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Outbox dispatch attempts by result.",
		}, []string{"result"}),
		settlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time spent settling a transfer, including the rate lookup.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.transfersAccepted,
		m.transfersSettled,
		m.rateLookups,
		m.messagesConsumed,
		m.outboxPublished,
		m.settlementDuration,
	)
	return m
}

func (m *Metrics) TransferAccepted() {
	if m == nil {
		return
	}
	m.transfersAccepted.Inc()
}

func (m *Metrics) TransferSettled(status, errorCode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transfersSettled.WithLabelValues(status, errorCode).Inc()
	m.settlementDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RateLookup(result string) {
	if m == nil {
		return
	}
	m.rateLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) MessageConsumed(queue, outcome string) {
	if m == nil {
		return
	}
	m.messagesConsumed.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) OutboxDispatched(result string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(result).Inc()
}
