// Package metrics holds the Prometheus collectors for the chat transport.
package metrics

import (
	"github.com/HerbHall/chatwire/pkg/chat"
	"github.com/prometheus/client_golang/prometheus"
)

// Terminal outcomes recorded by TerminalsTotal.
const (
	OutcomeComplete = "complete"
	OutcomeError    = "error"
	OutcomeAborted  = "aborted"
)

var (
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwire_sends_total",
			Help: "Total number of messages handed to a delivery strategy.",
		},
		[]string{"strategy"},
	)
	DeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwire_deltas_total",
			Help: "Total number of content increments received.",
		},
		[]string{"strategy"},
	)
	TerminalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwire_terminals_total",
			Help: "Total number of sends that reached a terminal outcome.",
		},
		[]string{"strategy", "outcome"},
	)
	ResponseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatwire_response_seconds",
			Help:    "Time from send to terminal outcome in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)
	ReconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwire_reconnect_attempts_total",
			Help: "Total number of automatic connection attempts scheduled by the supervisor.",
		},
	)
	BillingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwire_billing_failures_total",
			Help: "Total number of rejected credit consumptions.",
		},
	)
	CreditsRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwire_credits_remaining",
			Help: "Balance of the local credit ledger after the last change.",
		},
	)
	QueuedMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwire_queued_messages",
			Help: "Outbound messages waiting for the persistent channel.",
		},
	)
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatwire_connection_state",
			Help: "1 for the supervisor's current connection state, 0 otherwise.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		SendsTotal,
		DeltasTotal,
		TerminalsTotal,
		ResponseSeconds,
		ReconnectAttemptsTotal,
		BillingFailuresTotal,
		CreditsRemaining,
		QueuedMessages,
		ConnectionState,
	)
}

var allStates = []chat.ConnectionState{
	chat.StateDisconnected,
	chat.StateConnecting,
	chat.StateConnected,
	chat.StateRetrying,
}

// SetConnectionState marks state as the only active connection state.
func SetConnectionState(state chat.ConnectionState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}
