// Package metrics exposes the broker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts inbound NIP-46 requests by method.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "igloo_nip46_requests_total",
		Help: "Inbound NIP-46 requests by method.",
	}, []string{"method"})

	// PolicyDecisions counts policy evaluations by outcome.
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "igloo_policy_decisions_total",
		Help: "Policy engine decisions by outcome.",
	}, []string{"decision"})

	// IdentityErrors counts failed identity-signer calls by operation.
	IdentityErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "igloo_identity_errors_total",
		Help: "Failed identity signer operations.",
	}, []string{"op"})

	// RelayReconnects counts reconnect attempts per relay.
	RelayReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "igloo_relay_reconnects_total",
		Help: "Relay reconnect attempts.",
	}, []string{"relay"})

	// AuthFailures counts failed authentication attempts by reason.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "igloo_auth_failures_total",
		Help: "Failed authentication attempts by reason.",
	}, []string{"reason"})

	// QueueDepth tracks the number of requests awaiting approval.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "igloo_queue_depth",
		Help: "Requests currently awaiting operator approval.",
	})
)
