// Package metrics – Prometheus metrics for observability.
//
// Exposes the counters the connectivity core updates during operation:
//   - bot_calls_total{account,method,outcome}  – signed calls by outcome (ok|timeout|conn|exchange)
//   - bot_pending_calls{account}               – in-flight calls gauge
//   - bot_reconnects_total{account,channel}    – reconnect attempts per channel
//   - bot_auth_failures_total{account}         – credential rejections
//   - bot_reconcile_flushes_total{outcome}     – reconcile flushes (ok|partial|failed|noop)
//   - bot_push_events_total{account,event}     – server push events dispatched
//
// Registered in init() and served at /metrics by the debug server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_calls_total",
			Help: "Signed protocol calls by outcome",
		},
		[]string{"account", "method", "outcome"},
	)

	PendingCalls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_pending_calls",
			Help: "In-flight correlated calls",
		},
		[]string{"account"},
	)

	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconnects_total",
			Help: "Reconnect attempts per channel",
		},
		[]string{"account", "channel"},
	)

	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_auth_failures_total",
			Help: "Authentication rejections",
		},
		[]string{"account"},
	)

	ReconcileFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconcile_flushes_total",
			Help: "Reconcile flushes by outcome",
		},
		[]string{"outcome"},
	)

	PushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_push_events_total",
			Help: "Server push events dispatched",
		},
		[]string{"account", "event"},
	)
)

func init() {
	prometheus.MustRegister(
		Calls,
		PendingCalls,
		Reconnects,
		AuthFailures,
		ReconcileFlushes,
		PushEvents,
	)
}
