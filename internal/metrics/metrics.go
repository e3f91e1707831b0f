// Package metrics is the feed side of the metrics aggregator described in
// spec.md §1: the gateway increments counters and gauges here, but does
// not aggregate, alert, or retain history — that is an external
// collaborator's job. Exposed over Prometheus' client_golang, the same
// library the IAmSoThirsty and stacklok-toolhive examples in the
// retrieval pack use for their own /metrics endpoints.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the gateway feeds; construct it with
// New. internal/gateway accepts a nil *Registry and then records nothing.
type Registry struct {
	reg *prometheus.Registry

	SendDataBytes   prometheus.Counter
	FindCalls       prometheus.Counter
	TxCalls         prometheus.Counter
	SessionsGauge   prometheus.Gauge
	WorkspacesGauge prometheus.Gauge
	BroadcastsSent  prometheus.Counter
	BroadcastsDrop  prometheus.Counter
	SlowSockets     prometheus.Counter
}

// New builds a Registry with its own prometheus.Registry so repeated
// gateway instances in the same process (as in tests) don't collide on
// the global default registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		SendDataBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gateway_send_data_bytes_total",
			Help: "Total bytes written through ConnectionSocket.send.",
		}),
		FindCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gateway_find_all_total",
			Help: "Total Session.findAll calls dispatched to a pipeline.",
		}),
		TxCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gateway_tx_total",
			Help: "Total Session.tx calls dispatched to a pipeline.",
		}),
		SessionsGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_attached",
			Help: "Sessions currently attached to a workspace.",
		}),
		WorkspacesGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gateway_workspaces_live",
			Help: "Workspaces currently present in the registry.",
		}),
		BroadcastsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gateway_broadcasts_sent_total",
			Help: "Broadcast writes that succeeded.",
		}),
		BroadcastsDrop: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gateway_broadcasts_dropped_total",
			Help: "Broadcast writes that failed and were contained.",
		}),
		SlowSockets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gateway_slow_sockets_total",
			Help: "Sockets closed for exceeding the backpressure threshold.",
		}),
	}
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
