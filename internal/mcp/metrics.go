package mcp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatcher's instrumentation.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	ToolCallsTotal *prometheus.CounterVec
}

// NewMetrics builds and registers the counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ape",
			Subsystem: "mcp",
			Name:      "requests_total",
			Help:      "JSON-RPC requests by method.",
		}, []string{"method"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ape",
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.ToolCallsTotal)
	}
	return m
}
