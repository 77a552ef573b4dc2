// Package metrics exposes the proxy's internal scheduler/circuit/retry state
// as Prometheus gauges and counters, served from the /metrics endpoint
// (spec §6 endpoint table).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles all metric collectors the proxy exports.
type Registry struct {
	AIMDWorkingThreshold *prometheus.GaugeVec
	CircuitState         *prometheus.GaugeVec
	ActiveRequests       *prometheus.GaugeVec
	RetryAttemptsTotal   *prometheus.CounterVec
	RateLimitHitsTotal   *prometheus.CounterVec
	UpstreamRequestsTotal *prometheus.CounterVec
}

// New creates a Registry and registers all collectors on reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		AIMDWorkingThreshold: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "antigravity_proxy",
			Name:      "aimd_working_threshold",
			Help:      "Current AIMD admission threshold per account (requests/minute).",
		}, []string{"account"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "antigravity_proxy",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per account (0=closed, 1=open, 2=half_open).",
		}, []string{"account"}),
		ActiveRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "antigravity_proxy",
			Name:      "active_requests",
			Help:      "In-flight request count per account (ActiveRequestGuard).",
		}, []string{"account"}),
		RetryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "antigravity_proxy",
			Name:      "retry_attempts_total",
			Help:      "Total retry attempts by status code bucket and protocol.",
		}, []string{"status_bucket", "protocol"}),
		RateLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "antigravity_proxy",
			Name:      "rate_limit_hits_total",
			Help:      "Total rate-limit responses observed per account.",
		}, []string{"account", "reason"}),
		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "antigravity_proxy",
			Name:      "upstream_requests_total",
			Help:      "Total upstream requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
	}

	reg.MustRegister(
		r.AIMDWorkingThreshold,
		r.CircuitState,
		r.ActiveRequests,
		r.RetryAttemptsTotal,
		r.RateLimitHitsTotal,
		r.UpstreamRequestsTotal,
	)
	return r
}

// CircuitStateValue maps the circuit breaker's state ordinal (as returned by
// circuit.State, itself an int: Closed=0, Open=1, HalfOpen=2) onto this
// gauge's documented encoding.
func CircuitStateValue(state int) float64 {
	return float64(state)
}
