// Package metrics exposes the engine's Prometheus instrumentation:
//
//   - engine_ticks_total{deployment}          – strategy ticks processed
//   - engine_intents_total{deployment,side}   – order intents produced
//   - engine_orders_total{broker,status}      – chased orders by final status
//   - engine_chase_loops_total                – chase reprice iterations
//   - engine_live_deployments                 – currently running deployments
//
// Registered against the default registry and served at /metrics by the
// control API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's instruments so components take one
// dependency instead of package-level globals. A nil *Metrics is safe:
// every method no-ops.
type Metrics struct {
	ticks           *prometheus.CounterVec
	intents         *prometheus.CounterVec
	orders          *prometheus.CounterVec
	chaseLoops      prometheus.Counter
	liveDeployments prometheus.Gauge
}

// New registers the engine metrics on reg (the default registerer when
// nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Strategy ticks processed",
		}, []string{"deployment"}),
		intents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_intents_total",
			Help: "Order intents produced by decision logic",
		}, []string{"deployment", "side"}),
		orders: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Chased orders by final status",
		}, []string{"broker", "status"}),
		chaseLoops: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_chase_loops_total",
			Help: "Chase reprice iterations",
		}),
		liveDeployments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_live_deployments",
			Help: "Currently running deployments",
		}),
	}
}

// Tick counts one processed tick for a deployment.
func (m *Metrics) Tick(deployment string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(deployment).Inc()
}

// Intent counts one produced order intent.
func (m *Metrics) Intent(deployment, side string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(deployment, side).Inc()
}

// Order counts one resolved order.
func (m *Metrics) Order(broker, status string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(broker, status).Inc()
}

// ChaseLoop counts one chase reprice iteration.
func (m *Metrics) ChaseLoop() {
	if m == nil {
		return
	}
	m.chaseLoops.Inc()
}

// DeploymentStarted moves the live-deployments gauge up.
func (m *Metrics) DeploymentStarted() {
	if m == nil {
		return
	}
	m.liveDeployments.Inc()
}

// DeploymentStopped moves the live-deployments gauge down.
func (m *Metrics) DeploymentStopped() {
	if m == nil {
		return
	}
	m.liveDeployments.Dec()
}
