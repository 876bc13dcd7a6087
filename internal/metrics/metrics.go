// Package metrics exposes Prometheus collectors for the control plane. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	lifecycleOps    *prometheus.CounterVec
	expiryTicks     prometheus.Counter
	expirySuspended prometheus.Counter
	notifications   *prometheus.CounterVec
	inconsistent    prometheus.Counter
	sandboxes       *prometheus.GaugeVec
	reconcileDrift  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lifecycleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxd_lifecycle_operations_total",
			Help: "Lifecycle commands by operation and outcome.",
		}, []string{"operation", "outcome"}),
		expiryTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandboxd_expiry_ticks_total",
			Help: "Expiry scheduler ticks run.",
		}),
		expirySuspended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandboxd_expiry_suspended_total",
			Help: "Sandboxes suspended by the expiry scheduler.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxd_notifications_total",
			Help: "Notifications by kind and outcome (delivered, failed, dropped, unrouted).",
		}, []string{"kind", "outcome"}),
		inconsistent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandboxd_inconsistent_state_total",
			Help: "Engine calls that succeeded but could not be persisted.",
		}),
		sandboxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sandboxd_sandboxes",
			Help: "Live sandboxes by status.",
		}, []string{"status"}),
		reconcileDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandboxd_reconcile_drift",
			Help: "Drift items found by the last reconcile run.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.lifecycleOps, m.expiryTicks, m.expirySuspended, m.notifications,
			m.inconsistent, m.sandboxes, m.reconcileDrift)
	}
	return m
}

func (m *Metrics) ObserveOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.lifecycleOps.With(prometheus.Labels{"operation": op, "outcome": outcome}).Inc()
}

func (m *Metrics) ExpiryTick() {
	if m == nil {
		return
	}
	m.expiryTicks.Inc()
}

func (m *Metrics) ExpirySuspended() {
	if m == nil {
		return
	}
	m.expirySuspended.Inc()
}

func (m *Metrics) Notification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
}

func (m *Metrics) InconsistentState() {
	if m == nil {
		return
	}
	m.inconsistent.Inc()
}

func (m *Metrics) SetSandboxes(status string, n int) {
	if m == nil {
		return
	}
	m.sandboxes.With(prometheus.Labels{"status": status}).Set(float64(n))
}

func (m *Metrics) SetReconcileDrift(n int) {
	if m == nil {
		return
	}
	m.reconcileDrift.Set(float64(n))
}
