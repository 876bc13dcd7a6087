package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOperation("create", "ok")
	m.ObserveOperation("create", "ok")
	m.ObserveOperation("suspend", "denied")
	m.Notification("renewal", "dropped")
	m.SetSandboxes("running", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lifecycleOps.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("renewal", "dropped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sandboxes.WithLabelValues("running")))

	n, err := testutil.GatherAndCount(reg, "sandboxd_lifecycle_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("create", "ok")
	m.ExpiryTick()
	m.ExpirySuspended()
	m.Notification("log", "failed")
	m.InconsistentState()
	m.SetSandboxes("running", 1)
	m.SetReconcileDrift(2)
}
