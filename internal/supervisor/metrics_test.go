package supervisor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.IncRetry("echo")
	second.IncRetry("echo")
	assert.Equal(t, 2.0, testutil.ToFloat64(first.retries.WithLabelValues("echo")))
}

func TestRejectionReasonLabelDropsPath(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())
	m.IncRejection("echo", "path blocked: /etc/passwd")
	m.IncRejection("echo", "path blocked: /etc/shadow")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rejections.WithLabelValues("echo", "path blocked")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.rejections))
}

func TestObserveTerminal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	m.ObserveTerminal("echo", "completed", 2*time.Second)
	m.SetActive(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminal.WithLabelValues("echo", "completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.active))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "mcp_supervisor_session_runtime_seconds" {
			found = true
			assert.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	assert.True(t, found)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSpawned("echo", "process")
		m.IncRejection("echo", "autonomy disabled")
		m.IncSpawnFailure("echo", "process")
		m.IncRetry("echo")
		m.IncRetryStorm("echo")
		m.ObserveTerminal("echo", "failed", time.Second)
		m.SetActive(1)
	})
}
