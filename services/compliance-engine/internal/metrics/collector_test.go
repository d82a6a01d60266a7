package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAlertCreated("excessive_use", "high")
	c.RecordAlertCreated("excessive_use", "high")
	c.RecordAlertDeduplicated("withdrawal_period")
	c.RecordChainConflict()
	c.RecordChainVerification(true)
	c.RecordChainVerification(false)
	c.RecordTraceAppend("amu_recorded")
	c.RecordTaskExecution("chain-audit", "success", 20*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.alertsCreated.WithLabelValues("excessive_use", "high")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.alertsDeduplicated.WithLabelValues("withdrawal_period")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.chainConflicts))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.chainVerifications.WithLabelValues("broken")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.tasksExecuted.WithLabelValues("chain-audit", "success")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordAlertCreated("mrl_breach", "critical")
		c.RecordChainConflict()
		c.ObserveEvaluation(time.Second)
		c.RecordTaskExecution("withdrawal-expiry", "error", time.Second)
	})
}
