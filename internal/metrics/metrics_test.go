package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordsRunLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RunStarted("deploy")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsInFlight))

	m.ActionStarted()
	m.ActionAttempt("deploy", "Build", "Cdk_Synth")
	m.ActionAttempt("deploy", "Build", "Cdk_Synth")
	m.ActionFinished("deploy", "Build", "Cdk_Synth", "SUCCEEDED", 2*time.Second)
	m.ArtifactPublished("deploy", 128)
	m.StageFinished("deploy", "Build", "SUCCEEDED")
	m.RunFinished("deploy", "SUCCEEDED", time.Minute)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsInFlight))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActionsInFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActionAttempts.WithLabelValues("deploy", "Build", "Cdk_Synth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionResults.WithLabelValues("deploy", "Build", "Cdk_Synth", "SUCCEEDED")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.ArtifactBytes.WithLabelValues("deploy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("deploy", "SUCCEEDED")))
}

func TestMetrics_NilIsInert(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted("p")
		m.ActionStarted()
		m.ActionSettled("p", "s", "a", "SKIPPED")
		m.NamespaceReleased()
	})
}
