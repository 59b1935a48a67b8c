package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, registry *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	return names
}

func TestTrackerRecordsSuccessAndFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	require.NoError(t, metrics.Track("assets_integrity").End(nil))

	boom := errors.New("boom")
	assert.ErrorIs(t, metrics.Track("assets_integrity").End(boom), boom)

	names := gatherNames(t, registry)
	assert.True(t, names["craftdeck_jobs_total"])
	assert.True(t, names["craftdeck_jobs_failures_total"])
	assert.True(t, names["craftdeck_job_duration_seconds"])
}

func TestNilMetricsTrackerPassesErrorThrough(t *testing.T) {
	var metrics *Metrics
	boom := errors.New("boom")
	assert.ErrorIs(t, metrics.Track("anything").End(boom), boom)
	assert.NoError(t, metrics.Track("anything").End(nil))
}
