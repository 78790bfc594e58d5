package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MeshResult("applied")
	m.MeshResult("applied")
	m.MeshResult("stale")
	m.Malformed()
	m.SetChunks(10, 2)
	m.ObserveMeshBuild(time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.meshResults.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformed))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.chunksLoaded))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.MeshResult("applied")
	m.ObserveTick(time.Second)
	m.Reconciliation("match")
}
