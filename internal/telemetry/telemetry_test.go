package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStep("Create", "Network", "Succeeded", time.Second)
	m.IncRetry("memory", "create")
	m.ObserveRun("Applied")
	m.ObserveRollback(true)
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics()
	m.ObserveStep("Create", "Network", "Succeeded", 10*time.Millisecond)
	m.ObserveStep("Create", "Network", "Succeeded", 10*time.Millisecond)
	m.IncRetry("memory", "create")
	m.ObserveRun("Applied")
	m.ObserveRollback(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("Create", "Network", "Succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("memory", "create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("Applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RollbackTotal.WithLabelValues("failed")))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveRun("RolledBack")

	path := filepath.Join(t.TempDir(), "stackr.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `stackr_runs_total{status="RolledBack"} 1`)
}

func TestSetupTracing(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing(&buf, "test")
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "apply")
	RecordError(span, errors.New("boom"))
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name": "apply"`)
	assert.Contains(t, buf.String(), "boom")
}
