package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewTelemetry(t *testing.T) {
	tel := NewTelemetry("1.2.3")
	require.NotNil(t, tel)
	require.NotNil(t, tel.Registry())

	// Build info is registered with the version label at value 1.
	families, err := tel.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["stratus_build_info"])
}

func TestInitTelemetry_SetsGlobal(t *testing.T) {
	orig := TelemetrySystem
	defer func() { TelemetrySystem = orig }()

	TelemetrySystem = nil
	tel := InitTelemetry("dev")

	require.NotNil(t, TelemetrySystem)
	assert.Same(t, tel, TelemetrySystem)
}

func TestTelemetry_SetJobs(t *testing.T) {
	tel := NewTelemetry("dev")

	tel.SetJobs("EXECUTING", 3)
	tel.SetJobs("QUEUED", 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(tel.jobs.WithLabelValues("EXECUTING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(tel.jobs.WithLabelValues("QUEUED")))

	tel.SetJobs("EXECUTING", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.jobs.WithLabelValues("EXECUTING")))
}

func TestTelemetry_ObserveTransition(t *testing.T) {
	tel := NewTelemetry("dev")

	tel.ObserveTransition("PENDING", "QUEUED", "ok")
	tel.ObserveTransition("PENDING", "QUEUED", "ok")
	tel.ObserveTransition("QUEUED", "EXECUTING", "error")

	assert.Equal(t, 2.0, testutil.ToFloat64(tel.transitions.WithLabelValues("PENDING", "QUEUED", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.transitions.WithLabelValues("QUEUED", "EXECUTING", "error")))
}

func TestTelemetry_ObserveLaunch(t *testing.T) {
	tel := NewTelemetry("dev")

	tel.ObserveLaunch("ok")
	tel.ObserveLaunch("error")
	tel.ObserveLaunch("error")

	assert.Equal(t, 1.0, testutil.ToFloat64(tel.launches.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(tel.launches.WithLabelValues("error")))
}

func TestTelemetry_ObserveReaperSweep(t *testing.T) {
	tel := NewTelemetry("dev")

	tel.ObserveReaperSweep()
	tel.ObserveReaperSweep()

	assert.Equal(t, 2.0, testutil.ToFloat64(tel.reaperSweeps))
}

func TestTelemetry_ObserveJobDuration(t *testing.T) {
	tel := NewTelemetry("dev")

	tel.ObserveJobDuration("echo", 90*time.Second)

	count := testutil.CollectAndCount(tel.jobDuration, "stratus_job_duration_seconds")
	assert.Equal(t, 1, count)
}

func TestTelemetry_MetricsEndpoint(t *testing.T) {
	tel := NewTelemetry("dev")
	tel.ObserveLaunch("ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	tel.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "stratus_launches_total")
	assert.Contains(t, body, "stratus_build_info")
}

func TestExporter_Handler(t *testing.T) {
	tel := NewTelemetry("dev")
	tel.SetJobs("PENDING", 0)
	exp := NewExporter("127.0.0.1", 0, tel, zap.NewNop())

	assert.Equal(t, "127.0.0.1:0", exp.Addr())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stratus_jobs")
}

func TestExporter_UnknownPath(t *testing.T) {
	tel := NewTelemetry("dev")
	exp := NewExporter("127.0.0.1", 0, tel, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExporter_StartAndShutdown(t *testing.T) {
	origExporter := PrometheusExporter
	defer func() { PrometheusExporter = origExporter }()

	tel := NewTelemetry("dev")
	exp := StartPrometheusExporter("127.0.0.1", 0, tel, zap.NewNop())
	require.Same(t, exp, PrometheusExporter)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exp.Shutdown(ctx))
}
