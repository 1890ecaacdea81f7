package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestratord/core/internal/metrics"
)

func TestHandlerServesRegisteredSeries(t *testing.T) {
	t.Parallel()
	reg := metrics.New()
	reg.QueueDepth.WithLabelValues("all").Set(3)
	reg.ActiveSessions.Set(2)
	reg.JobsTotal.WithLabelValues("completed").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "orchestrator_queue_depth")
	require.Contains(t, body, "orchestrator_active_sessions 2")
	require.Contains(t, body, "orchestrator_jobs_total")
}

func TestNewRegistryIsIsolatedPerInstance(t *testing.T) {
	t.Parallel()
	a := metrics.New()
	b := metrics.New()

	a.DLQSize.Set(5)
	b.DLQSize.Set(9)

	reqA := httptest.NewRequest("GET", "/metrics", nil)
	recA := httptest.NewRecorder()
	a.Handler().ServeHTTP(recA, reqA)
	require.Contains(t, recA.Body.String(), "orchestrator_dlq_size 5")

	reqB := httptest.NewRequest("GET", "/metrics", nil)
	recB := httptest.NewRecorder()
	b.Handler().ServeHTTP(recB, reqB)
	require.Contains(t, recB.Body.String(), "orchestrator_dlq_size 9")
}

func TestHistogramsObserveWithoutPanicking(t *testing.T) {
	t.Parallel()
	reg := metrics.New()
	reg.ClaimLatency.Observe(0.42)
	reg.DispatchLatency.Observe(1.1)
	reg.SchedulerDriftSecs.Observe(0.05)
	reg.AssignmentsTotal.WithLabelValues("accepted").Inc()
	reg.AssignmentsTotal.WithLabelValues("failed").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "orchestrator_claim_latency_seconds"))
	require.True(t, strings.Contains(body, "orchestrator_assignments_total"))
}
