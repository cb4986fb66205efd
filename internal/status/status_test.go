package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tidewatch/internal/config"
	"tidewatch/internal/connectors"
	"tidewatch/internal/resilience"
	"tidewatch/internal/runtime/supervisor"
	"tidewatch/internal/services/runner"
	"tidewatch/internal/services/scheduler"
	"tidewatch/pkg/logx"
)

func testReporter(t *testing.T) (*Reporter, *runner.Runner) {
	t.Helper()

	reg, problems := connectors.Build(map[string]config.ConnectorConfig{
		"obis": {Schedule: "*/15 * * * *", Command: "true"},
	}, time.Minute)
	require.Empty(t, problems)

	run := runner.New(logx.Nop(), runner.NewHistory(10), time.Second, nil)
	sup := supervisor.New(context.Background())
	set := config.SchedulerSettings{
		PollInterval:   time.Second,
		ErrorBackoff:   time.Second,
		HistorySize:    10,
		DefaultTimeout: time.Minute,
		KillGrace:      time.Second,
	}
	sched := scheduler.New(logx.Nop(), set, scheduler.NewEvaluator(logx.Nop()), run, sup, reg)

	breakers := resilience.NewBreakerRegistry(resilience.BreakerSettings{})
	errlog := resilience.NewErrorLog(0)
	return NewReporter(logx.Nop(), sched, run, sup, breakers, errlog), run
}

func TestGetSystemStatus(t *testing.T) {
	rep, run := testReporter(t)

	rec := run.Run(context.Background(), connectors.Definition{
		Name: "obis", Enabled: true, Timeout: time.Minute, Argv: []string{"true"},
	})
	require.Equal(t, runner.StatusCompleted, rec.Status)

	st := rep.GetSystemStatus()
	require.False(t, st.Running, "scheduler was never started")
	require.Zero(t, st.ActiveJobCount)
	require.Empty(t, st.ActiveJobs)
	require.EqualValues(t, 1, st.TotalJobs)
	require.False(t, st.Timestamp.IsZero())
	// Host probe is best-effort; on Linux memory totals should be present.
	require.NotZero(t, st.Host.MemoryTotalMB)
}

func TestGetJobHistoryAndErrors(t *testing.T) {
	rep, run := testReporter(t)

	for i := 0; i < 3; i++ {
		run.Run(context.Background(), connectors.Definition{
			Name: "obis", Enabled: true, Timeout: time.Minute, Argv: []string{"true"},
		})
	}
	require.Len(t, rep.GetJobHistory(2), 2)
	require.Len(t, rep.GetJobHistory(0), 3)

	require.Zero(t, rep.GetErrorStatistics().Count)
	require.Equal(t, 3600, rep.GetErrorStatistics().WindowSeconds)
	require.Empty(t, rep.GetServiceHealth())
}

func TestServerRoutes(t *testing.T) {
	rep, _ := testReporter(t)
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv := NewServer(config.MetricsConfig{}, logx.Nop(), rep, metricsHandler)
	h := srv.routes("")

	for _, path := range []string{"/healthz", "/metrics", "/api/status", "/api/history", "/api/health", "/api/errors"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code, "path %s", path)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var st SystemStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.False(t, st.Timestamp.IsZero())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history?limit=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServerTokenAuth(t *testing.T) {
	rep, _ := testReporter(t)
	srv := NewServer(config.MetricsConfig{Token: "hunter2"}, logx.Nop(), rep, http.NotFoundHandler())
	h := srv.routes("hunter2")

	// /healthz stays open for liveness probes.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status?token=hunter2", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status?token=wrong", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9402": true,
		"localhost:9402": true,
		"[::1]:9402":     true,
		"0.0.0.0:9402":   false,
		":9402":          false,
		"10.0.0.5:9402":  false,
		"bad":            false,
	}
	for addr, want := range cases {
		require.Equal(t, want, isLoopbackAddr(addr), "addr %s", addr)
	}
}
