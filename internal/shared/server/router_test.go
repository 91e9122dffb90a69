package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/ledger"
	"physics-pipeline/internal/services/health"
	"physics-pipeline/internal/shared/telemetry"
)

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	r := NewRouter(Deps{})
	rec := doGet(t, r, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	r := NewRouter(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-Id"))
}

func TestProgress(t *testing.T) {
	progress := batch.NewProgress()
	progress.OnRunStart(batch.RunInfo{RunID: "run-1", Stage: "predict", Total: 10, Pending: 4, StartedAt: time.Now()})
	progress.OnItemStart(nil)

	r := NewRouter(Deps{Progress: progress})
	rec := doGet(t, r, "/api/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap batch.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 4, snap.Pending)
	assert.Equal(t, 1, snap.InFlight)
	assert.False(t, snap.Finished)
}

func TestProgressDisabled(t *testing.T) {
	rec := doGet(t, NewRouter(Deps{}), "/api/v1/progress")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unavailable"`)
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	repo := ledger.NewMemoryRepo()
	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreateRun(ctx, ledger.Run{ID: "run-a", Stage: "caption", StartedAt: started}))
	require.NoError(t, repo.CreateRun(ctx, ledger.Run{ID: "run-b", Stage: "predict", StartedAt: started.Add(time.Hour)}))
	id := int64(7)
	require.NoError(t, repo.AddItem(ctx, ledger.ItemRecord{RunID: "run-b", ItemID: &id, Status: ledger.ItemOK}))

	r := NewRouter(Deps{Runs: repo})

	rec := doGet(t, r, "/api/v1/runs?stage=predict")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []ledger.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "run-b", list.Runs[0].ID)

	rec = doGet(t, r, "/api/v1/runs/run-b")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail runDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "predict", detail.Run.Stage)
	require.Len(t, detail.Items, 1)
	assert.EqualValues(t, 7, *detail.Items[0].ItemID)

	rec = doGet(t, r, "/api/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doGet(t, r, "/api/v1/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsEmptyListIsArray(t *testing.T) {
	rec := doGet(t, NewRouter(Deps{Runs: ledger.NewMemoryRepo()}), "/api/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	rec := doGet(t, NewRouter(Deps{}), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "items_dispatched_total")
}

func TestRecoveryReturnsStandardError(t *testing.T) {
	r := NewRouter(Deps{})
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	rec := doGet(t, r, "/boom")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"internal"`)
}

func TestLoggingIncludesRequestFields(t *testing.T) {
	var buf bytes.Buffer
	telemetry.Configure(telemetry.Options{Level: "info", Format: "json", Out: &buf})
	t.Cleanup(func() { telemetry.Configure(telemetry.Options{}) })

	r := NewRouter(Deps{Runs: ledger.NewMemoryRepo()})
	doGet(t, r, "/api/v1/runs/missing")

	var found map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		if json.Unmarshal(line, &entry) == nil && entry["message"] == "request.complete" {
			found = entry
		}
	}
	require.NotNil(t, found, "expected request.complete log line")
	for _, key := range []string{"request_id", "method", "path", "status", "duration_ms", "run_id"} {
		assert.Contains(t, found, key)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveListener(ctx, ln, NewRouter(Deps{})) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAddr(t *testing.T) {
	assert.Equal(t, ":8080", Addr(""))
	assert.Equal(t, ":9090", Addr("9090"))
	assert.Equal(t, ":9090", Addr(":9090"))
	assert.Equal(t, "127.0.0.1:9090", Addr("127.0.0.1:9090"))
}

func TestHealthReportsLedger(t *testing.T) {
	rec := doGet(t, NewRouter(Deps{Health: health.NewService(nil)}), "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"ledger":"memory"}`, rec.Body.String())
}
