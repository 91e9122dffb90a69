package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := newHistogram([]float64{10, 100})
	h.Observe(5)
	h.Observe(50)
	h.Observe(500)

	snap := h.Snapshot()
	assert.Equal(t, []uint64{1, 1}, snap.counts)
	assert.EqualValues(t, 3, snap.count)
	assert.Equal(t, 555.0, snap.sum)
}

func TestRenderIncludesCounters(t *testing.T) {
	IncItemsDispatched()
	IncLLMRetries()
	ObserveItemDurationMs(-3)

	out := Render()
	assert.Contains(t, out, "# TYPE items_dispatched_total counter")
	assert.Contains(t, out, "# TYPE llm_retries_total counter")
	assert.Contains(t, out, `item_duration_ms_bucket{le="500"}`)
	assert.Contains(t, out, `item_duration_ms_bucket{le="+Inf"}`)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "items_failed_total")
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "250", formatFloat(250))
	assert.Equal(t, "0.5", formatFloat(0.5))
}
