package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	itemsDispatchedTotal atomic.Uint64
	itemsSucceededTotal  atomic.Uint64
	itemsFailedTotal     atomic.Uint64
	llmAttemptsTotal     atomic.Uint64
	llmRetriesTotal      atomic.Uint64
	llmExhaustedTotal    atomic.Uint64
	checkpointsTotal     atomic.Uint64

	itemDuration = newHistogram([]float64{500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000})
)

// IncItemsDispatched increments the dispatched-items counter.
func IncItemsDispatched() {
	itemsDispatchedTotal.Add(1)
}

// IncItemsSucceeded increments the succeeded-items counter.
func IncItemsSucceeded() {
	itemsSucceededTotal.Add(1)
}

// IncItemsFailed increments the failed-items counter (items carrying an error marker).
func IncItemsFailed() {
	itemsFailedTotal.Add(1)
}

// IncLLMAttempts increments the inference attempt counter.
func IncLLMAttempts() {
	llmAttemptsTotal.Add(1)
}

// IncLLMRetries increments the counter of attempts that were retried.
func IncLLMRetries() {
	llmRetriesTotal.Add(1)
}

// IncLLMExhausted increments the counter of calls that ran out of attempts.
func IncLLMExhausted() {
	llmExhaustedTotal.Add(1)
}

// IncCheckpoints increments the counter of output snapshots written.
func IncCheckpoints() {
	checkpointsTotal.Add(1)
}

// ObserveItemDurationMs records an item processing duration in milliseconds.
func ObserveItemDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	itemDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "items_dispatched_total", "Items submitted to the executor", itemsDispatchedTotal.Load())
	writeCounter(&buf, "items_succeeded_total", "Items completed with a model output", itemsSucceededTotal.Load())
	writeCounter(&buf, "items_failed_total", "Items completed with an error marker", itemsFailedTotal.Load())
	writeCounter(&buf, "llm_attempts_total", "Inference attempts issued", llmAttemptsTotal.Load())
	writeCounter(&buf, "llm_retries_total", "Inference attempts that failed and were retried", llmRetriesTotal.Load())
	writeCounter(&buf, "llm_exhausted_total", "Inference calls that exhausted their attempts", llmExhaustedTotal.Load())
	writeCounter(&buf, "checkpoints_total", "Output snapshots written", checkpointsTotal.Load())
	writeHistogram(&buf, "item_duration_ms", "Item processing duration in milliseconds", itemDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe counts value in the first bucket whose bound it does not exceed.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
