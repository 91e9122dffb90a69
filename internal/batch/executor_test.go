package batch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"physics-pipeline/internal/collection"
)

func makeItems(n int) []collection.Item {
	items := make([]collection.Item, n)
	for i := range items {
		items[i] = collection.Item{"index": json.Number(strconv.Itoa(i)), "question": "q" + strconv.Itoa(i)}
	}
	return items
}

func answerWorker(ctx context.Context, item collection.Item) (collection.Item, error) {
	item["prediction"] = "answer for " + item.String("question")
	return item, nil
}

func TestExecutorProducesOneResultPerItem(t *testing.T) {
	for _, n := range []int{1, 2, 7, 32} {
		exec := &Executor{Concurrency: n, OutputField: "prediction"}
		items := makeItems(25)

		results, err := exec.Run(context.Background(), items, answerWorker)
		require.NoError(t, err)
		require.Len(t, results, len(items))

		seen := map[int64]bool{}
		for _, res := range results {
			id, ok := collection.ID(res, "index")
			require.True(t, ok)
			assert.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
			assert.Equal(t, "answer for q"+strconv.Itoa(int(id)), res["prediction"])
		}
		assert.Len(t, seen, len(items))
	}
}

func TestExecutorRespectsConcurrencyLimit(t *testing.T) {
	const limit = 3
	var inFlight, peak atomic.Int32
	work := func(ctx context.Context, item collection.Item) (collection.Item, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return item, nil
	}

	exec := &Executor{Concurrency: limit, OutputField: "prediction"}
	_, err := exec.Run(context.Background(), makeItems(20), work)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestExecutorIsolatesFailures(t *testing.T) {
	work := func(ctx context.Context, item collection.Item) (collection.Item, error) {
		if id, _ := collection.ID(item, "index"); id == 2 {
			return nil, errors.New("model refused")
		}
		return answerWorker(ctx, item)
	}

	exec := &Executor{Concurrency: 4, OutputField: "prediction"}
	results, err := exec.Run(context.Background(), makeItems(5), work)
	require.NoError(t, err)
	require.Len(t, results, 5)

	failed := 0
	for _, res := range results {
		if id, _ := collection.ID(res, "index"); id == 2 {
			failed++
			assert.Equal(t, UnrecoverableMarker+"model refused", res["prediction"])
			assert.Equal(t, "q2", res["question"])
			continue
		}
		assert.Contains(t, res["prediction"], "answer for")
	}
	assert.Equal(t, 1, failed)
}

func TestExecutorRecoversPanics(t *testing.T) {
	work := func(ctx context.Context, item collection.Item) (collection.Item, error) {
		panic("nil image")
	}

	exec := &Executor{Concurrency: 2, OutputField: "refined_reasoning", ErrorField: "error"}
	results, err := exec.Run(context.Background(), makeItems(3), work)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, UnrecoverableMarker+"panic: nil image", res["error"])
		assert.NotContains(t, res, "refined_reasoning")
	}
}

func TestExecutorWorkerGetsPrivateCopy(t *testing.T) {
	items := makeItems(1)
	work := func(ctx context.Context, item collection.Item) (collection.Item, error) {
		item["description"] = "changed"
		return nil, errors.New("late failure")
	}

	exec := &Executor{Concurrency: 1, OutputField: "description"}
	results, err := exec.Run(context.Background(), items, work)
	require.NoError(t, err)
	assert.NotContains(t, items[0], "description")
	assert.Equal(t, UnrecoverableMarker+"late failure", results[0]["description"])
}

func TestExecutorRejectsInvalidConcurrency(t *testing.T) {
	exec := &Executor{Concurrency: 0}
	_, err := exec.Run(context.Background(), makeItems(1), answerWorker)
	assert.ErrorIs(t, err, ErrInvalidConcurrency)
}

func TestExecutorStopsDispatchOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var started atomic.Int32
	work := func(wctx context.Context, item collection.Item) (collection.Item, error) {
		if started.Add(1) == 1 {
			cancel()
			<-release
		}
		assert.NoError(t, wctx.Err())
		return item, nil
	}

	exec := &Executor{Concurrency: 1, OutputField: "prediction"}
	results, err := exec.Stream(ctx, makeItems(10), work)
	require.NoError(t, err)
	close(release)

	count := 0
	for range results {
		count++
	}
	assert.Equal(t, 1, count)
}

type recordingObserver struct {
	mu      sync.Mutex
	started int
	done    []int
	failed  int
}

func (r *recordingObserver) OnItemStart(collection.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingObserver) OnItemDone(done, total int, result collection.Item, d time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, done)
	if failed {
		r.failed++
	}
}

func TestExecutorNotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	work := func(ctx context.Context, item collection.Item) (collection.Item, error) {
		if id, _ := collection.ID(item, "index"); id == 0 {
			item["description"] = "ERROR: Max retries reached - timeout"
			return item, nil
		}
		item["description"] = "a block on an incline"
		return item, nil
	}

	exec := &Executor{Concurrency: 2, OutputField: "description", Observer: obs}
	_, err := exec.Run(context.Background(), makeItems(4), work)
	require.NoError(t, err)

	assert.Equal(t, 4, obs.started)
	assert.Equal(t, []int{1, 2, 3, 4}, obs.done)
	assert.Equal(t, 1, obs.failed)
}

func TestExecutorCountsModelErrorTextAsSuccess(t *testing.T) {
	obs := &recordingObserver{}
	work := func(ctx context.Context, item collection.Item) (collection.Item, error) {
		item["prediction"] = "ERROR: the given mass is negative, so no solution exists"
		return item, nil
	}

	exec := &Executor{Concurrency: 1, OutputField: "prediction", Observer: obs}
	out, err := exec.Run(context.Background(), makeItems(2), work)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []int{1, 2}, obs.done)
	assert.Equal(t, 0, obs.failed)
}
