package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"physics-pipeline/internal/collection"
	"physics-pipeline/internal/llm"
	"physics-pipeline/internal/shared/metrics"
	"physics-pipeline/internal/shared/telemetry"
)

// UnrecoverableMarker prefixes the error recorded on an item whose worker
// returned an error or panicked.
const UnrecoverableMarker = llm.UnrecoverableMarker

// ErrInvalidConcurrency is returned when the concurrency limit is below one.
var ErrInvalidConcurrency = errors.New("concurrency must be at least 1")

// Worker processes one item and returns it with its output field set.
// It receives a private copy of the item.
type Worker func(ctx context.Context, item collection.Item) (collection.Item, error)

// Result is one processed item in completion order.
type Result struct {
	Item     collection.Item
	Duration time.Duration
	Failed   bool
}

// Executor runs a Worker over a work set with at most Concurrency items in flight.
type Executor struct {
	Concurrency int
	OutputField string
	// ErrorField receives the unrecoverable-failure marker. Defaults to OutputField.
	ErrorField string
	Observer   Observer
}

// Run processes every item and returns the results in completion order.
func (e *Executor) Run(ctx context.Context, items []collection.Item, work Worker) ([]collection.Item, error) {
	results, err := e.Stream(ctx, items, work)
	if err != nil {
		return nil, err
	}
	out := make([]collection.Item, 0, len(items))
	for res := range results {
		out = append(out, res.Item)
	}
	return out, nil
}

// Stream dispatches items to the worker pool and delivers one Result per
// dispatched item. Cancelling ctx stops dispatch of items that have not
// started; started items run to completion under a detached context. The
// returned channel is closed once every started item has been delivered and
// must be drained by the caller.
func (e *Executor) Stream(ctx context.Context, items []collection.Item, work Worker) (<-chan Result, error) {
	if e.Concurrency < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, e.Concurrency)
	}
	if work == nil {
		return nil, errors.New("batch worker is nil")
	}

	raw := make(chan Result, e.Concurrency)
	out := make(chan Result)
	runCtx := context.WithoutCancel(ctx)
	total := len(items)

	go func() {
		defer close(raw)
		var g errgroup.Group
		g.SetLimit(e.Concurrency)
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				metrics.IncItemsDispatched()
				if e.Observer != nil {
					e.Observer.OnItemStart(item)
				}
				raw <- e.process(runCtx, item, work)
				return nil
			})
		}
		_ = g.Wait()
	}()

	go func() {
		defer close(out)
		done := 0
		for res := range raw {
			done++
			metrics.ObserveItemDurationMs(float64(res.Duration.Milliseconds()))
			if res.Failed {
				metrics.IncItemsFailed()
			} else {
				metrics.IncItemsSucceeded()
			}
			if e.Observer != nil {
				e.Observer.OnItemDone(done, total, res.Item, res.Duration, res.Failed)
			}
			out <- res
		}
	}()

	return out, nil
}

func (e *Executor) process(ctx context.Context, item collection.Item, work Worker) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			telemetry.Error("batch.item.panic", map[string]any{"panic": fmt.Sprint(r)})
			res = Result{
				Item:     e.guard(item, fmt.Errorf("panic: %v", r)),
				Duration: time.Since(start),
				Failed:   true,
			}
		}
	}()

	out, err := work(ctx, item.Clone())
	if err == nil && out == nil {
		err = errors.New("worker returned no item")
	}
	if err != nil {
		telemetry.Error("batch.item.unrecoverable", map[string]any{"error": err.Error()})
		return Result{Item: e.guard(item, err), Duration: time.Since(start), Failed: true}
	}
	return Result{Item: out, Duration: time.Since(start), Failed: e.failed(out)}
}

func (e *Executor) guard(item collection.Item, err error) collection.Item {
	out := item.Clone()
	out[e.errorField()] = UnrecoverableMarker + err.Error()
	return out
}

func (e *Executor) errorField() string {
	if e.ErrorField != "" {
		return e.ErrorField
	}
	return e.OutputField
}

func (e *Executor) failed(item collection.Item) bool {
	for _, field := range []string{e.OutputField, e.errorField()} {
		if s, ok := item[field].(string); ok && llm.IsMarker(s) {
			return true
		}
	}
	return false
}
