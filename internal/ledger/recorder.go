package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/collection"
	"physics-pipeline/internal/llm"
	"physics-pipeline/internal/shared/telemetry"
)

const writeTimeout = 5 * time.Second

// Recorder writes run boundaries and item outcomes to a Repo. Ledger failures
// are logged and never interrupt the run.
type Recorder struct {
	Repo Repo

	mu      sync.Mutex
	run     Run
	idField string
	active  bool
}

// NewRecorder returns a Recorder writing to repo.
func NewRecorder(repo Repo) *Recorder {
	return &Recorder{Repo: repo}
}

func (r *Recorder) OnRunStart(info batch.RunInfo) {
	run := Run{
		ID:          info.RunID,
		Stage:       info.Stage,
		Model:       info.Model,
		InputKey:    info.InputKey,
		OutputKey:   info.OutputKey,
		Status:      StatusRunning,
		Total:       info.Total,
		AlreadyDone: info.AlreadyDone,
		StartedAt:   info.StartedAt.UTC(),
	}
	r.mu.Lock()
	r.run = run
	r.idField = info.IDField
	r.active = true
	r.mu.Unlock()

	r.write("ledger.run.create", func(ctx context.Context) error {
		return r.Repo.CreateRun(ctx, run)
	})
}

func (r *Recorder) OnItemStart(collection.Item) {}

func (r *Recorder) OnItemDone(done, total int, result collection.Item, d time.Duration, failed bool) {
	r.mu.Lock()
	active, runID, idField := r.active, r.run.ID, r.idField
	r.mu.Unlock()
	if !active {
		return
	}

	record := ItemRecord{
		RunID:       runID,
		Status:      ItemOK,
		DurationMs:  d.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if id, ok := collection.ID(result, idField); ok {
		record.ItemID = &id
	}
	if failed {
		record.Status = ItemError
		record.Error = firstMarker(result)
	}
	r.write("ledger.item.add", func(ctx context.Context) error {
		return r.Repo.AddItem(ctx, record)
	})
}

func (r *Recorder) OnRunDone(summary batch.Summary, err error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	run := r.run
	r.mu.Unlock()

	finished := time.Now().UTC()
	run.Status = StatusCompleted
	run.Dispatched = summary.Dispatched
	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed
	run.FinishedAt = &finished
	if err != nil {
		run.Status = StatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			run.Status = StatusInterrupted
		}
		run.Error = err.Error()
	}
	r.write("ledger.run.finish", func(ctx context.Context) error {
		return r.Repo.FinishRun(ctx, run)
	})
}

func (r *Recorder) write(event string, fn func(ctx context.Context) error) {
	if r.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		telemetry.Warn(event+".failed", map[string]any{"error": err.Error()})
	}
}

func firstMarker(item collection.Item) string {
	if s, ok := item["error"].(string); ok && llm.IsMarker(s) {
		return s
	}
	for _, v := range item {
		if s, ok := v.(string); ok && llm.IsMarker(s) {
			return s
		}
	}
	return ""
}

var _ batch.RunObserver = (*Recorder)(nil)
