package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"physics-pipeline/internal/collection"
	"physics-pipeline/internal/shared/metrics"
	"physics-pipeline/internal/shared/storage/object"
	"physics-pipeline/internal/shared/telemetry"
)

// ErrLoadInput marks a run that could not read or parse its input collection.
var ErrLoadInput = errors.New("load input collection")

// Job is one stage run over an input collection.
type Job struct {
	Stage     string
	Model     string
	InputKey  string
	OutputKey string
	Worker    Worker
}

// Summary reports what a run did.
type Summary struct {
	RunID       string        `json:"run_id"`
	Stage       string        `json:"stage"`
	Total       int           `json:"total"`
	AlreadyDone int           `json:"already_done"`
	Dispatched  int           `json:"dispatched"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Duration    time.Duration `json:"duration"`
}

// Driver resumes a stage against its own partial output: items whose
// identifier already appears in the output are not processed again, and the
// output document is always rewritten in full.
type Driver struct {
	Store    object.ObjectStore
	Executor *Executor
	// IDField names the identifier field. Defaults to collection.DefaultIDField.
	IDField string
	// CheckpointEvery rewrites the merged snapshot after every k completed
	// items. Zero writes only once at the end of the run.
	CheckpointEvery int
}

// Run executes job. Only this goroutine writes the output document.
func (d *Driver) Run(ctx context.Context, job Job) (Summary, error) {
	start := time.Now()
	summary := Summary{RunID: uuid.NewString(), Stage: job.Stage}
	if d.Executor == nil || d.Executor.Concurrency < 1 {
		return summary, ErrInvalidConcurrency
	}
	idField := d.idField()

	input, err := collection.Load(ctx, d.Store, job.InputKey)
	if err != nil {
		return summary, fmt.Errorf("%w %s: %w", ErrLoadInput, job.InputKey, err)
	}
	prior, err := d.loadPrior(ctx, job.OutputKey)
	if err != nil {
		return summary, err
	}

	prior = d.dropUnkeyed(job, prior)
	remaining, alreadyDone, skipped := d.plan(input, prior)
	summary.Total = len(input)
	summary.AlreadyDone = alreadyDone
	summary.Skipped = skipped

	if len(remaining) == 0 {
		summary.Duration = time.Since(start)
		telemetry.Info("batch.complete", map[string]any{
			"stage":   job.Stage,
			"output":  job.OutputKey,
			"total":   summary.Total,
			"message": "all items already processed",
		})
		return summary, nil
	}

	observer := d.runObserver()
	if observer != nil {
		observer.OnRunStart(RunInfo{
			RunID:       summary.RunID,
			Stage:       job.Stage,
			Model:       job.Model,
			InputKey:    job.InputKey,
			OutputKey:   job.OutputKey,
			IDField:     idField,
			Total:       summary.Total,
			AlreadyDone: alreadyDone,
			Pending:     len(remaining),
			StartedAt:   start,
		})
	}
	telemetry.Info("batch.start", map[string]any{
		"run_id":       summary.RunID,
		"stage":        job.Stage,
		"model":        job.Model,
		"total":        summary.Total,
		"already_done": alreadyDone,
		"pending":      len(remaining),
		"skipped":      skipped,
		"concurrency":  d.Executor.Concurrency,
	})

	summary, runErr := d.execute(ctx, job, summary, prior, remaining)
	summary.Duration = time.Since(start)
	if observer != nil {
		observer.OnRunDone(summary, runErr)
	}
	if runErr != nil {
		return summary, runErr
	}

	telemetry.Info("batch.finished", map[string]any{
		"run_id":      summary.RunID,
		"stage":       job.Stage,
		"dispatched":  summary.Dispatched,
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"duration_ms": summary.Duration.Milliseconds(),
	})
	return summary, nil
}

func (d *Driver) execute(ctx context.Context, job Job, summary Summary, prior, remaining []collection.Item) (Summary, error) {
	results, err := d.Executor.Stream(ctx, remaining, job.Worker)
	if err != nil {
		return summary, err
	}

	// Snapshots are written even after ctx is cancelled so finished items survive.
	saveCtx := context.WithoutCancel(ctx)
	fresh := make([]collection.Item, 0, len(remaining))
	sinceCheckpoint := 0
	for res := range results {
		fresh = append(fresh, res.Item)
		summary.Dispatched++
		if res.Failed {
			summary.Failed++
			telemetry.Warn("batch.item.failed", d.itemFields(job, res, summary.Dispatched, len(remaining)))
		} else {
			summary.Succeeded++
			telemetry.Info("batch.item.done", d.itemFields(job, res, summary.Dispatched, len(remaining)))
		}

		sinceCheckpoint++
		if d.CheckpointEvery > 0 && sinceCheckpoint >= d.CheckpointEvery && summary.Dispatched < len(remaining) {
			sinceCheckpoint = 0
			if err := d.persist(saveCtx, job.OutputKey, prior, fresh); err != nil {
				telemetry.Error("batch.checkpoint.failed", map[string]any{
					"run_id": summary.RunID,
					"output": job.OutputKey,
					"error":  err.Error(),
				})
			}
		}
	}

	if err := d.persist(saveCtx, job.OutputKey, prior, fresh); err != nil {
		return summary, fmt.Errorf("persist results: %w", err)
	}

	if pending := len(remaining) - summary.Dispatched; pending > 0 && ctx.Err() != nil {
		telemetry.Warn("batch.interrupted", map[string]any{
			"run_id":  summary.RunID,
			"stage":   job.Stage,
			"pending": pending,
		})
		return summary, fmt.Errorf("run interrupted with %d items pending: %w", pending, ctx.Err())
	}
	return summary, nil
}

// plan returns the items still to process. Items without a usable identifier
// are always pending; repeated identifiers keep their first occurrence.
// prior must already be free of unkeyed records.
func (d *Driver) plan(input, prior []collection.Item) (remaining []collection.Item, alreadyDone, skipped int) {
	idField := d.idField()
	completed := make(map[int64]struct{}, len(prior))
	for _, it := range prior {
		if id, ok := collection.ID(it, idField); ok {
			completed[id] = struct{}{}
		}
	}

	seen := make(map[int64]struct{}, len(input))
	for _, it := range input {
		id, ok := collection.ID(it, idField)
		if !ok {
			remaining = append(remaining, it)
			continue
		}
		if _, dup := seen[id]; dup {
			skipped++
			telemetry.Warn("batch.input.duplicate_id", map[string]any{"id_field": idField, "id": id})
			continue
		}
		seen[id] = struct{}{}
		if _, done := completed[id]; done {
			alreadyDone++
			continue
		}
		remaining = append(remaining, it)
	}
	return remaining, alreadyDone, skipped
}

func (d *Driver) loadPrior(ctx context.Context, key string) ([]collection.Item, error) {
	prior, bad, err := collection.LoadPartial(ctx, d.Store, key)
	switch {
	case err == nil:
		if len(bad) > 0 {
			telemetry.Warn("batch.output.bad_records", map[string]any{
				"output":    key,
				"dropped":   len(bad),
				"positions": bad,
			})
		}
		return prior, nil
	case object.IsNotFound(err):
		return nil, nil
	case errors.Is(err, collection.ErrNotArray):
		telemetry.Warn("batch.output.unreadable", map[string]any{
			"output": key,
			"error":  err.Error(),
		})
		return nil, nil
	default:
		return nil, fmt.Errorf("read prior output %s: %w", key, err)
	}
}

// dropUnkeyed removes prior records without a usable identifier. Their input
// items are always pending, so this run's results replace them and the
// output never holds more records than the input.
func (d *Driver) dropUnkeyed(job Job, prior []collection.Item) []collection.Item {
	idField := d.idField()
	kept := prior[:0:0]
	for _, it := range prior {
		if _, ok := collection.ID(it, idField); ok {
			kept = append(kept, it)
		}
	}
	if dropped := len(prior) - len(kept); dropped > 0 {
		telemetry.Warn("batch.output.unkeyed_records", map[string]any{
			"stage":    job.Stage,
			"output":   job.OutputKey,
			"id_field": idField,
			"dropped":  dropped,
		})
	}
	return kept
}

func (d *Driver) persist(ctx context.Context, key string, prior, fresh []collection.Item) error {
	merged := collection.Merge(prior, fresh, d.idField())
	if err := collection.Save(ctx, d.Store, key, merged); err != nil {
		return err
	}
	metrics.IncCheckpoints()
	telemetry.Debug("batch.checkpoint", map[string]any{"output": key, "items": len(merged)})
	return nil
}

func (d *Driver) itemFields(job Job, res Result, done, total int) map[string]any {
	fields := map[string]any{
		"stage":       job.Stage,
		"done":        done,
		"total":       total,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if id, ok := collection.ID(res.Item, d.idField()); ok {
		fields["id"] = id
	}
	return fields
}

func (d *Driver) idField() string {
	if d.IDField != "" {
		return d.IDField
	}
	return collection.DefaultIDField
}

func (d *Driver) runObserver() RunObserver {
	if d.Executor == nil {
		return nil
	}
	ro, _ := d.Executor.Observer.(RunObserver)
	return ro
}
