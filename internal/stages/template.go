package stages

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/collection"
	"physics-pipeline/internal/llm"
	"physics-pipeline/internal/prompts"
	"physics-pipeline/internal/shared/config"
	"physics-pipeline/internal/shared/storage/object"
	"physics-pipeline/internal/shared/telemetry"
)

// DefaultBatchSize is the number of question/answer pairs per template analysis.
const DefaultBatchSize = 25

const (
	batchField    = "batch"
	analysisField = "analysis"
)

// TemplateDefaults are the template stage settings before config and flags.
var TemplateDefaults = config.StageSettings{
	Input:       "./dev.json",
	Output:      "./outputs/answer_template.txt",
	Model:       "o4-mini",
	Concurrency: 1,
	BatchSize:   DefaultBatchSize,
}

// TemplateJob derives an answer template from a reference collection.
type TemplateJob struct {
	InputKey  string
	OutputKey string
	// SplitDir holds the per-batch analyses. Defaults to the output's directory.
	SplitDir  string
	BatchSize int
	Model     string
}

// TemplateSummary reports what a template run did.
type TemplateSummary struct {
	RunID    string        `json:"run_id"`
	Batches  int           `json:"batches"`
	Reused   int           `json:"reused"`
	Analyzed int           `json:"analyzed"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// TemplateRunner runs the template stage: one analysis per batch on the
// executor, then a final synthesis over every batch analysis.
type TemplateRunner struct {
	Store    object.ObjectStore
	Executor *batch.Executor
	LLM      *llm.Retrier
}

// SplitKey is the storage key of batch n's analysis.
func SplitKey(dir string, n int) string {
	return path.Join(dir, fmt.Sprintf("answer_template_split_%d.txt", n))
}

// Run executes job. Batch analyses already stored from an earlier run are
// reused; a failed batch is not stored and aborts the synthesis.
func (r *TemplateRunner) Run(ctx context.Context, job TemplateJob) (TemplateSummary, error) {
	start := time.Now()
	summary := TemplateSummary{RunID: uuid.NewString()}
	if r.Executor == nil || r.Executor.Concurrency < 1 {
		return summary, batch.ErrInvalidConcurrency
	}
	size := job.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	splitDir := job.SplitDir
	if splitDir == "" {
		splitDir = path.Dir(job.OutputKey)
	}

	input, err := collection.Load(ctx, r.Store, job.InputKey)
	if err != nil {
		return summary, fmt.Errorf("%w %s: %w", batch.ErrLoadInput, job.InputKey, err)
	}
	batches := splitBatches(input, size)
	summary.Batches = len(batches)
	if len(batches) == 0 {
		return summary, fmt.Errorf("%w %s: collection is empty", batch.ErrLoadInput, job.InputKey)
	}

	analyses := make([]string, len(batches))
	var pending []collection.Item
	for i := range batches {
		n := i + 1
		text, err := r.readSplit(ctx, SplitKey(splitDir, n))
		if err != nil {
			return summary, err
		}
		if text != "" {
			analyses[i] = text
			summary.Reused++
			continue
		}
		pending = append(pending, collection.Item{batchField: n})
	}

	telemetry.Info("template.start", map[string]any{
		"run_id":     summary.RunID,
		"input":      job.InputKey,
		"batches":    summary.Batches,
		"reused":     summary.Reused,
		"pending":    len(pending),
		"batch_size": size,
	})

	runObserver, _ := r.Executor.Observer.(batch.RunObserver)
	if runObserver != nil && len(pending) > 0 {
		runObserver.OnRunStart(batch.RunInfo{
			RunID:       summary.RunID,
			Stage:       Template,
			Model:       job.Model,
			InputKey:    job.InputKey,
			OutputKey:   job.OutputKey,
			IDField:     batchField,
			Total:       summary.Batches,
			AlreadyDone: summary.Reused,
			Pending:     len(pending),
			StartedAt:   start,
		})
	}

	runErr := r.analyze(ctx, job, splitDir, batches, pending, analyses, &summary)
	if runErr == nil {
		runErr = r.synthesize(ctx, job, analyses)
	}
	summary.Duration = time.Since(start)
	if runObserver != nil && len(pending) > 0 {
		runObserver.OnRunDone(batch.Summary{
			RunID:       summary.RunID,
			Stage:       Template,
			Total:       summary.Batches,
			AlreadyDone: summary.Reused,
			Dispatched:  summary.Analyzed + summary.Failed,
			Succeeded:   summary.Analyzed,
			Failed:      summary.Failed,
			Duration:    summary.Duration,
		}, runErr)
	}
	if runErr != nil {
		return summary, runErr
	}

	telemetry.Info("template.finished", map[string]any{
		"run_id":      summary.RunID,
		"output":      job.OutputKey,
		"analyzed":    summary.Analyzed,
		"reused":      summary.Reused,
		"duration_ms": summary.Duration.Milliseconds(),
	})
	return summary, nil
}

func (r *TemplateRunner) analyze(ctx context.Context, job TemplateJob, splitDir string, batches [][]collection.Item, pending []collection.Item, analyses []string, summary *TemplateSummary) error {
	if len(pending) == 0 {
		return nil
	}
	work := func(ctx context.Context, it collection.Item) (collection.Item, error) {
		n, ok := it[batchField].(int)
		if !ok || n < 1 || n > len(batches) {
			return nil, fmt.Errorf("unknown template batch %v", it[batchField])
		}
		it[analysisField] = r.LLM.CompleteOrMarker(ctx, llm.Request{
			Model:  job.Model,
			Prompt: prompts.TemplateAnalysis(batches[n-1], n, len(batches)),
		})
		return it, nil
	}
	results, err := r.Executor.Stream(ctx, pending, work)
	if err != nil {
		return err
	}

	saveCtx := context.WithoutCancel(ctx)
	done := 0
	var saveErr error
	for res := range results {
		done++
		n, _ := res.Item[batchField].(int)
		if res.Failed {
			summary.Failed++
			telemetry.Warn("template.batch.failed", map[string]any{
				"run_id": summary.RunID,
				"batch":  n,
				"error":  res.Item.String(analysisField),
			})
			continue
		}
		text := res.Item.String(analysisField)
		analyses[n-1] = text
		key := SplitKey(splitDir, n)
		if _, err := r.Store.SaveWithKey(saveCtx, key, "text/plain; charset=utf-8", strings.NewReader(text)); err != nil {
			telemetry.Error("template.batch.save_failed", map[string]any{"run_id": summary.RunID, "split": key, "error": err.Error()})
			if saveErr == nil {
				saveErr = fmt.Errorf("save batch analysis %s: %w", key, err)
			}
		}
		summary.Analyzed++
		telemetry.Info("template.batch.done", map[string]any{
			"run_id":      summary.RunID,
			"batch":       n,
			"split":       key,
			"duration_ms": res.Duration.Milliseconds(),
		})
	}

	if saveErr != nil {
		return saveErr
	}
	if remaining := len(pending) - done; remaining > 0 && ctx.Err() != nil {
		return fmt.Errorf("run interrupted with %d batches pending: %w", remaining, ctx.Err())
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d template batches failed", summary.Failed, len(batches))
	}
	return nil
}

func (r *TemplateRunner) synthesize(ctx context.Context, job TemplateJob, analyses []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted before synthesis: %w", err)
	}
	final, err := r.LLM.Complete(ctx, llm.Request{Model: job.Model, Prompt: prompts.FinalAnalysis(analyses)})
	if err != nil {
		return fmt.Errorf("final template synthesis: %w", err)
	}
	if _, err := r.Store.SaveWithKey(context.WithoutCancel(ctx), job.OutputKey, "text/plain; charset=utf-8", strings.NewReader(final)); err != nil {
		return fmt.Errorf("save answer template %s: %w", job.OutputKey, err)
	}
	return nil
}

// readSplit returns a stored batch analysis, or "" when it is missing or holds a failure marker.
func (r *TemplateRunner) readSplit(ctx context.Context, key string) (string, error) {
	data, err := object.ReadAll(ctx, r.Store, key)
	if err != nil {
		if object.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("read batch analysis %s: %w", key, err)
	}
	text := strings.TrimSpace(string(data))
	if llm.IsMarker(text) {
		return "", nil
	}
	return text, nil
}

func splitBatches(items []collection.Item, size int) [][]collection.Item {
	var out [][]collection.Item
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
