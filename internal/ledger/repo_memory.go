package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRepo stores the ledger in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu    sync.RWMutex
	runs  map[string]Run
	items map[string][]ItemRecord
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		runs:  make(map[string]Run),
		items: make(map[string][]ItemRecord),
	}
}

// CreateRun stores a new run.
func (r *MemoryRepo) CreateRun(ctx context.Context, run Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(run.ID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

// FinishRun records the final status and counts of a run.
func (r *MemoryRepo) FinishRun(ctx context.Context, run Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = run.Status
	existing.Dispatched = run.Dispatched
	existing.Succeeded = run.Succeeded
	existing.Failed = run.Failed
	existing.Error = run.Error
	existing.FinishedAt = run.FinishedAt
	r.runs[run.ID] = existing
	return nil
}

// AddItem appends an item outcome to its run.
func (r *MemoryRepo) AddItem(ctx context.Context, item ItemRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[item.RunID]; !ok {
		return ErrNotFound
	}
	r.items[item.RunID] = append(r.items[item.RunID], item)
	return nil
}

// GetRun returns a run by ID.
func (r *MemoryRepo) GetRun(ctx context.Context, runID string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by stage.
func (r *MemoryRepo) ListRuns(ctx context.Context, stage string, limit int) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	r.mu.RLock()
	out := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		if stage == "" || run.Stage == stage {
			out = append(out, run)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListItems returns the item outcomes of a run in completion order.
func (r *MemoryRepo) ListItems(ctx context.Context, runID string) ([]ItemRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	items := r.items[runID]
	out := make([]ItemRecord, len(items))
	copy(out, items)
	return out, nil
}

var _ Repo = (*MemoryRepo)(nil)
