package ledger

import "context"

// Repo defines persistence operations for the run ledger.
type Repo interface {
	CreateRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	AddItem(ctx context.Context, item ItemRecord) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, stage string, limit int) ([]Run, error)
	ListItems(ctx context.Context, runID string) ([]ItemRecord, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
