package ledger

import "time"

// Run statuses.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Item statuses.
const (
	ItemOK    = "ok"
	ItemError = "error"
)

// Run is one invocation of a pipeline stage.
type Run struct {
	ID          string     `json:"id"`
	Stage       string     `json:"stage"`
	Model       string     `json:"model"`
	InputKey    string     `json:"input_key"`
	OutputKey   string     `json:"output_key"`
	Status      string     `json:"status"`
	Total       int        `json:"total"`
	AlreadyDone int        `json:"already_done"`
	Dispatched  int        `json:"dispatched"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ItemRecord is the outcome of one processed item. ItemID is nil when the
// item had no usable identifier.
type ItemRecord struct {
	RunID       string    `json:"run_id"`
	ItemID      *int64    `json:"item_id,omitempty"`
	Status      string    `json:"status"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
