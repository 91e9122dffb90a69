package batch

import (
	"sync"
	"time"

	"physics-pipeline/internal/collection"
)

const percentMultiplier = 100

// Progress tracks the current run for the progress endpoint.
// It is safe for concurrent use.
type Progress struct {
	mu        sync.RWMutex
	info      RunInfo
	inFlight  int
	done      int
	failed    int
	finished  bool
	runErr    string
	updatedAt time.Time
}

// ProgressSnapshot is an immutable copy of the progress state.
type ProgressSnapshot struct {
	RunID           string    `json:"run_id"`
	Stage           string    `json:"stage"`
	Model           string    `json:"model"`
	Total           int       `json:"total"`
	AlreadyDone     int       `json:"already_done"`
	Pending         int       `json:"pending"`
	InFlight        int       `json:"in_flight"`
	Done            int       `json:"done"`
	Failed          int       `json:"failed"`
	Finished        bool      `json:"finished"`
	Error           string    `json:"error,omitempty"`
	PercentComplete float64   `json:"percent_complete"`
	ItemsPerSecond  float64   `json:"items_per_second"`
	ElapsedSeconds  float64   `json:"elapsed_seconds"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewProgress returns an idle tracker.
func NewProgress() *Progress {
	return &Progress{}
}

func (p *Progress) OnRunStart(info RunInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = info
	p.inFlight, p.done, p.failed = 0, 0, 0
	p.finished = false
	p.runErr = ""
	p.updatedAt = time.Now()
}

func (p *Progress) OnItemStart(collection.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight++
	p.updatedAt = time.Now()
}

func (p *Progress) OnItemDone(done, total int, result collection.Item, d time.Duration, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight > 0 {
		p.inFlight--
	}
	p.done = done
	if failed {
		p.failed++
	}
	p.updatedAt = time.Now()
}

func (p *Progress) OnRunDone(summary Summary, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	p.inFlight = 0
	if err != nil {
		p.runErr = err.Error()
	}
	p.updatedAt = time.Now()
}

// Snapshot returns the current state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := ProgressSnapshot{
		RunID:       p.info.RunID,
		Stage:       p.info.Stage,
		Model:       p.info.Model,
		Total:       p.info.Total,
		AlreadyDone: p.info.AlreadyDone,
		Pending:     p.info.Pending,
		InFlight:    p.inFlight,
		Done:        p.done,
		Failed:      p.failed,
		Finished:    p.finished,
		Error:       p.runErr,
		StartedAt:   p.info.StartedAt,
		UpdatedAt:   p.updatedAt,
	}
	if p.info.Pending > 0 {
		snap.PercentComplete = float64(p.done) / float64(p.info.Pending) * percentMultiplier
	}
	if !p.info.StartedAt.IsZero() {
		elapsed := p.updatedAt.Sub(p.info.StartedAt)
		if !p.finished {
			elapsed = time.Since(p.info.StartedAt)
		}
		snap.ElapsedSeconds = elapsed.Seconds()
		if elapsed > 0 {
			snap.ItemsPerSecond = float64(p.done) / elapsed.Seconds()
		}
	}
	return snap
}

var _ RunObserver = (*Progress)(nil)
