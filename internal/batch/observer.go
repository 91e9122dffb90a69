package batch

import (
	"time"

	"physics-pipeline/internal/collection"
)

// Observer receives item progress from the Executor. OnItemStart runs on
// worker goroutines; OnItemDone calls are serialized.
type Observer interface {
	OnItemStart(item collection.Item)
	OnItemDone(done, total int, result collection.Item, d time.Duration, failed bool)
}

// RunObserver is an Observer that also wants run boundaries from the Driver.
type RunObserver interface {
	Observer
	OnRunStart(info RunInfo)
	OnRunDone(summary Summary, err error)
}

// RunInfo describes a run once its work set is known.
type RunInfo struct {
	RunID       string
	Stage       string
	Model       string
	InputKey    string
	OutputKey   string
	IDField     string
	Total       int
	AlreadyDone int
	Pending     int
	StartedAt   time.Time
}

// Observers fans events out to every non-nil member.
type Observers []Observer

func (o Observers) OnItemStart(item collection.Item) {
	for _, obs := range o {
		if obs != nil {
			obs.OnItemStart(item)
		}
	}
}

func (o Observers) OnItemDone(done, total int, result collection.Item, d time.Duration, failed bool) {
	for _, obs := range o {
		if obs != nil {
			obs.OnItemDone(done, total, result, d, failed)
		}
	}
}

func (o Observers) OnRunStart(info RunInfo) {
	for _, obs := range o {
		if ro, ok := obs.(RunObserver); ok {
			ro.OnRunStart(info)
		}
	}
}

func (o Observers) OnRunDone(summary Summary, err error) {
	for _, obs := range o {
		if ro, ok := obs.(RunObserver); ok {
			ro.OnRunDone(summary, err)
		}
	}
}

var _ RunObserver = Observers(nil)
