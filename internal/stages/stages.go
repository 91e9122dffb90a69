// Package stages defines the per-item work of each pipeline stage.
package stages

import (
	"context"
	"errors"
	"sort"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/collection"
	"physics-pipeline/internal/llm"
	"physics-pipeline/internal/prompts"
	"physics-pipeline/internal/shared/config"
	"physics-pipeline/internal/shared/storage/object"
)

// Stage names.
const (
	Caption  = "caption"
	Predict  = "predict"
	Refine   = "refine"
	Adjust   = "adjust"
	Template = "template"
)

// Env is what a stage worker needs from the running process.
type Env struct {
	LLM    *llm.Retrier
	Images object.ObjectStore
	Model  string
	// Template is the answer template text used by the adjust stage.
	Template string
}

// Stage describes one item-level pipeline stage.
type Stage struct {
	Name        string
	OutputField string
	// ErrorField receives unrecoverable failure markers. Empty means OutputField.
	ErrorField string
	Defaults   config.StageSettings
	NewWorker  func(env Env) batch.Worker
}

// Executor returns an executor configured with the stage's fields.
func (s Stage) Executor(concurrency int, observer batch.Observer) *batch.Executor {
	return &batch.Executor{
		Concurrency: concurrency,
		OutputField: s.OutputField,
		ErrorField:  s.ErrorField,
		Observer:    observer,
	}
}

var registry = map[string]Stage{
	Caption: {
		Name:        Caption,
		OutputField: "description",
		Defaults: config.StageSettings{
			Input:       "./dev.json",
			Output:      "./outputs/total_caption.json",
			Model:       "gpt-4o",
			Concurrency: 4,
		},
		NewWorker: captionWorker,
	},
	Predict: {
		Name:        Predict,
		OutputField: "prediction",
		Defaults: config.StageSettings{
			Input:       "./outputs/total_caption.json",
			Output:      "./outputs/prediction.json",
			Model:       "o3",
			Concurrency: 16,
		},
		NewWorker: predictWorker,
	},
	Refine: {
		Name:        Refine,
		OutputField: "final_refined_reasoning",
		ErrorField:  "error",
		Defaults: config.StageSettings{
			Input:           "./outputs/prediction.json",
			Output:          "./outputs/prediction_refined.json",
			Model:           "o4-mini",
			Concurrency:     1,
			CheckpointEvery: 1,
		},
		NewWorker: refineWorker,
	},
	Adjust: {
		Name:        Adjust,
		OutputField: "adjusted_answer",
		ErrorField:  "error",
		Defaults: config.StageSettings{
			Input:           "./outputs/prediction_refined.json",
			Output:          "./outputs/prediction_refined_adjusted.json",
			Model:           "o4-mini",
			Concurrency:     1,
			CheckpointEvery: 1,
			Template:        "./outputs/answer_template.txt",
		},
		NewWorker: adjustWorker,
	},
}

// Lookup returns the item-level stage registered under name.
func Lookup(name string) (Stage, bool) {
	s, ok := registry[name]
	return s, ok
}

// Names lists the item-level stages in alphabetical order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var errNoQuestion = errors.New("item has no question")

func captionWorker(env Env) batch.Worker {
	return func(ctx context.Context, it collection.Item) (collection.Item, error) {
		question, ok := it["question"].(string)
		if !ok {
			return nil, errNoQuestion
		}
		images, err := LoadImages(ctx, env.Images, it.Strings("image_path"))
		if err != nil {
			return nil, err
		}
		it["description"] = env.LLM.CompleteOrMarker(ctx, llm.Request{
			Model:  env.Model,
			Prompt: prompts.Caption(question),
			Images: images,
		})
		return it, nil
	}
}

func predictWorker(env Env) batch.Worker {
	return func(ctx context.Context, it collection.Item) (collection.Item, error) {
		if _, ok := it["question"].(string); !ok {
			return nil, errNoQuestion
		}
		images, err := LoadImages(ctx, env.Images, it.Strings("image_path"))
		if err != nil {
			return nil, err
		}
		it["prediction"] = env.LLM.CompleteOrMarker(ctx, llm.Request{
			Model:  env.Model,
			Prompt: prompts.Prediction(it),
			Images: images,
		})
		return it, nil
	}
}
