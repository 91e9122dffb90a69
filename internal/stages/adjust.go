package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/collection"
	"physics-pipeline/internal/extract"
	"physics-pipeline/internal/llm"
	"physics-pipeline/internal/prompts"
	"physics-pipeline/internal/shared/storage/object"
)

// LoadTemplate reads the answer template document (.txt or .pdf) at key.
func LoadTemplate(ctx context.Context, store object.ObjectStore, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("answer template path is required")
	}
	text, err := extract.LoadText(ctx, store, key)
	if err != nil {
		return "", fmt.Errorf("load answer template: %w", err)
	}
	if text == "" {
		return "", fmt.Errorf("answer template %s is empty", key)
	}
	return text, nil
}

func adjustWorker(env Env) batch.Worker {
	return func(ctx context.Context, it collection.Item) (collection.Item, error) {
		if env.Template == "" {
			return nil, errors.New("answer template not loaded")
		}
		resp := env.LLM.CompleteOrMarker(ctx, llm.Request{
			Model:  env.Model,
			Prompt: prompts.AnswerAdjustment(it, env.Template),
		})
		it["original_answer"] = prompts.Answer(it)
		if llm.IsMarker(resp) {
			it["adjusted_answer"] = resp
			it["error"] = resp
			return it, nil
		}
		it["adjusted_answer"] = extract.Tagged(resp, "adjusted_answer")
		return it, nil
	}
}
