package stages

import (
	"context"
	"errors"
	"strings"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/collection"
	"physics-pipeline/internal/extract"
	"physics-pipeline/internal/llm"
	"physics-pipeline/internal/prompts"
)

type refineStep struct {
	key   string
	field string
	tag   string
	build func(collection.Item) string
}

// Step 1 feeds refined_reasoning to steps 2 to 4; those three do not read each other.
var refineSteps = []refineStep{
	{key: "step1_general_refinement", field: "refined_reasoning", tag: "refined_reasoning", build: prompts.Refinement},
	{key: "step2_mathematical_accuracy", field: "mathematically_corrected_reasoning", tag: "corrected_solution", build: prompts.MathematicalAccuracy},
	{key: "step3_logical_flow", field: "logically_improved_reasoning", tag: "improved_solution", build: prompts.LogicalFlow},
	{key: "step4_completeness", field: "final_refined_reasoning", tag: "complete_solution", build: prompts.Completeness},
}

func refineWorker(env Env) batch.Worker {
	return func(ctx context.Context, it collection.Item) (collection.Item, error) {
		if strings.TrimSpace(prompts.Reasoning(it)) == "" {
			return nil, errors.New("item has no reasoning to refine")
		}

		raw := make(map[string]any, len(refineSteps))
		it["refinement_steps"] = raw
		for _, step := range refineSteps {
			resp := env.LLM.CompleteOrMarker(ctx, llm.Request{Model: env.Model, Prompt: step.build(it)})
			raw[step.key] = resp
			if llm.IsMarker(resp) {
				it[step.field] = resp
				it["error"] = resp
				return it, nil
			}
			it[step.field] = extract.Tagged(resp, step.tag)
		}
		return it, nil
	}
}
