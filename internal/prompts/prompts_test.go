package prompts

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"physics-pipeline/internal/collection"
)

func TestCaptionAppendsQuestion(t *testing.T) {
	got := Caption("A block slides down a 30 degree incline.")
	assert.True(t, strings.HasPrefix(got, "You are a meticulous Physics Data Annotation Specialist."))
	assert.True(t, strings.HasSuffix(got, "\n Original question: A block slides down a 30 degree incline."))
}

func TestPredictionSignificantFigures(t *testing.T) {
	tests := []struct {
		name    string
		sigFigs any
		want    string
	}{
		{name: "integer", sigFigs: json.Number("3"), want: "3"},
		{name: "float", sigFigs: json.Number("2.0"), want: "2"},
		{name: "string", sigFigs: "4", want: "4"},
		{name: "zero", sigFigs: json.Number("0")},
		{name: "empty", sigFigs: ""},
		{name: "missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := collection.Item{"description": "two masses on a pulley", "question": "Find a."}
			if tt.sigFigs != nil {
				it["sig_figs"] = tt.sigFigs
			}
			got := Prediction(it)
			assert.Contains(t, got, "\n Image Description: two masses on a pulley\n Question: Find a.")
			if tt.want == "" {
				assert.NotContains(t, got, "significant figures.")
				return
			}
			assert.True(t, strings.HasSuffix(got, "\n The final answer MUST retain "+tt.want+" significant figures."))
		})
	}
}

func TestPredictionKeepsLatexBackslashes(t *testing.T) {
	got := Prediction(collection.Item{"description": "d", "question": "q"})
	assert.Contains(t, got, `\boxed{4.9 \, \text{m/s}^2}`)
}

func TestRefinementUsesFirstImageDescription(t *testing.T) {
	it := collection.Item{
		"question":          "What is the tension?",
		"image_description": []any{"first figure", "second figure"},
		"caption":           "a hanging mass",
		"reasoning":         "T = mg",
	}
	got := Refinement(it)
	assert.Contains(t, got, "Question: What is the tension?")
	assert.Contains(t, got, "Image Description: first figure")
	assert.NotContains(t, got, "second figure")
	assert.Contains(t, got, "Caption: a hanging mass")
	assert.Contains(t, got, "Current Reasoning: T = mg")
	assert.Contains(t, got, "<refined_reasoning> </refined_reasoning>")
}

func TestRefinementStepsPreferRefinedReasoning(t *testing.T) {
	it := collection.Item{
		"question":          "q",
		"image_description": "single figure",
		"reasoning":         "original",
		"refined_reasoning": "refined",
	}
	for name, build := range map[string]func(collection.Item) string{
		"math":         MathematicalAccuracy,
		"flow":         LogicalFlow,
		"completeness": Completeness,
	} {
		got := build(it)
		assert.Contains(t, got, "Current Solution: refined", name)
		assert.Contains(t, got, "Image Description: single figure", name)
	}

	delete(it, "refined_reasoning")
	assert.Contains(t, MathematicalAccuracy(it), "Current Solution: original")
}

func TestRefinementStepTags(t *testing.T) {
	it := collection.Item{"question": "q"}
	assert.Contains(t, MathematicalAccuracy(it), "<corrected_solution> </corrected_solution>")
	assert.Contains(t, LogicalFlow(it), "<improved_solution> </improved_solution>")
	assert.Contains(t, Completeness(it), "<complete_solution> </complete_solution>")
}

func TestAnswerAdjustment(t *testing.T) {
	it := collection.Item{"question": "q", "prediction": "v = 3 m/s", "answer": "3"}
	got := AnswerAdjustment(it, "Step 1 ... Final: \\boxed{}")
	assert.Contains(t, got, "Original Answer: v = 3 m/s")
	assert.Contains(t, got, "Answer Template (Reference Format): Step 1 ... Final: \\boxed{}")
	assert.Contains(t, got, "<adjusted_answer> </adjusted_answer>")

	delete(it, "prediction")
	assert.Equal(t, "3", Answer(it))
}

func TestTemplateAnalysisNumbersPairs(t *testing.T) {
	items := []collection.Item{
		{"question": "q1", "answer": "a1"},
		{"question": "q2", "answer": "a2"},
	}
	got := TemplateAnalysis(items, 2, 5)
	assert.Contains(t, got, "2 question-answer pairs")
	assert.Contains(t, got, "batch 2 of 5")
	assert.Contains(t, got, "Pair 1:\nQuestion: q1\nAnswer: a1")
	assert.Contains(t, got, "Pair 2:\nQuestion: q2\nAnswer: a2")
}

func TestFinalAnalysisNumbersBatches(t *testing.T) {
	got := FinalAnalysis([]string{"first", "second"})
	require.Contains(t, got, "Batch 1 Analysis:\nfirst")
	assert.Contains(t, got, "Batch 2 Analysis:\nsecond")
}

func TestSigFigs(t *testing.T) {
	n, ok := SigFigs(collection.Item{"sig_figs": json.Number("3.7")})
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = SigFigs(collection.Item{"sig_figs": "three"})
	assert.False(t, ok)
}

func TestReasoningFallsBackToPrediction(t *testing.T) {
	it := collection.Item{"question": "q", "prediction": "step 1 ... \\boxed{2}"}
	assert.Equal(t, "step 1 ... \\boxed{2}", Reasoning(it))
	assert.Contains(t, Refinement(it), "Current Reasoning: step 1 ... \\boxed{2}")
	assert.Contains(t, Completeness(it), "Current Solution: step 1 ... \\boxed{2}")
}
