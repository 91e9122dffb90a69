// Package prompts builds the instruction text sent to the model at each pipeline stage.
package prompts

import (
	"embed"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"physics-pipeline/internal/collection"
)

var (
	//go:embed templates/caption.txt
	captionPrompt string
	//go:embed templates/prediction.txt
	predictionPrompt string

	//go:embed templates/*.tmpl
	templateFS embed.FS

	tmpl = template.Must(template.New("prompts").
		Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
		ParseFS(templateFS, "templates/*.tmpl"))
)

// Caption returns the image annotation prompt for a question.
func Caption(question string) string {
	return captionPrompt + "\n Original question: " + question
}

// Prediction returns the solving prompt for an item carrying a description and a question.
func Prediction(it collection.Item) string {
	var b strings.Builder
	b.WriteString(predictionPrompt)
	b.WriteString("\n Image Description: ")
	b.WriteString(it.String("description"))
	b.WriteString("\n Question: ")
	b.WriteString(it.String("question"))
	if n, ok := SigFigs(it); ok {
		fmt.Fprintf(&b, "\n The final answer MUST retain %d significant figures.", n)
	}
	return b.String()
}

// SigFigs reports the item's significant-figure requirement. Zero, empty and
// non-numeric values mean no requirement.
func SigFigs(it collection.Item) (int, bool) {
	raw := strings.TrimSpace(it.String("sig_figs"))
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

type reasoningData struct {
	Question         string
	ImageDescription string
	Caption          string
	Reasoning        string
}

// Refinement returns the general refinement prompt (step 1).
func Refinement(it collection.Item) string {
	return render("refinement.tmpl", reasoningData{
		Question:         it.String("question"),
		ImageDescription: imageDescription(it),
		Caption:          it.String("caption"),
		Reasoning:        Reasoning(it),
	})
}

// MathematicalAccuracy returns the step 2 prompt.
func MathematicalAccuracy(it collection.Item) string {
	return render("math_accuracy.tmpl", refinedData(it))
}

// LogicalFlow returns the step 3 prompt.
func LogicalFlow(it collection.Item) string {
	return render("logical_flow.tmpl", refinedData(it))
}

// Completeness returns the step 4 prompt.
func Completeness(it collection.Item) string {
	return render("completeness.tmpl", refinedData(it))
}

// AnswerAdjustment returns the prompt that reformats an item's answer after template.
func AnswerAdjustment(it collection.Item, answerTemplate string) string {
	return render("answer_adjustment.tmpl", struct {
		Question string
		Answer   string
		Template string
	}{
		Question: it.String("question"),
		Answer:   Answer(it),
		Template: answerTemplate,
	})
}

// Answer returns the item's prediction, falling back to its reference answer.
func Answer(it collection.Item) string {
	if s := it.String("prediction"); s != "" {
		return s
	}
	return it.String("answer")
}

// Pair is one question/answer example shown to the template analysis.
type Pair struct {
	Question string
	Answer   string
}

// TemplateAnalysis returns the prompt analysing one batch of question/answer pairs.
func TemplateAnalysis(items []collection.Item, batch, total int) string {
	pairs := make([]Pair, 0, len(items))
	for _, it := range items {
		pairs = append(pairs, Pair{Question: it.String("question"), Answer: it.String("answer")})
	}
	return render("template_analysis.tmpl", struct {
		Pairs []Pair
		Batch int
		Total int
	}{Pairs: pairs, Batch: batch, Total: total})
}

// FinalAnalysis returns the prompt combining per-batch analyses into one template.
func FinalAnalysis(results []string) string {
	return render("final_analysis.tmpl", struct{ Results []string }{Results: results})
}

// Reasoning returns the solution to refine: the item's reasoning, or its
// prediction when the item came straight from the predict stage.
func Reasoning(it collection.Item) string {
	if s := it.String("reasoning"); s != "" {
		return s
	}
	return it.String("prediction")
}

func refinedData(it collection.Item) reasoningData {
	reasoning := it.String("refined_reasoning")
	if reasoning == "" {
		reasoning = Reasoning(it)
	}
	return reasoningData{
		Question:         it.String("question"),
		ImageDescription: imageDescription(it),
		Reasoning:        reasoning,
	}
}

// imageDescription prefers the dataset's image_description (first entry when a
// list) and falls back to the caption stage's description.
func imageDescription(it collection.Item) string {
	if list := it.Strings("image_description"); len(list) > 0 {
		return list[0]
	}
	return it.String("description")
}

func render(name string, data any) string {
	var b strings.Builder
	// Templates are parsed at init and their data types are fixed; Execute only
	// fails on a template bug.
	if err := tmpl.ExecuteTemplate(&b, name, data); err != nil {
		panic(fmt.Sprintf("prompts: render %s: %v", name, err))
	}
	return b.String()
}
