package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/bootstrap"
	"physics-pipeline/internal/shared/config"
	"physics-pipeline/internal/stages"
)

type stageFlags struct {
	input           string
	output          string
	model           string
	concurrency     int
	checkpointEvery int
	imageRoot       string
	template        string
	idField         string
	batchSize       int
	splitDir        string
}

var stageShort = map[string]string{
	stages.Caption: "Describe each problem's images as structured text",
	stages.Predict: "Solve each problem from its images, description and question",
	stages.Refine:  "Refine each solution in four review passes",
	stages.Adjust:  "Reformat each answer after an answer template",
}

func newStageCmd(root *rootOptions, name string) *cobra.Command {
	stage, ok := stages.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("cli: unknown stage %q", name))
	}
	flags := &stageFlags{}

	cmd := &cobra.Command{
		Use:   name,
		Short: stageShort[name],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := flags.resolve(cmd, root.cfg.StageSettings(name, stage.Defaults))
			cfg := root.cfg
			if cmd.Flags().Changed("image-root") {
				cfg.Storage.ImageRoot = flags.imageRoot
			}
			return root.withApp(cmd.Context(), cfg, func(ctx context.Context, app *bootstrap.App) error {
				summary, err := runStage(ctx, app, stage, settings)
				if printErr := printJSON(cmd.OutOrStdout(), summary); printErr != nil && err == nil {
					err = printErr
				}
				return err
			})
		},
	}

	flags.register(cmd, stage.Defaults, name == stages.Adjust)
	return cmd
}

func (f *stageFlags) register(cmd *cobra.Command, defaults config.StageSettings, withTemplate bool) {
	cmd.Flags().StringVar(&f.input, "input", defaults.Input, "input collection key")
	cmd.Flags().StringVar(&f.output, "output", defaults.Output, "output collection key")
	cmd.Flags().StringVar(&f.model, "model", defaults.Model, "model name")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", defaults.Concurrency, "items in flight at once")
	cmd.Flags().IntVar(&f.checkpointEvery, "checkpoint-every", defaults.CheckpointEvery, "rewrite the output after every N items (0 = only at the end)")
	cmd.Flags().StringVar(&f.imageRoot, "image-root", "images", "root directory or key prefix of problem images")
	cmd.Flags().StringVar(&f.idField, "id-field", "", "identifier field of the collection (default \"index\")")
	if withTemplate {
		cmd.Flags().StringVar(&f.template, "template", defaults.Template, "answer template document (.txt or .pdf)")
	}
}

// resolve applies explicitly set flags over settings.
func (f *stageFlags) resolve(cmd *cobra.Command, settings config.StageSettings) config.StageSettings {
	changed := cmd.Flags().Changed
	if changed("input") {
		settings.Input = f.input
	}
	if changed("output") {
		settings.Output = f.output
	}
	if changed("model") {
		settings.Model = f.model
	}
	if changed("concurrency") {
		settings.Concurrency = f.concurrency
	}
	if changed("checkpoint-every") {
		settings.CheckpointEvery = f.checkpointEvery
	}
	if changed("template") {
		settings.Template = f.template
	}
	if changed("id-field") {
		settings.IDField = f.idField
	}
	if changed("batch-size") {
		settings.BatchSize = f.batchSize
	}
	if changed("split-dir") {
		settings.SplitDir = f.splitDir
	}
	return settings
}

func runStage(ctx context.Context, app *bootstrap.App, stage stages.Stage, settings config.StageSettings) (batch.Summary, error) {
	if settings.CheckpointEvery < 0 {
		return batch.Summary{Stage: stage.Name}, fmt.Errorf("checkpoint-every must be >= 0, got %d", settings.CheckpointEvery)
	}
	env := stages.Env{
		LLM:    app.LLM,
		Images: app.Images,
		Model:  settings.Model,
	}
	if stage.Name == stages.Adjust {
		text, err := stages.LoadTemplate(ctx, app.Store, settings.Template)
		if err != nil {
			return batch.Summary{Stage: stage.Name}, err
		}
		env.Template = text
	}

	driver := &batch.Driver{
		Store:           app.Store,
		Executor:        stage.Executor(settings.Concurrency, app.Observer()),
		IDField:         settings.IDField,
		CheckpointEvery: settings.CheckpointEvery,
	}
	return driver.Run(ctx, batch.Job{
		Stage:     stage.Name,
		Model:     settings.Model,
		InputKey:  settings.Input,
		OutputKey: settings.Output,
		Worker:    stage.NewWorker(env),
	})
}
