package cli

import (
	"context"

	"github.com/spf13/cobra"

	"physics-pipeline/internal/batch"
	"physics-pipeline/internal/bootstrap"
	"physics-pipeline/internal/stages"
)

func newTemplateCmd(root *rootOptions) *cobra.Command {
	flags := &stageFlags{}
	defaults := stages.TemplateDefaults

	cmd := &cobra.Command{
		Use:   stages.Template,
		Short: "Derive an answer template from reference question/answer pairs",
		Long: `template splits the input collection into batches, asks the model to analyse
the answer format of each batch, stores every batch analysis as
answer_template_split_<n>.txt and finally synthesizes one answer template.
Batch analyses stored by an earlier run are reused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := flags.resolve(cmd, root.cfg.StageSettings(stages.Template, defaults))
			return root.withApp(cmd.Context(), root.cfg, func(ctx context.Context, app *bootstrap.App) error {
				runner := &stages.TemplateRunner{
					Store: app.Store,
					Executor: &batch.Executor{
						Concurrency: settings.Concurrency,
						OutputField: "analysis",
						Observer:    app.Observer(),
					},
					LLM: app.LLM,
				}
				summary, err := runner.Run(ctx, stages.TemplateJob{
					InputKey:  settings.Input,
					OutputKey: settings.Output,
					SplitDir:  settings.SplitDir,
					BatchSize: settings.BatchSize,
					Model:     settings.Model,
				})
				if printErr := printJSON(cmd.OutOrStdout(), summary); printErr != nil && err == nil {
					err = printErr
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&flags.input, "input", defaults.Input, "reference collection key")
	cmd.Flags().StringVar(&flags.output, "output", defaults.Output, "answer template key")
	cmd.Flags().StringVar(&flags.model, "model", defaults.Model, "model name")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", defaults.Concurrency, "batches analysed at once")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", defaults.BatchSize, "question/answer pairs per batch")
	cmd.Flags().StringVar(&flags.splitDir, "split-dir", "", "directory of per-batch analyses (default: the output's directory)")
	return cmd
}
