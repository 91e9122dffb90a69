// Package cli wires the physpipe commands.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"physics-pipeline/internal/bootstrap"
	"physics-pipeline/internal/shared/config"
	"physics-pipeline/internal/shared/server"
	"physics-pipeline/internal/shared/telemetry"
)

type rootOptions struct {
	configPath string
	debug      bool
	httpAddr   string
	logFormat  string

	cfg config.Config
}

// NewRootCmd creates the root command for the physpipe CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "physpipe",
		Short: "Resumable LLM pipeline for multimodal physics problems",
		Long: `physpipe runs the stages of a physics problem pipeline over JSON collections:
caption, predict, refine, template and adjust. Every stage resumes from its own
output file, so an interrupted run continues where it stopped.`,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&opts.httpAddr, "http-addr", "", "serve progress, run history and metrics on this address while running")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: auto, console or json")

	for _, name := range []string{"caption", "predict", "refine", "adjust"} {
		cmd.AddCommand(newStageCmd(opts, name))
	}
	cmd.AddCommand(newTemplateCmd(opts), newMigrateCmd(opts))
	return cmd
}

const rootCmdExample = `  # Caption every problem image, 16 requests at a time
  physpipe caption --input ./dev.json --output ./outputs/total_caption.json

  # Solve the captioned problems with o3, checkpointing every 10 items
  physpipe predict --model o3 --checkpoint-every 10

  # Derive an answer template, then reformat refined answers after it
  physpipe template --input ./dev.json --batch-size 25
  physpipe adjust --template ./outputs/answer_template.txt

  # Watch progress while a stage runs
  physpipe refine --http-addr :8080`

func (o *rootOptions) load(stderr io.Writer) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.httpAddr != "" {
		cfg.HTTPAddr = o.httpAddr
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	level := cfg.LogLevel
	if o.debug {
		level = "debug"
	}
	telemetry.Configure(telemetry.Options{Level: level, Format: cfg.LogFormat, Out: stderr})
	o.cfg = cfg
	return nil
}

// withApp builds the shared dependencies for one command and, when an HTTP
// address is configured, serves the progress API until fn returns.
func (o *rootOptions) withApp(ctx context.Context, cfg config.Config, fn func(ctx context.Context, app *bootstrap.App) error) error {
	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			telemetry.Warn("db.close.failed", map[string]any{"error": err.Error()})
		}
	}()

	if strings.TrimSpace(cfg.HTTPAddr) != "" {
		srvCtx, stop := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- server.Serve(srvCtx, cfg.HTTPAddr, app.Router()) }()
		defer func() {
			stop()
			if err := <-errCh; err != nil {
				telemetry.Error("http.serve.failed", map[string]any{"addr": cfg.HTTPAddr, "error": err.Error()})
			}
		}()
	}

	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
