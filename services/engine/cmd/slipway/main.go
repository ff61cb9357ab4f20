package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"slipway/pkg/bus"
	"slipway/pkg/proc"
	"slipway/pkg/render"
	gos3 "slipway/pkg/s3"
	"slipway/pkg/telemetry"
	"slipway/services/engine/archive"
	"slipway/services/engine/artifact"
	"slipway/services/engine/deploy"
	"slipway/services/engine/health"
	"slipway/services/engine/internal/config"
	"slipway/services/engine/metrics"
	"slipway/services/engine/notify"
	"slipway/services/engine/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "slipway",
		Short:         "Deployment pipeline engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newValidateCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline declared by the environment and pipeline file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			file, err := config.LoadPipelineFile(cfg.PipelineFile)
			if err != nil {
				return err
			}
			if err := config.Preflight(cfg, file); err != nil {
				return err
			}

			logger := telemetry.NewLogger("slipway")
			runner := proc.NewRunner()

			renderer, err := render.New()
			if err != nil {
				return fmt.Errorf("load report templates: %w", err)
			}

			coordinator := &pipeline.Coordinator{
				Logger:   logger,
				Runner:   runner,
				Builder:  &artifact.Builder{Runner: runner, Logger: logger},
				Deployer: &deploy.Orchestrator{Runner: runner, Logger: logger},
				Verifier: &health.Verifier{Logger: logger},
				Notifier: &notify.Reporter{
					WebhookURL: cfg.WebhookURL,
					Channel:    cfg.WebhookChannel,
					Logger:     logger,
					Renderer:   renderer,
				},
				Metrics: metrics.New(prometheus.NewRegistry()),
				Tracer:  telemetry.Tracer("slipway"),
			}

			if cfg.NATSURL != "" {
				b, err := bus.New(cfg.NATSURL)
				if err != nil {
					logger.Warn("event bus unavailable; runs will not be published", "error", err)
				} else {
					defer b.Close()
					coordinator.Events = &pipeline.BusSink{Bus: b, Logger: logger}
				}
			}

			run, err := coordinator.Execute(ctx, config.BuildPlan(cfg, file))
			if err != nil {
				return err
			}

			archiveRun(ctx, cfg, run, logger)

			switch run.Status {
			case pipeline.StatusPartialFailure:
				logger.Warn("pipeline completed with warnings", "reason", run.Reason)
			case pipeline.StatusFailed:
				return fmt.Errorf("pipeline failed: %s", run.Reason)
			}
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline file and environment without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			file, err := config.LoadPipelineFile(cfg.PipelineFile)
			if err != nil {
				return err
			}
			if err := config.Preflight(cfg, file); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d artifacts, %d services, %d checks)\n",
				cfg.PipelineFile, len(file.Artifacts), len(file.Services), len(file.Checks))
			return nil
		},
	}
}

// archiveRun uploads the finalized report when a bucket is configured. Upload
// failure never changes the run outcome.
func archiveRun(ctx context.Context, cfg config.Config, run *pipeline.Run, logger *slog.Logger) {
	if cfg.ArchiveBucket == "" {
		return
	}
	client, err := gos3.NewClientFromEnv()
	if err != nil {
		logger.Warn("report archive skipped", "error", err)
		return
	}
	archiver := &archive.Archiver{Store: client, Bucket: cfg.ArchiveBucket, Logger: logger}
	if err := archiver.Archive(ctx, run); err != nil {
		logger.Warn("report archive failed", "error", err)
	}
}
