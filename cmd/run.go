package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dishwire/dishwire/internal/app"
	"github.com/dishwire/dishwire/internal/config"
)

// newRunCmd creates the 'run' subcommand, which runs the scheduler, the
// executor workers, and the admin HTTP server until interrupted.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the collection pipeline",
		Long: `Starts the full pipeline: the scheduler emits collection jobs on its
tick interval, executor workers drain the job queue, and the admin HTTP
server exposes job management and metrics endpoints.`,
		RunE: runPipelineCommand,
	}
}

func runPipelineCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run pipeline: %w", err)
	}
	a.Logger().Info("pipeline stopped")
	return nil
}
