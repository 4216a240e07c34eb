package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/app"
	"github.com/dishwire/dishwire/internal/config"
	"github.com/dishwire/dishwire/internal/pipeline"
)

// newTriggerCmd creates the 'trigger' subcommand, which submits one manual
// collection job and exits. It is meant for operators running against the
// shared postgres/pubsub backends; with in-memory backends the job has no
// worker to pick it up.
func newTriggerCmd() *cobra.Command {
	var source, keyword string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Submit a manual collection job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer a.Close()

			target := pipeline.Target{Source: source, Keyword: keyword}
			spec, err := a.Scheduler().Submit(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			a.Logger().Info("job submitted",
				zap.String("job_id", spec.ID),
				zap.String("source", source),
				zap.String("keyword", keyword),
			)
			fmt.Println(spec.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "forum source to collect from")
	cmd.Flags().StringVar(&keyword, "keyword", "", "optional keyword to search instead of the chronological feed")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}
