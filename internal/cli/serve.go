package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/tiermem/internal/scheduler"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run maintenance on the configured schedule until interrupted",
		Run:   runServe,
	}

	cmd.Flags().String("schedule", "", "Override maintenance.schedule (cron expression or @every)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	spec, _ := cmd.Flags().GetString("schedule")
	if spec == "" {
		spec = cfg.Maintenance.Schedule
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := openManager(cmd)
	if err != nil {
		exitErr("open", err)
	}
	defer m.Close()

	s := scheduler.New(spec, func(ctx context.Context) error {
		rep, err := m.Maintain(ctx)
		if err == nil {
			logger.Info("maintenance cycle",
				zap.Int("recovered", rep.Recovered),
				zap.Int("merged", len(rep.Consolidation.Merges)),
				zap.Int("archived", rep.Archive.Archived))
		}
		return err
	}, logger.Named("scheduler"))

	if err := s.Start(ctx); err != nil {
		exitErr("serve", err)
	}
	<-ctx.Done()
	s.Stop()
}
