package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/schedule"
)

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "temporal: dial %s", cfg.Temporal.HostPort)
	}
	return c, nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker that executes scheduled reconciliation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}
		env, err := initPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		w := schedule.NewWorker(c, cfg.Temporal.TaskQueue, schedule.NewActivities(env.Pipeline, cfg.Sources))
		zap.L().Info("temporal worker started",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.Int("sources", len(cfg.Sources)),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "temporal: worker")
		}
		return nil
	},
}

var (
	scheduleSources []string
	scheduleLimit   int
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Create or update the cron schedule for reconciliation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("schedule"); err != nil {
			return err
		}
		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		return schedule.Register(cmd.Context(), c.ScheduleClient(), schedule.Options{
			ScheduleID: cfg.Temporal.ScheduleID,
			TaskQueue:  cfg.Temporal.TaskQueue,
			Cron:       cfg.Temporal.Cron,
			Input: schedule.RunInput{
				Sources: scheduleSources,
				Limit:   scheduleLimit,
			},
		})
	},
}

func init() {
	scheduleCmd.Flags().StringSliceVar(&scheduleSources, "source", nil, "source id for scheduled runs (repeatable, default all)")
	scheduleCmd.Flags().IntVar(&scheduleLimit, "limit", 0, "cap observations per source in scheduled runs")
	rootCmd.AddCommand(workerCmd, scheduleCmd)
}
