package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/pipeline"
	"github.com/sells-group/biotech-recon/internal/schedule"
)

var (
	runSources []string
	runLimit   int
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch configured sources and reconcile them into canonical records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sources, err := schedule.Select(cfg.Sources, runSources, runLimit)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report := env.Pipeline.RunSources(ctx, sources)

		zap.L().Info("reconciliation complete",
			zap.String("run_id", report.RunID),
			zap.Int("writes", report.Writes),
			zap.Int("issues", len(report.Issues)),
		)

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			fmt.Fprint(os.Stdout, pipeline.FormatReport(report))
		}

		if report.Aborted {
			return fmt.Errorf("run %s aborted: %s", report.RunID, report.AbortReason)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runSources, "source", nil, "source id to run (repeatable, default all)")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "pilot mode: cap observations per source")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run report as JSON")
	rootCmd.AddCommand(runCmd)
}
