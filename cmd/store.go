package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/export"
	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var (
	exportOut     string
	exportChanges bool
	exportStatus  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write canonical records and their change history to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("export"); err != nil {
			return err
		}
		st, schema, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := export.Save(cmd.Context(), exportOut, st, schema, export.Options{
			Status:  model.RecordStatus(exportStatus),
			Changes: exportChanges,
		})
		if err != nil {
			return err
		}
		zap.L().Info("export complete", zap.String("path", exportOut), zap.Int("records", n))
		return nil
	},
}

// entityView is the JSON shape of the entity command and endpoint.
type entityView struct {
	Record  *model.CanonicalRecord `json:"record"`
	Quality float64                `json:"quality_score"`
	History []model.ChangeDelta    `json:"history"`
}

func loadEntity(ctx context.Context, st store.Store, schema *model.Schema, id model.EntityID) (*entityView, error) {
	rec, err := st.GetCanonical(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := st.ListDeltas(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "list history for %s", id)
	}
	return &entityView{Record: rec, Quality: rec.QualityScore(schema), History: history}, nil
}

var entityCmd = &cobra.Command{
	Use:   "entity <id>",
	Short: "Print a canonical record and its change history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("entity"); err != nil {
			return err
		}
		st, schema, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		view, err := loadEntity(cmd.Context(), st, schema, model.EntityID(args[0]))
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("entity %s not found", args[0])
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "biotech-startups.xlsx", "output workbook path")
	exportCmd.Flags().BoolVar(&exportChanges, "changes", true, "include the change history sheet")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "only export records with this status")
	rootCmd.AddCommand(migrateCmd, exportCmd, entityCmd)
}
