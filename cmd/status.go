package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/parcelgrid/enrich-cli/internal/registry"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show live status counts for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, err := registry.New(st).Status(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "status")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"run_id":      status.Run.ID,
			"label":       status.Run.Label,
			"soft_paused": status.Run.SoftPaused,
			"totals":      status.Totals,
			"spent_cents": status.Run.BudgetSpentCents,
			"cap_cents":   status.Run.BudgetCapCents,
			"finished_at": status.Run.FinishedAt,
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
