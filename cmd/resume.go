package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/parcelgrid/enrich-cli/internal/budget"
)

var resumeCap int64

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Clear a run's budget pause, optionally raising the cap",
	Long:  "Clears the soft-pause flag so dispatchers pick the run back up. A running serve process notices within its re-sync interval.",
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

		if _, err := st.GetRun(ctx, args[0]); err != nil {
			return eris.Wrap(err, "resume")
		}
		if err := budget.NewGuard(st).Resume(ctx, args[0], resumeCap); err != nil {
			return eris.Wrap(err, "resume")
		}

		fmt.Printf("run %s resumed\n", args[0])
		return nil
	},
}

func init() {
	resumeCmd.Flags().Int64Var(&resumeCap, "cap-cents", 0, "new budget cap in cents (0 = keep current cap)")
	rootCmd.AddCommand(resumeCmd)
}
