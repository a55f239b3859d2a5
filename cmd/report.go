package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/parcelgrid/enrich-cli/internal/report"
)

var reportCSV string

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print a run's per-item report",
	Long:  "Builds the per-item outcome report for a run. JSON to stdout by default; --csv writes the rows to a file instead.",
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

		rep, err := report.Build(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "report")
		}

		if reportCSV != "" {
			f, err := os.Create(reportCSV)
			if err != nil {
				return eris.Wrap(err, "report: create csv file")
			}
			defer f.Close() //nolint:errcheck
			return rep.WriteCSV(f)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportCSV, "csv", "", "write rows as CSV to this path")
	rootCmd.AddCommand(reportCmd)
}
