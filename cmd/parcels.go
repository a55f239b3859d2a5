package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/parcelgrid/enrich-cli/internal/assessor"
)

var (
	parcelsCounty string
	parcelsBatch  int
)

var parcelsCmd = &cobra.Command{
	Use:   "parcels",
	Short: "Manage the assessor parcel roll",
}

var parcelsLoadCmd = &cobra.Command{
	Use:   "load <shapefile>...",
	Short: "Load county assessor shapefiles into the parcel roll",
	Long:  "Parses assessor parcel shapefiles and upserts them keyed by normalized situs address. Re-loading the same roll is idempotent.",
	Args:  cobra.MinimumNArgs(1),
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

		n, err := assessor.Load(ctx, st, assessor.LoadOptions{
			County:    parcelsCounty,
			Paths:     args,
			BatchSize: parcelsBatch,
		})
		if err != nil {
			return eris.Wrap(err, "parcels load")
		}

		fmt.Printf("loaded %d parcels\n", n)
		return nil
	},
}

func init() {
	parcelsLoadCmd.Flags().StringVar(&parcelsCounty, "county", "", "county FIPS or name recorded on each parcel (required)")
	parcelsLoadCmd.Flags().IntVar(&parcelsBatch, "batch-size", 0, "upsert batch size (0 = default)")
	_ = parcelsLoadCmd.MarkFlagRequired("county")

	parcelsCmd.AddCommand(parcelsLoadCmd)
	rootCmd.AddCommand(parcelsCmd)
}
