package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Inspect webhook delivery state",
}

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "List webhook delivery attempts",
	Long:  "Shows the webhook delivery log: pending, delivered, and abandoned deliveries per subscription.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		eventType, _ := cmd.Flags().GetString("event")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDeliveries(ctx, store.DeliveryFilter{
			Status:    model.DeliveryStatus(status),
			EventType: eventType,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "deliveries")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No deliveries found.")
			return nil
		}

		formatDeliveries(os.Stdout, entries)
		return nil
	},
}

func formatDeliveries(out io.Writer, entries []model.DeliveryLogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSUBSCRIPTION\tEVENT\tSTATUS\tATTEMPTS\tNEXT_ATTEMPT\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "--\t------------\t-----\t------\t--------\t------------\t----------")

	for _, e := range entries {
		next := "-"
		if e.Status == model.DeliveryStatusPending {
			next = e.NextAttemptAt.Format("15:04:05")
		}
		lastErr := e.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(e.ID),
			e.SubscriptionID,
			e.EventType,
			e.Status,
			e.AttemptsMade,
			next,
			lastErr,
		)
	}
	_ = w.Flush()
}

func init() {
	deliveriesCmd.Flags().String("status", "", "filter by status (pending, delivered, failed)")
	deliveriesCmd.Flags().String("event", "", "filter by event type")
	deliveriesCmd.Flags().Int("limit", 50, "max number of deliveries to display")
	webhooksCmd.AddCommand(deliveriesCmd)
	rootCmd.AddCommand(webhooksCmd)
}
