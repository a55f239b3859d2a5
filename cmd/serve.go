package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/parcelgrid/enrich-cli/internal/budget"
	"github.com/parcelgrid/enrich-cli/internal/dispatch"
	"github.com/parcelgrid/enrich-cli/internal/metrics"
	"github.com/parcelgrid/enrich-cli/internal/registry"
	"github.com/parcelgrid/enrich-cli/internal/resilience"
	"github.com/parcelgrid/enrich-cli/internal/server"
	"github.com/parcelgrid/enrich-cli/internal/webhook"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, dispatcher, and webhook deliverer",
	Long:  "Serves the run API and keeps a worker pool draining every unfinished run until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		sink, pub, subs, err := initPublisher(st)
		if err != nil {
			return err
		}

		reg := registry.New(st)
		guard := budget.NewGuard(st)
		agg := metrics.NewAggregator(metricsWindow)
		disp := dispatch.New(reg, st, initProviders(st), guard,
			resilience.NewProviderBreakers(resilience.CircuitConfig{}), agg, sink, dispatcherConfig())

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.New(reg, st, guard, agg, disp).Start(ctx, port)
		})
		g.Go(func() error {
			// Empty runID serves every run, including ones submitted while up.
			return disp.Run(ctx, "")
		})
		if pub != nil {
			del := webhook.NewDeliverer(st, subs, pub.NudgeCh(), webhook.DeliveryConfig{
				Workers:     cfg.Webhooks.Workers,
				MaxAttempts: cfg.Webhooks.MaxAttempts,
			})
			g.Go(func() error {
				return del.Run(ctx)
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
