package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parcelgrid/enrich-cli/internal/budget"
	"github.com/parcelgrid/enrich-cli/internal/dispatch"
	"github.com/parcelgrid/enrich-cli/internal/ingest"
	"github.com/parcelgrid/enrich-cli/internal/metrics"
	"github.com/parcelgrid/enrich-cli/internal/registry"
	"github.com/parcelgrid/enrich-cli/internal/report"
	"github.com/parcelgrid/enrich-cli/internal/resilience"
	"github.com/parcelgrid/enrich-cli/internal/store"
	"github.com/parcelgrid/enrich-cli/internal/webhook"
)

var (
	submitFile   string
	submitURL    string
	submitNotion bool
	submitLabel  string
	submitBudget int64
	submitMaxAtt int
	submitWait   bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch of leads for enrichment",
	Long:  "Reads leads from a CSV/XLSX file, an http(s)/ftp URL, or the Notion lead queue, and creates a new run. With --wait the run is drained in-process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		leads, err := loadLeads(ctx)
		if err != nil {
			return err
		}
		if len(leads) == 0 {
			return eris.New("no leads found in source")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		maxAttempts := submitMaxAtt
		if maxAttempts <= 0 {
			maxAttempts = cfg.Dispatcher.MaxAttempts
		}

		reg := registry.New(st)
		run, err := reg.Submit(ctx, registry.SubmitRequest{
			Label:          submitLabel,
			BudgetCapCents: submitBudget,
			MaxAttempts:    maxAttempts,
			Leads:          leads,
		})
		if err != nil {
			return err
		}

		zap.L().Info("run created",
			zap.String("run_id", run.ID),
			zap.Int("leads", len(leads)),
		)

		if !submitWait {
			return json.NewEncoder(os.Stdout).Encode(map[string]string{"run_id": run.ID})
		}

		if err := drainRun(ctx, st, reg, run.ID); err != nil {
			return err
		}

		rep, err := report.Build(ctx, st, run.ID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

// loadLeads resolves the lead source flags, which are mutually exclusive.
func loadLeads(ctx context.Context) ([]registry.Lead, error) {
	sources := 0
	for _, set := range []bool{submitFile != "", submitURL != "", submitNotion} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, eris.New("exactly one of --file, --url, or --notion is required")
	}

	switch {
	case submitFile != "":
		return ingest.FromPath(ctx, submitFile)
	case submitURL != "":
		return ingest.FromURL(ctx, submitURL)
	default:
		if cfg.Notion.Token == "" || cfg.Notion.LeadDB == "" {
			return nil, eris.New("notion token and lead_db must be configured (ENRICH_NOTION_TOKEN, ENRICH_NOTION_LEAD_DB)")
		}
		return ingest.FromNotion(ctx, ingest.NewNotionClient(cfg.Notion.Token), cfg.Notion.LeadDB)
	}
}

// drainRun runs the dispatcher (and the webhook deliverer, when
// subscriptions exist) in-process until the run settles. Deliveries still
// pending at drain time stay persisted and are retried by the next serve.
func drainRun(ctx context.Context, st store.Store, reg *registry.Registry, runID string) error {
	sink, pub, subs, err := initPublisher(st)
	if err != nil {
		return err
	}

	disp := dispatch.New(reg, st, initProviders(st),
		budget.NewGuard(st), resilience.NewProviderBreakers(resilience.CircuitConfig{}),
		metrics.NewAggregator(metricsWindow), sink, dispatcherConfig())

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	if pub != nil {
		del := webhook.NewDeliverer(st, subs, pub.NudgeCh(), webhook.DeliveryConfig{
			Workers:     cfg.Webhooks.Workers,
			MaxAttempts: cfg.Webhooks.MaxAttempts,
		})
		go func() { done <- del.Run(dctx) }()
	} else {
		done <- nil
	}

	if err := disp.Run(ctx, runID); err != nil {
		return eris.Wrap(err, "drain run")
	}
	cancel()
	return <-done
}

func init() {
	submitCmd.Flags().StringVar(&submitFile, "file", "", "lead list file (.csv or .xlsx)")
	submitCmd.Flags().StringVar(&submitURL, "url", "", "lead list URL (http(s) or ftp, CSV)")
	submitCmd.Flags().BoolVar(&submitNotion, "notion", false, "pull queued leads from the Notion lead database")
	submitCmd.Flags().StringVar(&submitLabel, "label", "", "run label")
	submitCmd.Flags().Int64Var(&submitBudget, "budget-cents", 0, "budget cap in cents (0 = unlimited)")
	submitCmd.Flags().IntVar(&submitMaxAtt, "max-attempts", 0, "max attempts per item (0 = config default)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "drain the run in-process and print the report")
	rootCmd.AddCommand(submitCmd)
}
