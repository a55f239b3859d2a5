package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/parcelgrid/enrich-cli/internal/assessor"
	"github.com/parcelgrid/enrich-cli/internal/dispatch"
	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/provider"
	"github.com/parcelgrid/enrich-cli/internal/store"
	"github.com/parcelgrid/enrich-cli/internal/webhook"
	"github.com/parcelgrid/enrich-cli/pkg/propdata"
	"github.com/parcelgrid/enrich-cli/pkg/skiptrace"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "enrich.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initProviders builds the provider chain: the free assessor roll first,
// then the paid vendors in cost order.
func initProviders(st store.Store) *provider.Registry {
	reg := provider.NewRegistry()

	reg.Register(assessor.NewAdapter(st), 0)

	if cfg.PropData.Key != "" {
		client := propdata.NewClient(cfg.PropData.Key, propdata.WithBaseURL(cfg.PropData.BaseURL))
		reg.Register(provider.NewPropData(client, cfg.PropData.CostCents, cfg.PropData.RPS), 10)
	}
	if cfg.SkipTrace.Key != "" {
		client := skiptrace.NewClient(cfg.SkipTrace.Key, skiptrace.WithBaseURL(cfg.SkipTrace.BaseURL))
		reg.Register(provider.NewSkipTrace(client, cfg.SkipTrace.CostCents, cfg.SkipTrace.RPS), 20)
	}

	zap.L().Info("providers registered", zap.Strings("providers", reg.List()))
	return reg
}

// initPublisher loads webhook subscriptions and returns the event sink plus
// the subscriptions for the deliverer. A missing subscriptions file means no
// webhooks: the dispatcher falls back to a no-op sink.
func initPublisher(st store.Store) (dispatch.EventSink, *webhook.Publisher, []model.WebhookSubscription, error) {
	subs, err := webhook.LoadSubscriptions(cfg.Webhooks.File)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "load webhook subscriptions")
	}
	if len(subs) == 0 {
		return dispatch.NopSink{}, nil, nil, nil
	}
	pub := webhook.NewPublisher(st, subs)
	return pub, pub, subs, nil
}

// metricsWindow is the rolling latency window per provider.
const metricsWindow = 512

func dispatcherConfig() dispatch.Config {
	return dispatch.Config{
		Workers:     cfg.Dispatcher.Workers,
		BaseDelay:   time.Duration(cfg.Dispatcher.BaseDelayMs) * time.Millisecond,
		CallTimeout: time.Duration(cfg.Dispatcher.CallTimeoutSecs) * time.Second,
	}
}
