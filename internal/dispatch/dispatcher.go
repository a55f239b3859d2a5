// Package dispatch runs the worker pool that drains queued run items:
// claim, dedup, budget check, provider call, transition, events.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parcelgrid/enrich-cli/internal/budget"
	"github.com/parcelgrid/enrich-cli/internal/metrics"
	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/provider"
	"github.com/parcelgrid/enrich-cli/internal/registry"
	"github.com/parcelgrid/enrich-cli/internal/resilience"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

// EventSink receives domain events as items and runs reach terminal
// states. Implementations must not block: the dispatcher calls Publish
// inline between item transitions.
type EventSink interface {
	Publish(ctx context.Context, ev model.Event)
}

// NopSink discards events. Used when no webhook subscriptions are loaded.
type NopSink struct{}

func (NopSink) Publish(context.Context, model.Event) {}

// Config tunes the worker pool.
type Config struct {
	Workers       int           // concurrent workers (default 4)
	BaseDelay     time.Duration // linear retry backoff base (default 1s)
	ClaimInterval time.Duration // poll interval when the queue is empty (default 500ms)
	CallTimeout   time.Duration // per provider call (0 = adapter default)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 500 * time.Millisecond
	}
	return c
}

// Dispatcher coordinates workers over the run registry.
type Dispatcher struct {
	registry  *registry.Registry
	store     store.Store
	providers *provider.Registry
	budget    *budget.Guard
	breakers  *resilience.ProviderBreakers
	metrics   *metrics.Aggregator
	events    EventSink
	cfg       Config
	log       *zap.Logger

	nudge chan struct{}
}

// New creates a dispatcher. events may be nil.
func New(reg *registry.Registry, st store.Store, providers *provider.Registry, guard *budget.Guard, breakers *resilience.ProviderBreakers, agg *metrics.Aggregator, events EventSink, cfg Config) *Dispatcher {
	if events == nil {
		events = NopSink{}
	}
	return &Dispatcher{
		registry:  reg,
		store:     st,
		providers: providers,
		budget:    guard,
		breakers:  breakers,
		metrics:   agg,
		events:    events,
		cfg:       cfg.withDefaults(),
		log:       zap.L().With(zap.String("component", "dispatch")),
		nudge:     make(chan struct{}, 1),
	}
}

// Nudge wakes an idle worker without waiting for the claim tick. Called
// after new submissions.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Run processes items until ctx is cancelled. An empty runID serves every
// run; a non-empty runID drains that run and returns once it is finished.
func (d *Dispatcher) Run(ctx context.Context, runID string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			return d.worker(ctx, runID)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (d *Dispatcher) worker(ctx context.Context, runID string) error {
	tick := time.NewTicker(d.cfg.ClaimInterval)
	defer tick.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item, err := d.registry.ClaimNext(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn("claim failed", zap.Error(err))
			item = nil
		}

		if item != nil {
			d.process(ctx, item)
			continue
		}

		// Nothing claimable. In drain mode, decide whether the run is
		// over, paused, or merely backing off before retries.
		if runID != "" {
			done, waitErr := d.idleDrain(ctx, runID)
			if waitErr != nil {
				return waitErr
			}
			if done {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.nudge:
		case <-tick.C:
		}
	}
}

// idleDrain handles an empty claim while draining one run: reports true
// when every item is settled, and blocks on resume when the run is paused.
func (d *Dispatcher) idleDrain(ctx context.Context, runID string) (bool, error) {
	status, err := d.registry.Status(ctx, runID)
	if err != nil {
		d.log.Warn("status check failed", zap.String("run_id", runID), zap.Error(err))
		return false, nil
	}
	if status.Totals.Settled() {
		return true, nil
	}
	if status.Run.SoftPaused {
		if err := d.budget.AwaitResume(ctx, runID); err != nil {
			return false, err
		}
	}
	return false, nil
}

// process takes one claimed item through dedup, budget, and the provider
// chain to a terminal or re-queued state.
func (d *Dispatcher) process(ctx context.Context, item *model.RunItem) {
	log := d.log.With(
		zap.String("run_id", item.RunID),
		zap.String("item_id", item.ID),
		zap.Int("attempt", item.Attempt),
	)

	// Dedup short-circuit: completed work under the same idemKey is
	// copied, never re-bought.
	prior, err := d.store.FindCompletedByIdemKey(ctx, item.IdemKey)
	if err != nil {
		log.Warn("idem key lookup failed", zap.Error(err))
	}
	if prior != nil && prior.ID != item.ID {
		d.finalizeCached(ctx, item, prior, log)
		return
	}

	adapters := d.providers.RouteAll(item.Identity)
	if len(adapters) == 0 {
		d.fail(ctx, item, model.ErrKindValidation, "no provider can serve identity", log)
		return
	}

	// Walk the chain in priority order. A source that answers with no
	// result hands off to the next; real failures stop the walk.
	var lastKind model.ErrorKind
	var lastMsg string
	for _, a := range adapters {
		br := d.breakers.Get(a.Name())
		if allowErr := br.Allow(); allowErr != nil {
			lastKind, lastMsg = model.ErrKindUpstream, a.Name()+": circuit open"
			continue
		}

		if cost := a.CostCents(); cost > 0 {
			accepted, chargeErr := d.budget.Charge(ctx, item.RunID, cost)
			if chargeErr != nil {
				lastKind, lastMsg = model.ErrKindUpstream, "budget charge: "+chargeErr.Error()
				break
			}
			if !accepted {
				d.requeueForBudget(ctx, item, log)
				return
			}
		}

		start := time.Now()
		contact, callErr := a.Call(ctx, item.Identity, provider.Options{Timeout: d.cfg.CallTimeout})
		elapsed := time.Since(start)
		br.Record(callErr)

		d.appendCall(ctx, item, a.Name(), false, a.CostCents(), elapsed)

		if callErr == nil {
			d.metrics.RecordSuccess(a.Name(), elapsed)
			d.complete(ctx, item, store.ItemResult{
				Provider:  a.Name(),
				CostCents: a.CostCents(),
				Contact:   contact,
			}, log)
			return
		}

		kind := model.KindOf(callErr)
		d.metrics.RecordFailure(a.Name(), elapsed)

		switch kind {
		case model.ErrKindValidation:
			d.fail(ctx, item, kind, callErr.Error(), log)
			return
		case model.ErrKindScrape:
			// No result from this source; the next adapter may still
			// have one.
			lastKind, lastMsg = kind, callErr.Error()
			continue
		default:
			d.retryOrFail(ctx, item, kind, callErr.Error(), log)
			return
		}
	}

	if lastMsg == "" {
		lastKind, lastMsg = model.ErrKindUpstream, "no provider attempt made"
	}
	d.retryOrFail(ctx, item, lastKind, lastMsg, log)
}

// finalizeCached settles an item from previously completed work: done,
// cached, zero cost. The ledger still gets a row so spend accounting and
// hit-rate reporting see the cache hit.
func (d *Dispatcher) finalizeCached(ctx context.Context, item *model.RunItem, prior *model.RunItem, log *zap.Logger) {
	d.appendCall(ctx, item, prior.Provider, true, 0, 0)
	d.metrics.RecordCached(prior.Provider)
	d.complete(ctx, item, store.ItemResult{
		Provider:  prior.Provider,
		Cached:    true,
		CostCents: 0,
		Contact:   prior.Contact,
	}, log.With(zap.String("cached_from", prior.ID)))
}

func (d *Dispatcher) complete(ctx context.Context, item *model.RunItem, res store.ItemResult, log *zap.Logger) {
	if err := d.registry.Complete(ctx, item, res); err != nil {
		log.Error("complete transition failed", zap.Error(err))
		return
	}
	log.Info("item done",
		zap.String("provider", res.Provider),
		zap.Bool("cached", res.Cached),
		zap.Int64("cost_cents", res.CostCents),
	)

	payload := map[string]any{
		"external_id": item.ExternalID,
		"provider":    res.Provider,
		"cached":      res.Cached,
		"cost_cents":  res.CostCents,
	}
	if res.Contact != nil {
		payload["owner_name"] = res.Contact.OwnerName
	}
	d.events.Publish(ctx, model.Event{
		Type:    model.EventItemCompleted,
		RunID:   item.RunID,
		ItemRef: item.ID,
		Payload: payload,
	})
	if !res.Cached && res.Contact != nil && res.Contact.MailingAddress != "" {
		d.events.Publish(ctx, model.Event{
			Type:    model.EventPropertyDiscovered,
			RunID:   item.RunID,
			ItemRef: item.ID,
			Payload: map[string]any{
				"owner_name":      res.Contact.OwnerName,
				"mailing_address": res.Contact.MailingAddress,
			},
		})
	}

	d.maybeFinish(ctx, item.RunID)
}

func (d *Dispatcher) fail(ctx context.Context, item *model.RunItem, kind model.ErrorKind, msg string, log *zap.Logger) {
	if err := d.registry.Fail(ctx, item, kind, msg); err != nil {
		log.Error("fail transition failed", zap.Error(err))
		return
	}
	log.Warn("item failed", zap.String("kind", string(kind)), zap.String("error", msg))

	d.events.Publish(ctx, model.Event{
		Type:    model.EventItemFailed,
		RunID:   item.RunID,
		ItemRef: item.ID,
		Payload: map[string]any{
			"external_id": item.ExternalID,
			"error_kind":  string(kind),
			"last_error":  msg,
		},
	})

	d.maybeFinish(ctx, item.RunID)
}

// retryOrFail burns one attempt: re-queue with linear backoff while
// attempts remain, terminal failure otherwise.
func (d *Dispatcher) retryOrFail(ctx context.Context, item *model.RunItem, kind model.ErrorKind, msg string, log *zap.Logger) {
	attemptsMade := item.Attempt + 1
	if attemptsMade >= item.MaxAttempts {
		d.fail(ctx, item, kind, msg, log)
		return
	}

	notBefore := time.Now().UTC().Add(resilience.Linear(d.cfg.BaseDelay, attemptsMade))
	if err := d.registry.Requeue(ctx, item, attemptsMade, notBefore, kind, msg); err != nil {
		log.Error("requeue transition failed", zap.Error(err))
		return
	}
	log.Info("item re-queued for retry",
		zap.String("kind", string(kind)),
		zap.Int("attempts_made", attemptsMade),
		zap.Time("not_before", notBefore),
	)
}

// requeueForBudget returns the item untouched (attempt not incremented)
// after a budget rejection, then blocks until the run is resumed.
func (d *Dispatcher) requeueForBudget(ctx context.Context, item *model.RunItem, log *zap.Logger) {
	if err := d.registry.Requeue(ctx, item, item.Attempt, time.Now().UTC(), "", ""); err != nil {
		log.Error("budget requeue failed", zap.Error(err))
		return
	}
	log.Info("budget cap reached, run paused", zap.String("run_id", item.RunID))

	if err := d.budget.AwaitResume(ctx, item.RunID); err != nil {
		return
	}
	log.Info("run resumed", zap.String("run_id", item.RunID))
}

func (d *Dispatcher) appendCall(ctx context.Context, item *model.RunItem, providerName string, cached bool, costCents int64, elapsed time.Duration) {
	rec := &model.ProviderCallRecord{
		RunID:      item.RunID,
		ItemRef:    item.ID,
		Provider:   providerName,
		IdemKey:    item.IdemKey,
		Cached:     cached,
		CostCents:  costCents,
		DurationMs: elapsed.Milliseconds(),
	}
	if err := d.store.AppendProviderCall(ctx, rec); err != nil {
		d.log.Warn("provider call ledger append failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

// maybeFinish stamps the run finished when its last item settles; the
// stamping worker emits run.completed.
func (d *Dispatcher) maybeFinish(ctx context.Context, runID string) {
	stamped, err := d.registry.TryFinish(ctx, runID)
	if err != nil {
		d.log.Warn("finish check failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if !stamped {
		return
	}

	totals, err := d.store.RunTotals(ctx, runID)
	if err != nil {
		totals = model.RunTotals{}
	}
	d.events.Publish(ctx, model.Event{
		Type:  model.EventRunCompleted,
		RunID: runID,
		Payload: map[string]any{
			"done":   totals.Done,
			"failed": totals.Failed,
		},
	})
}
