// Package registry owns the lifecycle of runs and their items: submission,
// claiming, and every status transition. All Run and RunItem mutation goes
// through here so the state machine is enforced in one place.
package registry

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/parcelgrid/enrich-cli/internal/identity"
	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

// Lead is one enrichment target in a submission, pairing the caller's own
// reference with the raw identity fields.
type Lead struct {
	ExternalID string
	Identity   model.Identity
}

// SubmitRequest describes a new run.
type SubmitRequest struct {
	Label          string
	BudgetCapCents int64
	MaxAttempts    int
	Leads          []Lead
}

// RunStatus is the aggregate view of a run.
type RunStatus struct {
	Run    model.Run
	Totals model.RunTotals
}

// Registry coordinates run state through the store.
type Registry struct {
	store store.Store
	log   *zap.Logger
}

// New creates a registry backed by the given store.
func New(st store.Store) *Registry {
	return &Registry{
		store: st,
		log:   zap.L().With(zap.String("component", "registry")),
	}
}

// Submit creates a run and its items, resolving idempotency keys at
// submission time. Leads that resolve to the same primary signature are
// kept as separate items sharing one idemKey; the dispatcher collapses
// them when it sees completed work under the key.
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (*model.Run, error) {
	if len(req.Leads) == 0 {
		return nil, eris.New("registry: submission has no leads")
	}

	items := make([]model.RunItem, 0, len(req.Leads))
	seen := make(map[string]int, len(req.Leads))
	var dupes int
	for i, lead := range req.Leads {
		if lead.Identity.Street == "" {
			return nil, eris.Errorf("registry: lead %d has no street address", i)
		}
		sig := identity.Resolve(lead.Identity)
		if _, ok := seen[sig.IdemKey]; ok {
			dupes++
		}
		seen[sig.IdemKey] = i
		items = append(items, model.RunItem{
			ExternalID:  lead.ExternalID,
			Identity:    lead.Identity,
			IdemKey:     sig.IdemKey,
			MaxAttempts: req.MaxAttempts,
		})
	}

	run := &model.Run{
		Label:          req.Label,
		BudgetCapCents: req.BudgetCapCents,
		MaxAttempts:    req.MaxAttempts,
	}
	if err := r.store.CreateRun(ctx, run, items); err != nil {
		return nil, eris.Wrap(err, "registry: create run")
	}

	r.log.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("label", run.Label),
		zap.Int("items", len(items)),
		zap.Int("duplicate_keys", dupes),
		zap.Int64("budget_cap_cents", run.BudgetCapCents),
	)
	return run, nil
}

// ClaimNext atomically claims the oldest eligible queued item, moving it to
// in_flight. Returns (nil, nil) when nothing is claimable right now. An
// empty runID claims across all runs.
func (r *Registry) ClaimNext(ctx context.Context, runID string) (*model.RunItem, error) {
	item, err := r.store.ClaimNextItem(ctx, runID, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "registry: claim next item")
	}
	return item, nil
}

// Complete transitions a claimed item to done and records the result.
func (r *Registry) Complete(ctx context.Context, item *model.RunItem, res store.ItemResult) error {
	if !model.ValidTransition(item.Status, model.ItemStatusDone) {
		return eris.Errorf("registry: item %s cannot move %s -> done", item.ID, item.Status)
	}
	if err := r.store.MarkItemDone(ctx, item.ID, res); err != nil {
		return eris.Wrap(err, "registry: mark item done")
	}
	item.Status = model.ItemStatusDone
	item.Provider = res.Provider
	item.Cached = res.Cached
	item.CostCents = res.CostCents
	item.Contact = res.Contact
	return nil
}

// Fail transitions a claimed item to failed after its attempts are spent or
// its input was rejected outright.
func (r *Registry) Fail(ctx context.Context, item *model.RunItem, kind model.ErrorKind, lastErr string) error {
	if !model.ValidTransition(item.Status, model.ItemStatusFailed) {
		return eris.Errorf("registry: item %s cannot move %s -> failed", item.ID, item.Status)
	}
	if err := r.store.MarkItemFailed(ctx, item.ID, item.Attempt, kind, lastErr); err != nil {
		return eris.Wrap(err, "registry: mark item failed")
	}
	item.Status = model.ItemStatusFailed
	item.ErrorKind = kind
	item.LastError = lastErr
	return nil
}

// Requeue returns a claimed item to the queue for a later attempt. The
// caller decides whether attempt advances: retries pass an incremented
// attempt, budget re-queues pass the unchanged one.
func (r *Registry) Requeue(ctx context.Context, item *model.RunItem, attempt int, notBefore time.Time, kind model.ErrorKind, lastErr string) error {
	if !model.ValidTransition(item.Status, model.ItemStatusQueued) {
		return eris.Errorf("registry: item %s cannot move %s -> queued", item.ID, item.Status)
	}
	if err := r.store.RequeueItem(ctx, item.ID, attempt, notBefore, kind, lastErr); err != nil {
		return eris.Wrap(err, "registry: requeue item")
	}
	item.Status = model.ItemStatusQueued
	item.Attempt = attempt
	item.NotBefore = notBefore
	return nil
}

// Status returns the run row plus its live status counts.
func (r *Registry) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "registry: get run")
	}
	totals, err := r.store.RunTotals(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "registry: run totals")
	}
	return &RunStatus{Run: *run, Totals: totals}, nil
}

// TryFinish stamps the run finished if every item is settled. It reports
// true only for the caller that performed the stamp.
func (r *Registry) TryFinish(ctx context.Context, runID string) (bool, error) {
	totals, err := r.store.RunTotals(ctx, runID)
	if err != nil {
		return false, eris.Wrap(err, "registry: run totals")
	}
	if totals.Total() == 0 || !totals.Settled() {
		return false, nil
	}
	stamped, err := r.store.FinishRun(ctx, runID, time.Now().UTC())
	if err != nil {
		return false, eris.Wrap(err, "registry: finish run")
	}
	if stamped {
		r.log.Info("run finished",
			zap.String("run_id", runID),
			zap.Int("done", totals.Done),
			zap.Int("failed", totals.Failed),
		)
	}
	return stamped, nil
}
