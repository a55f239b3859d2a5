// Package budget tracks per-run spend against a configured cap and owns the
// soft-pause flag. It is the only shared mutable counter in the system.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/parcelgrid/enrich-cli/internal/store"
)

// Guard serializes charge decisions per run so the pause threshold is never
// overshot by more than one in-flight call's cost. Spend and the pause flag
// are persisted through the store before any provider call is issued; the
// in-memory state exists to serialize concurrent charges and to wake workers
// on resume without polling.
type Guard struct {
	store store.Store

	mu   sync.Mutex
	runs map[string]*runState
}

// runState is the per-run ledger. Its mutex is held only for the charge
// decision and the store write, never across a provider or network call.
type runState struct {
	mu         sync.Mutex
	capCents   int64
	spentCents int64
	paused     bool
	loaded     bool

	// resumeCh is closed on resume; a fresh channel is installed on each
	// pause. Workers waiting out a pause block on it instead of polling.
	resumeCh chan struct{}
}

// NewGuard creates a Guard backed by the given store.
func NewGuard(st store.Store) *Guard {
	return &Guard{
		store: st,
		runs:  make(map[string]*runState),
	}
}

func (g *Guard) state(runID string) *runState {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.runs[runID]
	if !ok {
		rs = &runState{resumeCh: make(chan struct{})}
		close(rs.resumeCh)
		g.runs[runID] = rs
	}
	return rs
}

// load pulls cap, spend, and pause state from the store on first touch.
// Callers hold rs.mu.
func (g *Guard) load(ctx context.Context, runID string, rs *runState) error {
	if rs.loaded {
		return nil
	}
	run, err := g.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "budget: load run")
	}
	rs.capCents = run.BudgetCapCents
	rs.spentCents = run.BudgetSpentCents
	rs.loaded = true
	if run.SoftPaused && !rs.paused {
		rs.paused = true
		rs.resumeCh = make(chan struct{})
	}
	return nil
}

// Charge attempts to spend amountCents against the run's budget. An accepted
// charge is persisted before returning true. A charge that would exceed the
// cap is not taken: the run is soft-paused instead and Charge returns false.
// A cap of zero means unlimited.
func (g *Guard) Charge(ctx context.Context, runID string, amountCents int64) (bool, error) {
	rs := g.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := g.load(ctx, runID, rs); err != nil {
		return false, err
	}

	if rs.paused {
		return false, nil
	}

	if rs.capCents > 0 && rs.spentCents+amountCents > rs.capCents {
		if err := g.store.SetSoftPaused(ctx, runID, true); err != nil {
			return false, eris.Wrap(err, "budget: persist pause")
		}
		rs.paused = true
		rs.resumeCh = make(chan struct{})
		zap.L().Warn("budget cap reached, run soft-paused",
			zap.String("run_id", runID),
			zap.Int64("spent_cents", rs.spentCents),
			zap.Int64("cap_cents", rs.capCents),
			zap.Int64("rejected_charge_cents", amountCents),
		)
		return false, nil
	}

	if err := g.store.AddSpend(ctx, runID, amountCents); err != nil {
		return false, eris.Wrap(err, "budget: persist spend")
	}
	rs.spentCents += amountCents
	return true, nil
}

// IsPaused reports whether the run is currently soft-paused.
func (g *Guard) IsPaused(ctx context.Context, runID string) (bool, error) {
	rs := g.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := g.load(ctx, runID, rs); err != nil {
		return false, err
	}
	return rs.paused, nil
}

// Resume clears the soft pause and wakes every worker blocked on the run.
// When newCapCents is positive the cap is raised first; spend is never
// reset. Resuming a run that is not paused is a no-op.
func (g *Guard) Resume(ctx context.Context, runID string, newCapCents int64) error {
	rs := g.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := g.load(ctx, runID, rs); err != nil {
		return err
	}

	if newCapCents > 0 {
		if err := g.store.SetBudgetCap(ctx, runID, newCapCents); err != nil {
			return eris.Wrap(err, "budget: persist cap")
		}
		rs.capCents = newCapCents
	}

	if !rs.paused {
		return nil
	}

	if err := g.store.SetSoftPaused(ctx, runID, false); err != nil {
		return eris.Wrap(err, "budget: persist resume")
	}
	rs.paused = false
	close(rs.resumeCh)
	zap.L().Info("run resumed",
		zap.String("run_id", runID),
		zap.Int64("spent_cents", rs.spentCents),
		zap.Int64("cap_cents", rs.capCents),
	)
	return nil
}

// resyncInterval bounds how long a waiter can miss a resume performed by
// another process, which clears the flag in the store without touching this
// guard's channel.
const resyncInterval = 5 * time.Second

// AwaitResume blocks until the run is no longer paused or the context is
// done. Returns immediately when the run is not paused. The primary wake is
// the resume channel; a slow store re-sync catches resumes issued from a
// different process.
func (g *Guard) AwaitResume(ctx context.Context, runID string) error {
	for {
		rs := g.state(runID)
		rs.mu.Lock()
		if err := g.load(ctx, runID, rs); err != nil {
			rs.mu.Unlock()
			return err
		}
		if !rs.paused {
			rs.mu.Unlock()
			return nil
		}
		ch := rs.resumeCh
		rs.mu.Unlock()

		select {
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "budget: await resume")
		case <-ch:
			// Woken; loop to re-check, the run may have paused again.
		case <-time.After(resyncInterval):
			if err := g.resync(ctx, runID); err != nil {
				return err
			}
		}
	}
}

// resync reloads persisted run state and clears the in-memory pause when
// the store no longer carries it.
func (g *Guard) resync(ctx context.Context, runID string) error {
	run, err := g.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "budget: resync run")
	}

	rs := g.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.capCents = run.BudgetCapCents
	rs.spentCents = run.BudgetSpentCents
	rs.loaded = true
	if !run.SoftPaused && rs.paused {
		rs.paused = false
		close(rs.resumeCh)
	}
	return nil
}

// Spent returns the run's current spend as tracked by the guard.
func (g *Guard) Spent(ctx context.Context, runID string) (int64, error) {
	rs := g.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := g.load(ctx, runID, rs); err != nil {
		return 0, err
	}
	return rs.spentCents, nil
}
