package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/parcelgrid/enrich-cli/internal/model"
)

// schemaVersion is the schema generation both backends understand. Migrate
// refuses to run against a database stamped with a newer version.
const schemaVersion = 1

const defaultMaxAttempts = 3

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = eris.New("not found")

// ErrStaleItem is returned when a conditional item transition matched no
// row: the item was not in the status the caller believed it held. Workers
// own claimed items exclusively, so a stale transition is a logic error.
var ErrStaleItem = eris.New("item not in expected status")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Label      string `json:"label,omitempty"`
	Unfinished bool   `json:"unfinished,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// DeliveryFilter specifies criteria for listing webhook delivery log rows.
type DeliveryFilter struct {
	Status    model.DeliveryStatus `json:"status,omitempty"`
	EventType string               `json:"event_type,omitempty"`
	Limit     int                  `json:"limit,omitempty"`
}

// ItemResult carries the fields recorded when an item completes.
type ItemResult struct {
	Provider  string
	Cached    bool
	CostCents int64
	Contact   *model.ContactInfo
}

// Store defines the persistence interface for the enrichment dispatcher.
//
// Item transitions are conditional updates guarded by the current status,
// so two workers can never both win the same transition. ClaimNextItem and
// ClaimDueDelivery are the only methods that hand out work; everything they
// return is owned by the caller until it transitions the row again.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run, items []model.RunItem) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	RunTotals(ctx context.Context, runID string) (model.RunTotals, error)
	// FinishRun stamps finished_at once. It reports true only for the
	// caller that performed the stamp, so exactly one worker emits the
	// run.completed event.
	FinishRun(ctx context.Context, runID string, at time.Time) (bool, error)
	AddSpend(ctx context.Context, runID string, amountCents int64) error
	SetSoftPaused(ctx context.Context, runID string, paused bool) error
	SetBudgetCap(ctx context.Context, runID string, capCents int64) error

	// Items. ClaimNextItem atomically moves the oldest eligible queued
	// item to in_flight and returns it, or (nil, nil) when nothing is
	// claimable. runID narrows the claim to one run; empty means any run.
	// Items in soft-paused runs, items whose not_before lies in the
	// future, and items whose idem_key is already in flight elsewhere are
	// not eligible.
	ClaimNextItem(ctx context.Context, runID string, now time.Time) (*model.RunItem, error)
	MarkItemDone(ctx context.Context, itemID string, res ItemResult) error
	MarkItemFailed(ctx context.Context, itemID string, attempt int, kind model.ErrorKind, lastErr string) error
	RequeueItem(ctx context.Context, itemID string, attempt int, notBefore time.Time, kind model.ErrorKind, lastErr string) error
	GetItem(ctx context.Context, itemID string) (*model.RunItem, error)
	ListItems(ctx context.Context, runID string) ([]model.RunItem, error)
	// FindCompletedByIdemKey returns the earliest done item carrying the
	// key, or (nil, nil) when no completed work exists for it.
	FindCompletedByIdemKey(ctx context.Context, idemKey string) (*model.RunItem, error)

	// Provider call ledger (append-only)
	AppendProviderCall(ctx context.Context, rec *model.ProviderCallRecord) error
	ListProviderCalls(ctx context.Context, runID string) ([]model.ProviderCallRecord, error)

	// Webhook deliveries. ClaimDueDelivery leases the next due pending
	// row by pushing its next_attempt_at forward, so a crashed worker's
	// claim resurfaces after the lease expires.
	CreateDeliveries(ctx context.Context, entries []model.DeliveryLogEntry) error
	ClaimDueDelivery(ctx context.Context, now time.Time, lease time.Duration) (*model.DeliveryLogEntry, error)
	MarkDeliveryDelivered(ctx context.Context, id string, attemptsMade int, at time.Time) error
	RescheduleDelivery(ctx context.Context, id string, attemptsMade int, nextAttemptAt time.Time, lastErr string, at time.Time) error
	MarkDeliveryFailed(ctx context.Context, id string, attemptsMade int, lastErr string, at time.Time) error
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]model.DeliveryLogEntry, error)

	// Assessor parcels
	UpsertParcels(ctx context.Context, parcels []model.Parcel) (int64, error)
	FindParcelBySitus(ctx context.Context, situsKey string) (*model.Parcel, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// prepareRun fills ids, sequence numbers, and timestamps on a new run and
// its items before insert. Mutates the arguments so callers see the
// generated values.
func prepareRun(run *model.Run, items []model.RunItem) {
	now := time.Now().UTC()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = defaultMaxAttempts
	}
	run.UpdatedAt = now

	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.RunID = run.ID
		it.Seq = i
		if it.Status == "" {
			it.Status = model.ItemStatusQueued
		}
		if it.MaxAttempts <= 0 {
			it.MaxAttempts = run.MaxAttempts
		}
		if it.NotBefore.IsZero() {
			it.NotBefore = now
		}
		it.CreatedAt = now
		it.UpdatedAt = now
	}
}

// prepareDeliveries fills ids and timestamps on new delivery log rows. An
// empty payload is stored as {} so the JSONB column accepts it.
func prepareDeliveries(entries []model.DeliveryLogEntry) {
	now := time.Now().UTC()
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Status == "" {
			e.Status = model.DeliveryStatusPending
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.NextAttemptAt.IsZero() {
			e.NextAttemptAt = e.CreatedAt
		}
		if len(e.Payload) == 0 {
			e.Payload = json.RawMessage("{}")
		}
	}
}
