package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelgrid/enrich-cli/internal/budget"
	"github.com/parcelgrid/enrich-cli/internal/metrics"
	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/provider"
	"github.com/parcelgrid/enrich-cli/internal/registry"
	"github.com/parcelgrid/enrich-cli/internal/resilience"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

// stubAdapter is a configurable in-memory provider.
type stubAdapter struct {
	name  string
	cost  int64
	calls atomic.Int64
	fn    func(id model.Identity) (*model.ContactInfo, error)
}

func (s *stubAdapter) Name() string                   { return s.name }
func (s *stubAdapter) CostCents() int64               { return s.cost }
func (s *stubAdapter) CanServe(_ model.Identity) bool { return true }
func (s *stubAdapter) Call(_ context.Context, id model.Identity, _ provider.Options) (*model.ContactInfo, error) {
	s.calls.Add(1)
	return s.fn(id)
}

func okAdapter(name string, cost int64) *stubAdapter {
	return &stubAdapter{name: name, cost: cost, fn: func(id model.Identity) (*model.ContactInfo, error) {
		return &model.ContactInfo{
			OwnerName:      "OWNER OF " + id.Street,
			MailingAddress: "PO BOX 1, AUSTIN, TX 78711",
		}, nil
	}}
}

// captureSink records published events.
type captureSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *captureSink) Publish(_ context.Context, ev model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) byType(t model.EventType) []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	store    store.Store
	registry *registry.Registry
	guard    *budget.Guard
	sink     *captureSink
	disp     *Dispatcher
}

func newHarness(t *testing.T, adapters ...provider.Adapter) *harness {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	providers := provider.NewRegistry()
	for i, a := range adapters {
		providers.Register(a, i)
	}

	reg := registry.New(s)
	guard := budget.NewGuard(s)
	sink := &captureSink{}
	disp := New(reg, s, providers, guard, resilience.NewProviderBreakers(resilience.CircuitConfig{}), metrics.NewAggregator(0), sink, Config{
		Workers:       4,
		BaseDelay:     time.Millisecond,
		ClaimInterval: 5 * time.Millisecond,
	})
	return &harness{store: s, registry: reg, guard: guard, sink: sink, disp: disp}
}

func submitLeads(t *testing.T, h *harness, capCents int64, leads ...registry.Lead) *model.Run {
	t.Helper()
	run, err := h.registry.Submit(context.Background(), registry.SubmitRequest{
		Label:          "test",
		BudgetCapCents: capCents,
		Leads:          leads,
	})
	require.NoError(t, err)
	return run
}

func lead(n string) registry.Lead {
	return registry.Lead{
		ExternalID: "ext-" + n,
		Identity:   model.Identity{Street: n + " Main St", City: "Austin", State: "TX", Zip: "78701"},
	}
}

func drain(t *testing.T, h *harness, runID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.disp.Run(ctx, runID))
}

func TestDrainCompletesRun(t *testing.T) {
	paid := okAdapter("skiptrace", 25)
	h := newHarness(t, paid)
	run := submitLeads(t, h, 0, lead("1"), lead("2"), lead("3"))

	drain(t, h, run.ID)

	status, err := h.registry.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Totals.Done)
	assert.Equal(t, 3, status.Totals.Settled())
	require.NotNil(t, status.Run.FinishedAt)
	assert.EqualValues(t, 3, paid.calls.Load())

	calls, err := h.store.ListProviderCalls(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, calls, 3)

	assert.Len(t, h.sink.byType(model.EventItemCompleted), 3)
	assert.Len(t, h.sink.byType(model.EventRunCompleted), 1)
	assert.Len(t, h.sink.byType(model.EventPropertyDiscovered), 3)
}

func TestDuplicateIdentitiesServedFromCache(t *testing.T) {
	paid := okAdapter("skiptrace", 25)
	h := newHarness(t, paid)

	// Five identities, two of which normalize to the same signature.
	dup := registry.Lead{ExternalID: "ext-dup", Identity: model.Identity{
		Street: "1 MAIN STREET", City: "Austin", State: "TX", Zip: "78701-9999",
	}}
	run := submitLeads(t, h, 0, lead("1"), lead("2"), lead("3"), lead("4"), dup)

	drain(t, h, run.ID)

	status, err := h.registry.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, status.Totals.Done)

	// Four paid calls; the duplicate settles as a zero-cost cache hit.
	assert.EqualValues(t, 4, paid.calls.Load())

	items, err := h.store.ListItems(context.Background(), run.ID)
	require.NoError(t, err)
	var cached, spent int64
	for _, it := range items {
		if it.Cached {
			cached++
			assert.Zero(t, it.CostCents)
			require.NotNil(t, it.Contact)
			assert.NotEmpty(t, it.Contact.OwnerName)
		} else {
			spent += it.CostCents
		}
	}
	assert.EqualValues(t, 1, cached)
	assert.EqualValues(t, 100, spent)

	calls, err := h.store.ListProviderCalls(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, calls, 5)
}

func TestCrossRunDedup(t *testing.T) {
	paid := okAdapter("skiptrace", 25)
	h := newHarness(t, paid)

	first := submitLeads(t, h, 0, lead("1"))
	drain(t, h, first.ID)
	require.EqualValues(t, 1, paid.calls.Load())

	second := submitLeads(t, h, 0, lead("1"))
	drain(t, h, second.ID)

	// No second paid call across runs.
	assert.EqualValues(t, 1, paid.calls.Load())

	items, err := h.store.ListItems(context.Background(), second.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Cached)
	assert.Zero(t, items[0].CostCents)
}

func TestBoundedRetriesThenFailed(t *testing.T) {
	flaky := &stubAdapter{name: "skiptrace", cost: 0, fn: func(model.Identity) (*model.ContactInfo, error) {
		return nil, model.UpstreamErrorf("connect timeout")
	}}
	h := newHarness(t, flaky)
	run := submitLeads(t, h, 0, lead("1"))

	drain(t, h, run.ID)

	items, err := h.store.ListItems(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.ItemStatusFailed, items[0].Status)
	assert.Equal(t, model.ErrKindUpstream, items[0].ErrorKind)
	assert.Contains(t, items[0].LastError, "connect timeout")

	// Exactly maxAttempts calls, never fewer, never more.
	assert.EqualValues(t, items[0].MaxAttempts, flaky.calls.Load())

	assert.Len(t, h.sink.byType(model.EventItemFailed), 1)
	assert.Len(t, h.sink.byType(model.EventRunCompleted), 1)
}

func TestValidationErrorFailsWithoutRetry(t *testing.T) {
	strict := &stubAdapter{name: "skiptrace", cost: 0, fn: func(model.Identity) (*model.ContactInfo, error) {
		return nil, model.ValidationErrorf("street unparseable")
	}}
	h := newHarness(t, strict)
	run := submitLeads(t, h, 0, lead("1"))

	drain(t, h, run.ID)

	items, err := h.store.ListItems(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusFailed, items[0].Status)
	assert.Equal(t, model.ErrKindValidation, items[0].ErrorKind)
	assert.EqualValues(t, 1, strict.calls.Load())
}

func TestScrapeMissFallsThroughChain(t *testing.T) {
	miss := &stubAdapter{name: "assessor", cost: 0, fn: func(model.Identity) (*model.ContactInfo, error) {
		return nil, model.ScrapeErrorf("no parcel on file")
	}}
	paid := okAdapter("skiptrace", 25)
	h := newHarness(t, miss, paid)
	run := submitLeads(t, h, 0, lead("1"))

	drain(t, h, run.ID)

	items, err := h.store.ListItems(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusDone, items[0].Status)
	assert.Equal(t, "skiptrace", items[0].Provider)
	assert.EqualValues(t, 1, miss.calls.Load())
	assert.EqualValues(t, 1, paid.calls.Load())
}

func TestBudgetPauseAndResume(t *testing.T) {
	paid := okAdapter("skiptrace", 25)
	h := newHarness(t, paid)

	// Cap 60, per-call cost 25, 5 items: two charges land, the third is
	// rejected and pauses the run.
	run := submitLeads(t, h, 60, lead("1"), lead("2"), lead("3"), lead("4"), lead("5"))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	doneCh := make(chan error, 1)
	go func() { doneCh <- h.disp.Run(ctx, run.ID) }()

	require.Eventually(t, func() bool {
		status, err := h.registry.Status(ctx, run.ID)
		if err != nil {
			return false
		}
		return status.Run.SoftPaused && status.Totals.Done == 2 && status.Totals.InFlight == 0
	}, 10*time.Second, 10*time.Millisecond, "run should pause after two paid calls")

	status, err := h.registry.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Totals.Queued)
	assert.Nil(t, status.Run.FinishedAt)

	spent, err := h.guard.Spent(ctx, run.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, spent)

	// Raise the cap and resume; the remaining items drain.
	require.NoError(t, h.guard.Resume(ctx, run.ID, 1000))
	require.NoError(t, <-doneCh)

	final, err := h.registry.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, final.Totals.Done)
	assert.False(t, final.Run.SoftPaused)
	assert.EqualValues(t, 5, paid.calls.Load())

	spent, err = h.guard.Spent(ctx, run.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 125, spent)
}

func TestNoServableProviderFailsValidation(t *testing.T) {
	h := newHarness(t) // no adapters registered
	run := submitLeads(t, h, 0, lead("1"))

	drain(t, h, run.ID)

	items, err := h.store.ListItems(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusFailed, items[0].Status)
	assert.Equal(t, model.ErrKindValidation, items[0].ErrorKind)
}

func TestSoftStopLeavesItemsQueued(t *testing.T) {
	slow := &stubAdapter{name: "skiptrace", cost: 0, fn: func(id model.Identity) (*model.ContactInfo, error) {
		time.Sleep(20 * time.Millisecond)
		return &model.ContactInfo{OwnerName: "OWNER"}, nil
	}}
	h := newHarness(t, slow)
	run := submitLeads(t, h, 0, lead("1"), lead("2"), lead("3"), lead("4"), lead("5"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, h.disp.Run(ctx, run.ID))

	status, err := h.registry.Status(context.Background(), run.ID)
	require.NoError(t, err)
	// Cancellation is a soft stop: unprocessed items remain queued, none
	// are failed by the shutdown itself.
	assert.Zero(t, status.Totals.Failed)
	assert.Positive(t, status.Totals.Queued+status.Totals.InFlight)
}
