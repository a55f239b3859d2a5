package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

func buildSettledRun(t *testing.T) (store.Store, string) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	run := &model.Run{Label: "travis-batch", BudgetCapCents: 100}
	items := []model.RunItem{
		{ExternalID: "L-1", IdemKey: "k1", Identity: model.Identity{Street: "1 Main St"}},
		{ExternalID: "L-2", IdemKey: "k2", Identity: model.Identity{Street: "2 Main St"}},
		{ExternalID: "L-3", IdemKey: "k1", Identity: model.Identity{Street: "1 MAIN ST"}},
		{ExternalID: "L-4", IdemKey: "k3", Identity: model.Identity{Street: "4 Main St"}},
	}
	require.NoError(t, s.CreateRun(ctx, run, items))

	now := time.Now().UTC()

	// L-1 done via paid call.
	it, err := s.ClaimNextItem(ctx, run.ID, now)
	require.NoError(t, err)
	require.NoError(t, s.MarkItemDone(ctx, it.ID, store.ItemResult{
		Provider:  "skiptrace",
		CostCents: 25,
		Contact: &model.ContactInfo{
			OwnerName: "DELGADO MARIA",
			Phones:    []model.Phone{{Number: "+15125550134", LineType: "mobile"}},
		},
	}))

	// L-2 fails.
	it, err = s.ClaimNextItem(ctx, run.ID, now)
	require.NoError(t, err)
	require.NoError(t, s.MarkItemFailed(ctx, it.ID, 3, model.ErrKindUpstream, "connect timeout"))

	// L-3 is a cache hit off L-1's key.
	it, err = s.ClaimNextItem(ctx, run.ID, now)
	require.NoError(t, err)
	require.NoError(t, s.MarkItemDone(ctx, it.ID, store.ItemResult{
		Provider: "skiptrace",
		Cached:   true,
		Contact:  &model.ContactInfo{OwnerName: "DELGADO MARIA", Emails: []string{"m@example.com"}},
	}))

	// L-4 stays queued.
	return s, run.ID
}

func TestBuild(t *testing.T) {
	s, runID := buildSettledRun(t)

	r, err := Build(context.Background(), s, runID)
	require.NoError(t, err)

	assert.Equal(t, runID, r.RunID)
	assert.Equal(t, "travis-batch", r.Label)
	assert.Equal(t, 2, r.Totals.Done)
	assert.Equal(t, 1, r.Totals.Failed)
	assert.Equal(t, 1, r.Totals.Queued)
	assert.InDelta(t, 0.25, r.HitRate, 1e-9)
	require.Len(t, r.Rows, 4)

	byExt := make(map[string]Row, len(r.Rows))
	for _, row := range r.Rows {
		byExt[row.ExternalID] = row
	}

	done := byExt["L-1"]
	assert.Equal(t, "done", done.Status)
	assert.Equal(t, "DELGADO MARIA", done.OwnerName)
	assert.Equal(t, "+15125550134", done.PrimaryContact)
	assert.EqualValues(t, 25, done.CostCents)
	assert.False(t, done.Cached)

	cachedRow := byExt["L-3"]
	assert.True(t, cachedRow.Cached)
	assert.Zero(t, cachedRow.CostCents)
	assert.Equal(t, "m@example.com", cachedRow.PrimaryContact)

	failed := byExt["L-2"]
	assert.Equal(t, "failed", failed.Status)
	assert.Equal(t, "connect timeout", failed.LastError)

	queued := byExt["L-4"]
	assert.Equal(t, "queued", queued.Status)
	assert.Empty(t, queued.Provider)
}

func TestBuildUnknownRun(t *testing.T) {
	s, _ := buildSettledRun(t)

	_, err := Build(context.Background(), s, "no-such-run")
	require.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	s, runID := buildSettledRun(t)

	r, err := Build(context.Background(), s, runID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.WriteCSV(&buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5) // header + 4 rows
	assert.Equal(t, csvHeader, records[0])

	var sawCached bool
	for _, rec := range records[1:] {
		require.Len(t, rec, len(csvHeader))
		if rec[5] == "true" {
			sawCached = true
		}
	}
	assert.True(t, sawCached)
}
