package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelgrid/enrich-cli/internal/budget"
	"github.com/parcelgrid/enrich-cli/internal/metrics"
	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/registry"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

type countingNudger struct {
	n atomic.Int64
}

func (c *countingNudger) Nudge() { c.n.Add(1) }

type testAPI struct {
	srv    *httptest.Server
	store  *store.SQLiteStore
	reg    *registry.Registry
	nudger *countingNudger
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st)
	nudger := &countingNudger{}
	s := New(reg, st, budget.NewGuard(st), metrics.NewAggregator(64), nudger)

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, store: st, reg: reg, nudger: nudger}
}

func (a *testAPI) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(a.srv.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(a.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func submitBody(n int) map[string]any {
	ids := make([]map[string]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, map[string]string{
			"external_id": fmt.Sprintf("L-%d", i),
			"street":      fmt.Sprintf("%d Congress Ave", i),
			"city":        "Austin",
			"state":       "TX",
			"zip":         "78701",
		})
	}
	return map[string]any{
		"identities":       ids,
		"label":            "api-test",
		"budget_cap_cents": 500,
		"max_attempts":     3,
	}
}

func TestSubmitCreatesRunAndNudges(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.postJSON(t, "/v1/runs", submitBody(3))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.EqualValues(t, 1, api.nudger.n.Load())

	run, err := api.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "api-test", run.Label)
	assert.EqualValues(t, 500, run.BudgetCapCents)
}

func TestSubmitRejectsEmptyIdentities(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.postJSON(t, "/v1/runs", map[string]any{"identities": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "identities")
}

func TestSubmitRejectsLeadWithoutStreet(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.postJSON(t, "/v1/runs", map[string]any{
		"identities": []map[string]string{{"external_id": "L-1", "city": "Austin"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusReportsTotals(t *testing.T) {
	api := newTestAPI(t)

	_, body := api.postJSON(t, "/v1/runs", submitBody(2))
	runID := body["run_id"].(string)

	resp, status := api.get(t, "/v1/runs/"+runID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, runID, status["run_id"])
	assert.Equal(t, false, status["soft_paused"])
	totals := status["totals"].(map[string]any)
	assert.EqualValues(t, 2, totals["queued"])
	assert.EqualValues(t, 0, totals["done"])
}

func TestStatusUnknownRun(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.get(t, "/v1/runs/no-such-run")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "run not found", body["error"])
}

func TestListRunsFiltersByLabel(t *testing.T) {
	api := newTestAPI(t)

	api.postJSON(t, "/v1/runs", submitBody(1))
	other := submitBody(1)
	other["label"] = "other-batch"
	api.postJSON(t, "/v1/runs", other)

	resp, body := api.get(t, "/v1/runs?label=other-batch")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "other-batch", runs[0].(map[string]any)["label"])
}

func TestResumeClearsPauseAndNudges(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	_, body := api.postJSON(t, "/v1/runs", submitBody(1))
	runID := body["run_id"].(string)
	require.NoError(t, api.store.SetSoftPaused(ctx, runID, true))
	before := api.nudger.n.Load()

	resp, out := api.postJSON(t, "/v1/runs/"+runID+"/resume", map[string]any{"cap_cents": 1000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["soft_paused"])
	assert.Greater(t, api.nudger.n.Load(), before)

	run, err := api.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.False(t, run.SoftPaused)
	assert.EqualValues(t, 1000, run.BudgetCapCents)
}

func TestResumeUnknownRun(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.postJSON(t, "/v1/runs/no-such-run/resume", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportIncludesRows(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	_, body := api.postJSON(t, "/v1/runs", submitBody(1))
	runID := body["run_id"].(string)

	item, err := api.store.ClaimNextItem(ctx, runID, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, api.store.MarkItemDone(ctx, item.ID, store.ItemResult{
		Provider:  "skiptrace",
		CostCents: 25,
		Contact:   &model.ContactInfo{OwnerName: "Maria Delgado"},
	}))

	resp, rep := api.get(t, "/v1/runs/"+runID+"/report")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rows := rep["rows"].([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "L-1", row["external_id"])
	assert.Equal(t, "done", row["status"])
	assert.Equal(t, "Maria Delgado", row["owner_name"])
}

func TestMetricsSnapshot(t *testing.T) {
	api := newTestAPI(t)

	resp, err := http.Get(api.srv.URL + "/v1/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
