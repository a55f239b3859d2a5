// Package report aggregates a run's per-item outcomes into the operator
// view: one row per item, run totals, spend, and the cache hit-rate.
package report

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

// Row is one item's outcome.
type Row struct {
	ExternalID     string `json:"external_id"`
	Status         string `json:"status"`
	OwnerName      string `json:"owner_name,omitempty"`
	PrimaryContact string `json:"primary_contact,omitempty"`
	CostCents      int64  `json:"cost_cents"`
	Cached         bool   `json:"cached"`
	Provider       string `json:"provider,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// Report is the aggregate outcome of a run. Partial by design: done rows
// carry results even while other items are failed or still queued.
type Report struct {
	RunID      string          `json:"run_id"`
	Label      string          `json:"label,omitempty"`
	SoftPaused bool            `json:"soft_paused"`
	Totals     model.RunTotals `json:"totals"`
	SpentCents int64           `json:"spent_cents"`
	CapCents   int64           `json:"cap_cents"`
	HitRate    float64         `json:"hit_rate"`
	Rows       []Row           `json:"rows"`
}

// Build assembles the report for one run.
func Build(ctx context.Context, st store.Store, runID string) (*Report, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "report: get run")
	}
	items, err := st.ListItems(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "report: list items")
	}

	r := &Report{
		RunID:      run.ID,
		Label:      run.Label,
		SoftPaused: run.SoftPaused,
		SpentCents: run.BudgetSpentCents,
		CapCents:   run.BudgetCapCents,
		Rows:       make([]Row, 0, len(items)),
	}

	var cached int
	for _, it := range items {
		row := Row{
			ExternalID: it.ExternalID,
			Status:     string(it.Status),
			CostCents:  it.CostCents,
			Cached:     it.Cached,
			Provider:   it.Provider,
			LastError:  it.LastError,
		}
		if it.Contact != nil {
			row.OwnerName = it.Contact.OwnerName
			row.PrimaryContact = it.Contact.Primary()
		}
		r.Rows = append(r.Rows, row)

		switch it.Status {
		case model.ItemStatusQueued:
			r.Totals.Queued++
		case model.ItemStatusInFlight:
			r.Totals.InFlight++
		case model.ItemStatusDone:
			r.Totals.Done++
		case model.ItemStatusFailed:
			r.Totals.Failed++
		}
		if it.Cached {
			cached++
		}
	}

	if total := r.Totals.Total(); total > 0 {
		r.HitRate = float64(cached) / float64(total)
	}
	return r, nil
}

var csvHeader = []string{"external_id", "status", "owner_name", "primary_contact", "cost_cents", "cached", "provider", "last_error"}

// WriteCSV writes the per-item rows as CSV.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, row := range r.Rows {
		rec := []string{
			row.ExternalID,
			row.Status,
			row.OwnerName,
			row.PrimaryContact,
			strconv.FormatInt(row.CostCents, 10),
			strconv.FormatBool(row.Cached),
			row.Provider,
			row.LastError,
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrap(err, "report: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush csv")
}
