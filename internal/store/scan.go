package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/parcelgrid/enrich-cli/internal/model"
)

// Column lists shared by both backends. The schemas are identical apart
// from SQL dialect, so the scan helpers below work against either.
const (
	runColumns      = `id, label, budget_cap_cents, budget_spent_cents, soft_paused, max_attempts, started_at, finished_at, updated_at`
	itemColumns     = `id, run_id, seq, external_id, identity, idem_key, status, attempt, max_attempts, not_before, provider, cached, cost_cents, contact, last_error, error_kind, created_at, updated_at`
	callColumns     = `id, run_id, item_ref, provider, idem_key, cached, cost_cents, duration_ms, created_at`
	deliveryColumns = `id, subscription_id, event_type, status, attempts_made, job_ref, payload, last_error, created_at, last_attempt_at, next_attempt_at`
	parcelColumns   = `apn, county, situs_street, situs_city, situs_state, situs_zip, situs_key, owner_name, mailing_address, geom_wkb, loaded_at`
)

type scannable interface {
	Scan(dest ...any) error
}

// itoa builds positional placeholders ($1, $2, ...) for dynamic filters.
func itoa(n int) string {
	return strconv.Itoa(n)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func checkStaleItem(res sql.Result, itemID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrStaleItem, "item %s", itemID)
	}
	return nil
}

func scanCall(row scannable) (*model.ProviderCallRecord, error) {
	var c model.ProviderCallRecord

	err := row.Scan(&c.ID, &c.RunID, &c.ItemRef, &c.Provider, &c.IdemKey,
		&c.Cached, &c.CostCents, &c.DurationMs, &c.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan provider call")
	}
	return &c, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var finishedAt *time.Time

	err := row.Scan(&r.ID, &r.Label, &r.BudgetCapCents, &r.BudgetSpentCents, &r.SoftPaused,
		&r.MaxAttempts, &r.StartedAt, &finishedAt, &r.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan run")
	}
	r.FinishedAt = finishedAt
	return &r, nil
}

func scanItem(row scannable) (*model.RunItem, error) {
	var it model.RunItem
	var identityJSON, contactJSON []byte

	err := row.Scan(&it.ID, &it.RunID, &it.Seq, &it.ExternalID, &identityJSON, &it.IdemKey,
		&it.Status, &it.Attempt, &it.MaxAttempts, &it.NotBefore, &it.Provider, &it.Cached,
		&it.CostCents, &contactJSON, &it.LastError, &it.ErrorKind, &it.CreatedAt, &it.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan item")
	}

	if err := json.Unmarshal(identityJSON, &it.Identity); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal identity")
	}
	if len(contactJSON) > 0 {
		it.Contact = &model.ContactInfo{}
		if err := json.Unmarshal(contactJSON, it.Contact); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal contact")
		}
	}
	return &it, nil
}

func scanDelivery(row scannable) (*model.DeliveryLogEntry, error) {
	var d model.DeliveryLogEntry
	var payload []byte
	var lastAttemptAt *time.Time

	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.Status, &d.AttemptsMade,
		&d.JobRef, &payload, &d.LastError, &d.CreatedAt, &lastAttemptAt, &d.NextAttemptAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan delivery")
	}
	d.Payload = payload
	d.LastAttemptAt = lastAttemptAt
	return &d, nil
}

func scanParcel(row scannable) (*model.Parcel, error) {
	var p model.Parcel

	err := row.Scan(&p.APN, &p.County, &p.SitusStreet, &p.SitusCity, &p.SitusState,
		&p.SitusZip, &p.SitusKey, &p.OwnerName, &p.MailingAddress, &p.GeomWKB, &p.LoadedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan parcel")
	}
	return &p, nil
}
