package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/parcelgrid/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	label              TEXT NOT NULL DEFAULT '',
	budget_cap_cents   INTEGER NOT NULL DEFAULT 0,
	budget_spent_cents INTEGER NOT NULL DEFAULT 0,
	soft_paused        INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL DEFAULT 3,
	started_at         DATETIME NOT NULL,
	finished_at        DATETIME,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_items (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	seq          INTEGER NOT NULL DEFAULT 0,
	external_id  TEXT NOT NULL DEFAULT '',
	identity     TEXT NOT NULL,
	idem_key     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	attempt      INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	not_before   DATETIME NOT NULL,
	provider     TEXT NOT NULL DEFAULT '',
	cached       INTEGER NOT NULL DEFAULT 0,
	cost_cents   INTEGER NOT NULL DEFAULT 0,
	contact      TEXT,
	last_error   TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_calls (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	item_ref    TEXT NOT NULL,
	provider    TEXT NOT NULL,
	idem_key    TEXT NOT NULL,
	cached      INTEGER NOT NULL DEFAULT 0,
	cost_cents  INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS delivery_log (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts_made   INTEGER NOT NULL DEFAULT 0,
	job_ref         TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	last_attempt_at DATETIME,
	next_attempt_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS parcels (
	apn             TEXT NOT NULL,
	county          TEXT NOT NULL,
	situs_street    TEXT NOT NULL DEFAULT '',
	situs_city      TEXT NOT NULL DEFAULT '',
	situs_state     TEXT NOT NULL DEFAULT '',
	situs_zip       TEXT NOT NULL DEFAULT '',
	situs_key       TEXT NOT NULL DEFAULT '',
	owner_name      TEXT NOT NULL DEFAULT '',
	mailing_address TEXT NOT NULL DEFAULT '',
	geom_wkb        BLOB,
	loaded_at       DATETIME NOT NULL,
	PRIMARY KEY (county, apn)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_run_items_run_id ON run_items(run_id);
CREATE INDEX IF NOT EXISTS idx_run_items_claim ON run_items(status, not_before);
CREATE INDEX IF NOT EXISTS idx_run_items_idem_key ON run_items(idem_key);
CREATE INDEX IF NOT EXISTS idx_provider_calls_run_id ON provider_calls(run_id);
CREATE INDEX IF NOT EXISTS idx_provider_calls_idem_key ON provider_calls(idem_key);
CREATE INDEX IF NOT EXISTS idx_delivery_log_due ON delivery_log(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_parcels_situs_key ON parcels(situs_key);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}

	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return eris.Wrap(err, "sqlite: read schema version")
	}
	if v > schemaVersion {
		return eris.Errorf("sqlite: database schema version %d is newer than supported %d", v, schemaVersion)
	}
	if v < schemaVersion {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			schemaVersion, time.Now().UTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: record schema version")
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run, items []model.RunItem) error {
	prepareRun(run, items)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create run")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, label, budget_cap_cents, budget_spent_cents, soft_paused, max_attempts, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Label, run.BudgetCapCents, run.BudgetSpentCents, run.SoftPaused,
		run.MaxAttempts, run.StartedAt, run.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert run")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert item")
	}
	defer stmt.Close()

	for i := range items {
		it := &items[i]
		identityJSON, err := json.Marshal(it.Identity)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal identity")
		}
		var contactJSON any
		if it.Contact != nil {
			b, err := json.Marshal(it.Contact)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal contact")
			}
			contactJSON = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			it.ID, it.RunID, it.Seq, it.ExternalID, string(identityJSON), it.IdemKey,
			string(it.Status), it.Attempt, it.MaxAttempts, it.NotBefore, it.Provider, it.Cached,
			it.CostCents, contactJSON, it.LastError, string(it.ErrorKind), it.CreatedAt, it.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert item %s", it.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create run")
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Label != "" {
		query += ` AND label = ?`
		args = append(args, filter.Label)
	}
	if filter.Unfinished {
		query += ` AND finished_at IS NULL`
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RunTotals(ctx context.Context, runID string) (model.RunTotals, error) {
	var t model.RunTotals

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM run_items WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return t, eris.Wrapf(err, "sqlite: run totals %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return t, eris.Wrap(err, "sqlite: scan run totals")
		}
		switch model.ItemStatus(status) {
		case model.ItemStatusQueued:
			t.Queued = n
		case model.ItemStatusInFlight:
			t.InFlight = n
		case model.ItemStatusDone:
			t.Done = n
		case model.ItemStatusFailed:
			t.Failed = n
		}
	}
	return t, eris.Wrap(rows.Err(), "sqlite: run totals iterate")
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, updated_at = ? WHERE id = ? AND finished_at IS NULL`,
		at.UTC(), at.UTC(), runID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) AddSpend(ctx context.Context, runID string, amountCents int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET budget_spent_cents = budget_spent_cents + ?, updated_at = ? WHERE id = ?`,
		amountCents, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add spend for run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) SetSoftPaused(ctx context.Context, runID string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET soft_paused = ?, updated_at = ? WHERE id = ?`,
		paused, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set soft paused for run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) SetBudgetCap(ctx context.Context, runID string, capCents int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET budget_cap_cents = ?, updated_at = ? WHERE id = ?`,
		capCents, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set budget cap for run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// Items

func (s *SQLiteStore) ClaimNextItem(ctx context.Context, runID string, now time.Time) (*model.RunItem, error) {
	now = now.UTC()

	query := `
		SELECT i.id FROM run_items i
		JOIN runs r ON r.id = i.run_id
		WHERE i.status = 'queued' AND i.not_before <= ? AND r.soft_paused = 0
		  AND NOT EXISTS (
			SELECT 1 FROM run_items x WHERE x.idem_key = i.idem_key AND x.status = 'in_flight'
		  )`
	args := []any{now}
	if runID != "" {
		query += ` AND i.run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY i.created_at, i.seq, i.id LIMIT 1`

	// SQLite has no SKIP LOCKED, so claim with a conditional update and
	// retry on the next candidate when another worker wins the row.
	for {
		var id string
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: select claimable item")
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE run_items SET status = 'in_flight', updated_at = ? WHERE id = ? AND status = 'queued'`,
			now, id)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim item %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 1 {
			return s.GetItem(ctx, id)
		}
	}
}

func (s *SQLiteStore) MarkItemDone(ctx context.Context, itemID string, result ItemResult) error {
	var contactJSON any
	if result.Contact != nil {
		b, err := json.Marshal(result.Contact)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal contact")
		}
		contactJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_items
		 SET status = 'done', provider = ?, cached = ?, cost_cents = ?, contact = ?,
		     last_error = '', error_kind = '', updated_at = ?
		 WHERE id = ? AND status = 'in_flight'`,
		result.Provider, result.Cached, result.CostCents, contactJSON, time.Now().UTC(), itemID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark item done %s", itemID)
	}
	return checkStaleItem(res, itemID)
}

func (s *SQLiteStore) MarkItemFailed(ctx context.Context, itemID string, attempt int, kind model.ErrorKind, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_items SET status = 'failed', attempt = ?, error_kind = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'in_flight'`,
		attempt, string(kind), lastErr, time.Now().UTC(), itemID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark item failed %s", itemID)
	}
	return checkStaleItem(res, itemID)
}

func (s *SQLiteStore) RequeueItem(ctx context.Context, itemID string, attempt int, notBefore time.Time, kind model.ErrorKind, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_items SET status = 'queued', attempt = ?, not_before = ?, error_kind = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'in_flight'`,
		attempt, notBefore.UTC(), string(kind), lastErr, time.Now().UTC(), itemID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue item %s", itemID)
	}
	return checkStaleItem(res, itemID)
}

func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (*model.RunItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM run_items WHERE id = ?`, itemID)
	it, err := scanItem(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get item %s", itemID)
	}
	return it, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, runID string) ([]model.RunItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM run_items WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items for run %s", runID)
	}
	defer rows.Close()

	var items []model.RunItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) FindCompletedByIdemKey(ctx context.Context, idemKey string) (*model.RunItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM run_items
		 WHERE idem_key = ? AND status = 'done'
		 ORDER BY updated_at, id LIMIT 1`,
		idemKey)
	it, err := scanItem(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find completed by idem key")
	}
	return it, nil
}

// Provider call ledger

func (s *SQLiteStore) AppendProviderCall(ctx context.Context, rec *model.ProviderCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_calls (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.ItemRef, rec.Provider, rec.IdemKey,
		rec.Cached, rec.CostCents, rec.DurationMs, rec.CreatedAt)
	return eris.Wrap(err, "sqlite: append provider call")
}

func (s *SQLiteStore) ListProviderCalls(ctx context.Context, runID string) ([]model.ProviderCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM provider_calls WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list provider calls for run %s", runID)
	}
	defer rows.Close()

	var calls []model.ProviderCallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	return calls, eris.Wrap(rows.Err(), "sqlite: list provider calls iterate")
}

// Webhook deliveries

func (s *SQLiteStore) CreateDeliveries(ctx context.Context, entries []model.DeliveryLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	prepareDeliveries(entries)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create deliveries")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO delivery_log (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert delivery")
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.SubscriptionID, string(e.EventType), string(e.Status), e.AttemptsMade,
			e.JobRef, string(e.Payload), e.LastError, e.CreatedAt, e.LastAttemptAt, e.NextAttemptAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert delivery %s", e.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create deliveries")
}

func (s *SQLiteStore) ClaimDueDelivery(ctx context.Context, now time.Time, lease time.Duration) (*model.DeliveryLogEntry, error) {
	now = now.UTC()

	for {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM delivery_log
			 WHERE status = 'pending' AND next_attempt_at <= ?
			 ORDER BY next_attempt_at, id LIMIT 1`,
			now).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: select due delivery")
		}

		// Lease the row by pushing next_attempt_at past the horizon; the
		// status stays pending so a crashed worker's claim resurfaces.
		res, err := s.db.ExecContext(ctx,
			`UPDATE delivery_log SET next_attempt_at = ?
			 WHERE id = ? AND status = 'pending' AND next_attempt_at <= ?`,
			now.Add(lease), id, now)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: lease delivery %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 1 {
			row := s.db.QueryRowContext(ctx,
				`SELECT `+deliveryColumns+` FROM delivery_log WHERE id = ?`, id)
			d, err := scanDelivery(row)
			if err != nil {
				return nil, eris.Wrapf(err, "sqlite: get delivery %s", id)
			}
			return d, nil
		}
	}
}

func (s *SQLiteStore) MarkDeliveryDelivered(ctx context.Context, id string, attemptsMade int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_log SET status = 'delivered', attempts_made = ?, last_attempt_at = ?, last_error = '' WHERE id = ?`,
		attemptsMade, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark delivery delivered %s", id)
	}
	return checkRowsAffected(res, "delivery", id)
}

func (s *SQLiteStore) RescheduleDelivery(ctx context.Context, id string, attemptsMade int, nextAttemptAt time.Time, lastErr string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_log SET attempts_made = ?, next_attempt_at = ?, last_error = ?, last_attempt_at = ? WHERE id = ?`,
		attemptsMade, nextAttemptAt.UTC(), lastErr, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reschedule delivery %s", id)
	}
	return checkRowsAffected(res, "delivery", id)
}

func (s *SQLiteStore) MarkDeliveryFailed(ctx context.Context, id string, attemptsMade int, lastErr string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_log SET status = 'failed', attempts_made = ?, last_error = ?, last_attempt_at = ? WHERE id = ?`,
		attemptsMade, lastErr, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark delivery failed %s", id)
	}
	return checkRowsAffected(res, "delivery", id)
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]model.DeliveryLogEntry, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_log WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deliveries")
	}
	defer rows.Close()

	var entries []model.DeliveryLogEntry
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *d)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list deliveries iterate")
}

// Assessor parcels

func (s *SQLiteStore) UpsertParcels(ctx context.Context, parcels []model.Parcel) (int64, error) {
	if len(parcels) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert parcels")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO parcels (`+parcelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (county, apn) DO UPDATE SET
		   situs_street = excluded.situs_street, situs_city = excluded.situs_city,
		   situs_state = excluded.situs_state, situs_zip = excluded.situs_zip,
		   situs_key = excluded.situs_key, owner_name = excluded.owner_name,
		   mailing_address = excluded.mailing_address, geom_wkb = excluded.geom_wkb,
		   loaded_at = excluded.loaded_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert parcel")
	}
	defer stmt.Close()

	var total int64
	for i := range parcels {
		p := &parcels[i]
		if p.LoadedAt.IsZero() {
			p.LoadedAt = now
		}
		res, err := stmt.ExecContext(ctx,
			p.APN, p.County, p.SitusStreet, p.SitusCity, p.SitusState, p.SitusZip,
			p.SitusKey, p.OwnerName, p.MailingAddress, p.GeomWKB, p.LoadedAt)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert parcel %s/%s", p.County, p.APN)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert parcels")
	}
	return total, nil
}

func (s *SQLiteStore) FindParcelBySitus(ctx context.Context, situsKey string) (*model.Parcel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+parcelColumns+` FROM parcels WHERE situs_key = ? LIMIT 1`, situsKey)
	p, err := scanParcel(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find parcel by situs")
	}
	return p, nil
}
