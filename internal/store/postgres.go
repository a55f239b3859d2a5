package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/parcelgrid/enrich-cli/internal/db"
	"github.com/parcelgrid/enrich-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection. These
// are the dispatcher's hot path: every item runs through claim, transition,
// and the audit append.
var preparedStatements = map[string]string{
	"claim_item_any": `
		UPDATE run_items SET status = 'in_flight', updated_at = $1
		WHERE id = (
			SELECT i.id FROM run_items i
			JOIN runs r ON r.id = i.run_id
			WHERE i.status = 'queued' AND i.not_before <= $1 AND r.soft_paused = FALSE
			  AND NOT EXISTS (
				SELECT 1 FROM run_items x WHERE x.idem_key = i.idem_key AND x.status = 'in_flight'
			  )
			ORDER BY i.created_at, i.seq, i.id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + itemColumns,
	"mark_item_done": `
		UPDATE run_items
		SET status = 'done', provider = $1, cached = $2, cost_cents = $3, contact = $4,
		    last_error = '', error_kind = '', updated_at = $5
		WHERE id = $6 AND status = 'in_flight'`,
	"requeue_item": `
		UPDATE run_items SET status = 'queued', attempt = $1, not_before = $2, error_kind = $3, last_error = $4, updated_at = $5
		WHERE id = $6 AND status = 'in_flight'`,
	"append_provider_call": `
		INSERT INTO provider_calls (` + callColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"add_spend": `
		UPDATE runs SET budget_spent_cents = budget_spent_cents + $1, updated_at = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (the parcel bulk loader uses COPY).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	label              TEXT NOT NULL DEFAULT '',
	budget_cap_cents   BIGINT NOT NULL DEFAULT 0,
	budget_spent_cents BIGINT NOT NULL DEFAULT 0,
	soft_paused        BOOLEAN NOT NULL DEFAULT FALSE,
	max_attempts       INTEGER NOT NULL DEFAULT 3,
	started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at        TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_items (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	seq          INTEGER NOT NULL DEFAULT 0,
	external_id  TEXT NOT NULL DEFAULT '',
	identity     JSONB NOT NULL,
	idem_key     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	attempt      INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	not_before   TIMESTAMPTZ NOT NULL DEFAULT now(),
	provider     TEXT NOT NULL DEFAULT '',
	cached       BOOLEAN NOT NULL DEFAULT FALSE,
	cost_cents   BIGINT NOT NULL DEFAULT 0,
	contact      JSONB,
	last_error   TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provider_calls (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	item_ref    TEXT NOT NULL,
	provider    TEXT NOT NULL,
	idem_key    TEXT NOT NULL,
	cached      BOOLEAN NOT NULL DEFAULT FALSE,
	cost_cents  BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS delivery_log (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts_made   INTEGER NOT NULL DEFAULT 0,
	job_ref         TEXT NOT NULL DEFAULT '',
	payload         JSONB NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_attempt_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	geom_wkb        BYTEA,
	loaded_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}

	var v int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return eris.Wrap(err, "postgres: read schema version")
	}
	if v > schemaVersion {
		return eris.Errorf("postgres: database schema version %d is newer than supported %d", v, schemaVersion)
	}
	if v < schemaVersion {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
			return eris.Wrap(err, "postgres: record schema version")
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func checkTagAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func checkTagStaleItem(tag pgconn.CommandTag, itemID string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStaleItem, "item %s", itemID)
	}
	return nil
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run, items []model.RunItem) error {
	prepareRun(run, items)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, label, budget_cap_cents, budget_spent_cents, soft_paused, max_attempts, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Label, run.BudgetCapCents, run.BudgetSpentCents, run.SoftPaused,
		run.MaxAttempts, run.StartedAt, run.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert run")
	}

	rows := make([][]any, 0, len(items))
	for i := range items {
		it := &items[i]
		identityJSON, err := json.Marshal(it.Identity)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal identity")
		}
		var contactJSON any
		if it.Contact != nil {
			b, err := json.Marshal(it.Contact)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal contact")
			}
			contactJSON = b
		}
		rows = append(rows, []any{
			it.ID, it.RunID, it.Seq, it.ExternalID, identityJSON, it.IdemKey,
			string(it.Status), it.Attempt, it.MaxAttempts, it.NotBefore, it.Provider, it.Cached,
			it.CostCents, contactJSON, it.LastError, string(it.ErrorKind), it.CreatedAt, it.UpdatedAt,
		})
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"run_items"},
		[]string{"id", "run_id", "seq", "external_id", "identity", "idem_key", "status",
			"attempt", "max_attempts", "not_before", "provider", "cached", "cost_cents",
			"contact", "last_error", "error_kind", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return eris.Wrap(err, "postgres: copy run items")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create run")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Label != "" {
		args = append(args, filter.Label)
		query += ` AND label = $1`
	}
	if filter.Unfinished {
		query += ` AND finished_at IS NULL`
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
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
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) RunTotals(ctx context.Context, runID string) (model.RunTotals, error) {
	var t model.RunTotals

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM run_items WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return t, eris.Wrapf(err, "postgres: run totals %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return t, eris.Wrap(err, "postgres: scan run totals")
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
	return t, eris.Wrap(rows.Err(), "postgres: run totals iterate")
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET finished_at = $1, updated_at = $1 WHERE id = $2 AND finished_at IS NULL`,
		at.UTC(), runID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AddSpend(ctx context.Context, runID string, amountCents int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET budget_spent_cents = budget_spent_cents + $1, updated_at = $2 WHERE id = $3`,
		amountCents, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: add spend for run %s", runID)
	}
	return checkTagAffected(tag, "run", runID)
}

func (s *PostgresStore) SetSoftPaused(ctx context.Context, runID string, paused bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET soft_paused = $1, updated_at = $2 WHERE id = $3`,
		paused, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set soft paused for run %s", runID)
	}
	return checkTagAffected(tag, "run", runID)
}

func (s *PostgresStore) SetBudgetCap(ctx context.Context, runID string, capCents int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET budget_cap_cents = $1, updated_at = $2 WHERE id = $3`,
		capCents, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set budget cap for run %s", runID)
	}
	return checkTagAffected(tag, "run", runID)
}

// Items

func (s *PostgresStore) ClaimNextItem(ctx context.Context, runID string, now time.Time) (*model.RunItem, error) {
	now = now.UTC()

	// FOR UPDATE SKIP LOCKED makes the select-and-claim a single statement:
	// racing workers each lock a different candidate row.
	query := `
		UPDATE run_items SET status = 'in_flight', updated_at = $1
		WHERE id = (
			SELECT i.id FROM run_items i
			JOIN runs r ON r.id = i.run_id
			WHERE i.status = 'queued' AND i.not_before <= $1 AND r.soft_paused = FALSE
			  AND NOT EXISTS (
				SELECT 1 FROM run_items x WHERE x.idem_key = i.idem_key AND x.status = 'in_flight'
			  )`
	args := []any{now}
	if runID != "" {
		args = append(args, runID)
		query += `
			  AND i.run_id = $2`
	}
	query += `
			ORDER BY i.created_at, i.seq, i.id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + itemColumns

	row := s.pool.QueryRow(ctx, query, args...)
	it, err := scanItem(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim next item")
	}
	return it, nil
}

func (s *PostgresStore) MarkItemDone(ctx context.Context, itemID string, result ItemResult) error {
	var contactJSON any
	if result.Contact != nil {
		b, err := json.Marshal(result.Contact)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal contact")
		}
		contactJSON = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE run_items
		 SET status = 'done', provider = $1, cached = $2, cost_cents = $3, contact = $4,
		     last_error = '', error_kind = '', updated_at = $5
		 WHERE id = $6 AND status = 'in_flight'`,
		result.Provider, result.Cached, result.CostCents, contactJSON, time.Now().UTC(), itemID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark item done %s", itemID)
	}
	return checkTagStaleItem(tag, itemID)
}

func (s *PostgresStore) MarkItemFailed(ctx context.Context, itemID string, attempt int, kind model.ErrorKind, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_items SET status = 'failed', attempt = $1, error_kind = $2, last_error = $3, updated_at = $4
		 WHERE id = $5 AND status = 'in_flight'`,
		attempt, string(kind), lastErr, time.Now().UTC(), itemID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark item failed %s", itemID)
	}
	return checkTagStaleItem(tag, itemID)
}

func (s *PostgresStore) RequeueItem(ctx context.Context, itemID string, attempt int, notBefore time.Time, kind model.ErrorKind, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_items SET status = 'queued', attempt = $1, not_before = $2, error_kind = $3, last_error = $4, updated_at = $5
		 WHERE id = $6 AND status = 'in_flight'`,
		attempt, notBefore.UTC(), string(kind), lastErr, time.Now().UTC(), itemID)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue item %s", itemID)
	}
	return checkTagStaleItem(tag, itemID)
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (*model.RunItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM run_items WHERE id = $1`, itemID)
	it, err := scanItem(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get item %s", itemID)
	}
	return it, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, runID string) ([]model.RunItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM run_items WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items for run %s", runID)
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
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) FindCompletedByIdemKey(ctx context.Context, idemKey string) (*model.RunItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM run_items
		 WHERE idem_key = $1 AND status = 'done'
		 ORDER BY updated_at, id LIMIT 1`,
		idemKey)
	it, err := scanItem(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find completed by idem key")
	}
	return it, nil
}

// Provider call ledger

func (s *PostgresStore) AppendProviderCall(ctx context.Context, rec *model.ProviderCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_calls (`+callColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.RunID, rec.ItemRef, rec.Provider, rec.IdemKey,
		rec.Cached, rec.CostCents, rec.DurationMs, rec.CreatedAt)
	return eris.Wrap(err, "postgres: append provider call")
}

func (s *PostgresStore) ListProviderCalls(ctx context.Context, runID string) ([]model.ProviderCallRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM provider_calls WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list provider calls for run %s", runID)
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
	return calls, eris.Wrap(rows.Err(), "postgres: list provider calls iterate")
}

// Webhook deliveries

func (s *PostgresStore) CreateDeliveries(ctx context.Context, entries []model.DeliveryLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	prepareDeliveries(entries)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create deliveries")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for i := range entries {
		e := &entries[i]
		if _, err := tx.Exec(ctx,
			`INSERT INTO delivery_log (`+deliveryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.SubscriptionID, string(e.EventType), string(e.Status), e.AttemptsMade,
			e.JobRef, []byte(e.Payload), e.LastError, e.CreatedAt, e.LastAttemptAt, e.NextAttemptAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert delivery %s", e.ID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create deliveries")
}

func (s *PostgresStore) ClaimDueDelivery(ctx context.Context, now time.Time, lease time.Duration) (*model.DeliveryLogEntry, error) {
	now = now.UTC()

	row := s.pool.QueryRow(ctx, `
		UPDATE delivery_log SET next_attempt_at = $1
		WHERE id = (
			SELECT id FROM delivery_log
			WHERE status = 'pending' AND next_attempt_at <= $2
			ORDER BY next_attempt_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+deliveryColumns,
		now.Add(lease), now)
	d, err := scanDelivery(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim due delivery")
	}
	return d, nil
}

func (s *PostgresStore) MarkDeliveryDelivered(ctx context.Context, id string, attemptsMade int, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE delivery_log SET status = 'delivered', attempts_made = $1, last_attempt_at = $2, last_error = '' WHERE id = $3`,
		attemptsMade, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark delivery delivered %s", id)
	}
	return checkTagAffected(tag, "delivery", id)
}

func (s *PostgresStore) RescheduleDelivery(ctx context.Context, id string, attemptsMade int, nextAttemptAt time.Time, lastErr string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE delivery_log SET attempts_made = $1, next_attempt_at = $2, last_error = $3, last_attempt_at = $4 WHERE id = $5`,
		attemptsMade, nextAttemptAt.UTC(), lastErr, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: reschedule delivery %s", id)
	}
	return checkTagAffected(tag, "delivery", id)
}

func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, id string, attemptsMade int, lastErr string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE delivery_log SET status = 'failed', attempts_made = $1, last_error = $2, last_attempt_at = $3 WHERE id = $4`,
		attemptsMade, lastErr, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark delivery failed %s", id)
	}
	return checkTagAffected(tag, "delivery", id)
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]model.DeliveryLogEntry, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_log WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + itoa(len(args))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += ` AND event_type = $` + itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deliveries")
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
	return entries, eris.Wrap(rows.Err(), "postgres: list deliveries iterate")
}

// Assessor parcels

func (s *PostgresStore) UpsertParcels(ctx context.Context, parcels []model.Parcel) (int64, error) {
	if len(parcels) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	rows := make([][]any, 0, len(parcels))
	for i := range parcels {
		p := &parcels[i]
		if p.LoadedAt.IsZero() {
			p.LoadedAt = now
		}
		rows = append(rows, []any{
			p.APN, p.County, p.SitusStreet, p.SitusCity, p.SitusState, p.SitusZip,
			p.SitusKey, p.OwnerName, p.MailingAddress, p.GeomWKB, p.LoadedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "parcels",
		Columns: []string{"apn", "county", "situs_street", "situs_city", "situs_state",
			"situs_zip", "situs_key", "owner_name", "mailing_address", "geom_wkb", "loaded_at"},
		ConflictKeys: []string{"county", "apn"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert parcels")
	}
	return n, nil
}

func (s *PostgresStore) FindParcelBySitus(ctx context.Context, situsKey string) (*model.Parcel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+parcelColumns+` FROM parcels WHERE situs_key = $1 LIMIT 1`, situsKey)
	p, err := scanParcel(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find parcel by situs")
	}
	return p, nil
}
