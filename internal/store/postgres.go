package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/markymo/compass-sub003/internal/db"
	"github.com/markymo/compass-sub003/internal/model"
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

const (
	sqlPgFieldState = `SELECT v.value, p.provenance FROM master_values v
		 LEFT JOIN field_provenance p ON p.entity_id = v.entity_id AND p.field_no = v.field_no
		 WHERE v.entity_id = $1 AND v.field_no = $2`
	sqlPgPutFieldValue = `INSERT INTO master_values (entity_id, field_no, table_name, column_name, value, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (entity_id, field_no) DO UPDATE SET
		   table_name = $3, column_name = $4, value = $5, updated_at = $6`
	sqlPgPutProvenance = `INSERT INTO field_provenance (entity_id, field_no, provenance, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entity_id, field_no) DO UPDATE SET provenance = $3, updated_at = $4`
	sqlPgAppendAudit = `INSERT INTO audit_log (id, entity_id, field_no, custom_key, old_value, new_value, source, verified,
		                        evidence_id, reason, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	sqlPgEntityLock = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

// preparedStatements lists the ledger queries prepared on each new connection.
var preparedStatements = map[string]string{
	"field_state":     sqlPgFieldState,
	"put_field_value": sqlPgPutFieldValue,
	"put_provenance":  sqlPgPutProvenance,
	"append_audit":    sqlPgAppendAudit,
	"entity_lock":     sqlPgEntityLock,
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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS evidence (
	id             TEXT PRIMARY KEY,
	hash           TEXT NOT NULL UNIQUE,
	provider       TEXT NOT NULL,
	payload        TEXT NOT NULL,
	schema_version TEXT NOT NULL DEFAULT '',
	retrieved_at   TIMESTAMPTZ NOT NULL,
	captured_by    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS custom_field_definitions (
	org_id    TEXT NOT NULL,
	key       TEXT NOT NULL,
	label     TEXT NOT NULL DEFAULT '',
	data_type TEXT NOT NULL,
	PRIMARY KEY (org_id, key)
);

CREATE TABLE IF NOT EXISTS master_values (
	entity_id   TEXT NOT NULL,
	field_no    INTEGER NOT NULL,
	table_name  TEXT NOT NULL,
	column_name TEXT NOT NULL,
	value       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_id, field_no)
);

CREATE TABLE IF NOT EXISTS field_provenance (
	entity_id  TEXT NOT NULL,
	field_no   INTEGER NOT NULL,
	provenance JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_id, field_no)
);

CREATE TABLE IF NOT EXISTS custom_values (
	entity_id  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	provenance JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_id, key)
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	entity_id   TEXT NOT NULL,
	field_no    INTEGER NOT NULL DEFAULT 0,
	custom_key  TEXT NOT NULL DEFAULT '',
	old_value   JSONB,
	new_value   JSONB NOT NULL,
	source      TEXT NOT NULL,
	verified    BOOLEAN NOT NULL DEFAULT false,
	evidence_id TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS review_queue (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	entity_id      TEXT NOT NULL,
	field_no       INTEGER NOT NULL,
	question_id    TEXT NOT NULL DEFAULT '',
	current_value  JSONB,
	proposed_value JSONB,
	reason         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'open',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS field_definitions (
	field_no        INTEGER PRIMARY KEY,
	field_name      TEXT NOT NULL,
	table_name      TEXT NOT NULL,
	column_name     TEXT NOT NULL,
	data_type       TEXT NOT NULL,
	options         TEXT[],
	catalog_version TEXT NOT NULL,
	synced_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entities_org ON entities(org_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_id, seq);
CREATE INDEX IF NOT EXISTS idx_review_queue_entity ON review_queue(entity_id, status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Evidence ---

func (s *PostgresStore) PutEvidence(ctx context.Context, rec model.EvidenceRecord) (string, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RetrievedAt.IsZero() {
		rec.RetrievedAt = time.Now().UTC()
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO evidence (id, hash, provider, payload, schema_version, retrieved_at, captured_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (hash) DO NOTHING RETURNING id`,
		rec.ID, rec.Hash, string(rec.Provider), string(rec.Payload), rec.SchemaVersion, rec.RetrievedAt, rec.CapturedBy,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, eris.Wrap(err, "postgres: insert evidence")
	}

	// Hash already stored.
	err = s.pool.QueryRow(ctx, `SELECT id FROM evidence WHERE hash = $1`, rec.Hash).Scan(&id)
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: lookup evidence by hash %s", rec.Hash)
	}
	return id, false, nil
}

func (s *PostgresStore) GetEvidence(ctx context.Context, id string) (*model.EvidenceRecord, error) {
	var rec model.EvidenceRecord
	var provider, payload string
	err := s.pool.QueryRow(ctx,
		`SELECT id, hash, provider, payload, schema_version, retrieved_at, captured_by FROM evidence WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.Hash, &provider, &payload, &rec.SchemaVersion, &rec.RetrievedAt, &rec.CapturedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: evidence %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get evidence %s", id)
	}
	rec.Provider = model.Source(provider)
	rec.Payload = []byte(payload)
	return &rec, nil
}

func (s *PostgresStore) CountEvidence(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM evidence`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count evidence")
}

// --- Entities ---

func (s *PostgresStore) CreateEntity(ctx context.Context, e model.Entity) (*model.Entity, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OrgID == "" {
		return nil, eris.New("postgres: entity requires an organisation")
	}
	e.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (id, org_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.OrgID, e.Name, e.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert entity %s", e.ID)
	}
	return &e, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	return (&pgTx{q: s.pool}).Entity(ctx, id)
}

func (s *PostgresStore) DefineCustomField(ctx context.Context, def model.CustomFieldDefinition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO custom_field_definitions (org_id, key, label, data_type) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (org_id, key) DO UPDATE SET label = $3, data_type = $4`,
		def.OrgID, def.Key, def.Label, string(def.DataType),
	)
	return eris.Wrapf(err, "postgres: define custom field %s/%s", def.OrgID, def.Key)
}

// SyncFieldCatalog upserts the registry into the field_definitions reference
// table so reporting queries can join master values to their definitions.
func (s *PostgresStore) SyncFieldCatalog(ctx context.Context, reg *model.FieldRegistry) (int64, error) {
	now := time.Now().UTC()
	fields := reg.All()
	rows := make([][]any, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, []any{
			f.FieldNo, f.FieldName, f.Table, f.Column, string(f.DataType), f.Options, reg.Version, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "field_definitions",
		Columns:      []string{"field_no", "field_name", "table_name", "column_name", "data_type", "options", "catalog_version", "synced_at"},
		ConflictKeys: []string{"field_no"},
	}, rows)
	return n, eris.Wrap(err, "postgres: sync field catalog")
}

// --- Ledger ---

// InEntityTx runs fn in a transaction holding a transaction-scoped advisory
// lock keyed by the entity id, so writers to one entity serialize across
// processes.
func (s *PostgresStore) InEntityTx(ctx context.Context, entityID string, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin entity tx %s", entityID)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, sqlPgEntityLock, entityID); err != nil {
		return eris.Wrapf(err, "postgres: lock entity %s", entityID)
	}

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: commit entity tx %s", entityID)
}

func (s *PostgresStore) FieldState(ctx context.Context, entityID string, fieldNo int) (*model.FieldState, error) {
	return (&pgTx{q: s.pool}).FieldState(ctx, entityID, fieldNo)
}

func (s *PostgresStore) ListFieldStates(ctx context.Context, entityID string) ([]model.FieldState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT v.field_no, v.value, p.provenance FROM master_values v
		 LEFT JOIN field_provenance p ON p.entity_id = v.entity_id AND p.field_no = v.field_no
		 WHERE v.entity_id = $1 ORDER BY v.field_no`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list field states %s", entityID)
	}
	defer rows.Close()

	var states []model.FieldState
	for rows.Next() {
		var fieldNo int
		var value, prov []byte
		if err := rows.Scan(&fieldNo, &value, &prov); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field state")
		}
		st, err := buildFieldState(entityID, fieldNo, value, prov)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list field states iterate")
}

func (s *PostgresStore) CustomValue(ctx context.Context, entityID, key string) (*model.CustomValue, error) {
	var value, prov []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value, provenance FROM custom_values WHERE entity_id = $1 AND key = $2`,
		entityID, key,
	).Scan(&value, &prov)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: custom value %s/%s", entityID, key)
		}
		return nil, eris.Wrapf(err, "postgres: get custom value %s/%s", entityID, key)
	}
	return buildCustomValue(entityID, key, value, prov)
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, field_no, custom_key, old_value, new_value, source, verified,
		        evidence_id, reason, actor, created_at
		 FROM audit_log WHERE entity_id = $1 ORDER BY seq`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audit %s", entityID)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var oldValue, newValue []byte
		var source string
		if err := rows.Scan(&e.ID, &e.EntityID, &e.FieldNo, &e.CustomKey, &oldValue, &newValue, &source,
			&e.Verified, &e.EvidenceID, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		e.Source = model.Source(source)
		if e.OldValue, err = decodeValue(oldValue); err != nil {
			return nil, err
		}
		if e.NewValue, err = decodeValue(newValue); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

func (s *PostgresStore) ListReviews(ctx context.Context, entityID string, status model.ReviewStatus) ([]model.ReviewItem, error) {
	query := `SELECT id, entity_id, field_no, question_id, current_value, proposed_value, reason, status, created_at
		 FROM review_queue WHERE entity_id = $1`
	args := []any{entityID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list reviews %s", entityID)
	}
	defer rows.Close()

	var items []model.ReviewItem
	for rows.Next() {
		var it model.ReviewItem
		var current, proposed []byte
		var st string
		if err := rows.Scan(&it.ID, &it.EntityID, &it.FieldNo, &it.QuestionID, &current, &proposed,
			&it.Reason, &st, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review item")
		}
		it.Status = model.ReviewStatus(st)
		if it.Current, err = decodeFieldValue(current); err != nil {
			return nil, err
		}
		if it.Proposed, err = decodeFieldValue(proposed); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list reviews iterate")
}

// pgQuerier is satisfied by db.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgTx implements Tx on an open pgx transaction.
type pgTx struct {
	q pgQuerier
}

func (t *pgTx) Entity(ctx context.Context, id string) (*model.Entity, error) {
	var e model.Entity
	err := t.q.QueryRow(ctx,
		`SELECT id, org_id, name, created_at FROM entities WHERE id = $1`, id,
	).Scan(&e.ID, &e.OrgID, &e.Name, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: entity %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return &e, nil
}

func (t *pgTx) FieldState(ctx context.Context, entityID string, fieldNo int) (*model.FieldState, error) {
	var value, prov []byte
	err := t.q.QueryRow(ctx, sqlPgFieldState, entityID, fieldNo).Scan(&value, &prov)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get field state %s/%d", entityID, fieldNo)
	}
	return buildFieldState(entityID, fieldNo, value, prov)
}

func (t *pgTx) PutFieldValue(ctx context.Context, entityID string, def model.FieldDefinition, value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, sqlPgPutFieldValue,
		entityID, def.FieldNo, def.Table, def.Column, encoded, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: put field value %s/%d", entityID, def.FieldNo)
}

func (t *pgTx) PutProvenance(ctx context.Context, entityID string, prov model.ProvenanceMetadata) error {
	encoded, err := encodeProvenance(prov)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, sqlPgPutProvenance, entityID, prov.FieldNo, encoded, time.Now().UTC())
	return eris.Wrapf(err, "postgres: put provenance %s/%d", entityID, prov.FieldNo)
}

func (t *pgTx) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	oldValue, err := encodeOptional(e.OldValue)
	if err != nil {
		return err
	}
	newValue, err := encodeValue(e.NewValue)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, sqlPgAppendAudit,
		e.ID, e.EntityID, e.FieldNo, e.CustomKey, oldValue, newValue, string(e.Source), e.Verified,
		e.EvidenceID, e.Reason, e.Actor, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append audit %s", e.EntityID)
}

func (t *pgTx) EnqueueReview(ctx context.Context, it model.ReviewItem) error {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.Status == "" {
		it.Status = model.ReviewStatusOpen
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	current, err := encodeFieldValue(it.Current)
	if err != nil {
		return err
	}
	proposed, err := encodeFieldValue(it.Proposed)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO review_queue (id, entity_id, field_no, question_id, current_value, proposed_value, reason, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		it.ID, it.EntityID, it.FieldNo, it.QuestionID, current, proposed, it.Reason, string(it.Status), it.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue review %s/%d", it.EntityID, it.FieldNo)
}

func (t *pgTx) CustomFieldDefinition(ctx context.Context, orgID, key string) (*model.CustomFieldDefinition, error) {
	var def model.CustomFieldDefinition
	var dataType string
	err := t.q.QueryRow(ctx,
		`SELECT org_id, key, label, data_type FROM custom_field_definitions WHERE org_id = $1 AND key = $2`,
		orgID, key,
	).Scan(&def.OrgID, &def.Key, &def.Label, &dataType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: custom field %s/%s", orgID, key)
		}
		return nil, eris.Wrapf(err, "postgres: get custom field %s/%s", orgID, key)
	}
	def.DataType = model.DataType(dataType)
	return &def, nil
}

func (t *pgTx) PutCustomValue(ctx context.Context, entityID, key string, value any, prov model.ProvenanceMetadata) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	provJSON, err := encodeProvenance(prov)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO custom_values (entity_id, key, value, provenance, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (entity_id, key) DO UPDATE SET value = $3, provenance = $4, updated_at = $5`,
		entityID, key, encoded, provJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: put custom value %s/%s", entityID, key)
}
