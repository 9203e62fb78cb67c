package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/markymo/compass-sub003/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied to every pooled connection through the DSN;
// busy_timeout and synchronous are per-connection settings.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	params := make([]string, len(sqlitePragmas))
	for i, p := range sqlitePragmas {
		params[i] = "_pragma=" + p
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS evidence (
	id             TEXT PRIMARY KEY,
	hash           TEXT NOT NULL UNIQUE,
	provider       TEXT NOT NULL,
	payload        TEXT NOT NULL,
	schema_version TEXT NOT NULL DEFAULT '',
	retrieved_at   DATETIME NOT NULL,
	captured_by    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
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
	value       TEXT NOT NULL,
	updated_at  DATETIME NOT NULL,
	PRIMARY KEY (entity_id, field_no)
);

CREATE TABLE IF NOT EXISTS field_provenance (
	entity_id  TEXT NOT NULL,
	field_no   INTEGER NOT NULL,
	provenance TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, field_no)
);

CREATE TABLE IF NOT EXISTS custom_values (
	entity_id  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	provenance TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, key)
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	entity_id   TEXT NOT NULL,
	field_no    INTEGER NOT NULL DEFAULT 0,
	custom_key  TEXT NOT NULL DEFAULT '',
	old_value   TEXT,
	new_value   TEXT NOT NULL,
	source      TEXT NOT NULL,
	verified    INTEGER NOT NULL DEFAULT 0,
	evidence_id TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS review_queue (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	entity_id      TEXT NOT NULL,
	field_no       INTEGER NOT NULL,
	question_id    TEXT NOT NULL DEFAULT '',
	current_value  TEXT,
	proposed_value TEXT,
	reason         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'open',
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_org ON entities(org_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_id, seq);
CREATE INDEX IF NOT EXISTS idx_review_queue_entity ON review_queue(entity_id, status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Evidence ---

func (s *SQLiteStore) PutEvidence(ctx context.Context, rec model.EvidenceRecord) (string, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RetrievedAt.IsZero() {
		rec.RetrievedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence (id, hash, provider, payload, schema_version, retrieved_at, captured_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(hash) DO NOTHING`,
		rec.ID, rec.Hash, string(rec.Provider), string(rec.Payload), rec.SchemaVersion, rec.RetrievedAt.UTC(), rec.CapturedBy,
	)
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: insert evidence")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return rec.ID, true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM evidence WHERE hash = ?`, rec.Hash).Scan(&existing)
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: lookup evidence by hash %s", rec.Hash)
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetEvidence(ctx context.Context, id string) (*model.EvidenceRecord, error) {
	var rec model.EvidenceRecord
	var provider, payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, hash, provider, payload, schema_version, retrieved_at, captured_by FROM evidence WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.Hash, &provider, &payload, &rec.SchemaVersion, &rec.RetrievedAt, &rec.CapturedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: evidence %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get evidence %s", id)
	}
	rec.Provider = model.Source(provider)
	rec.Payload = []byte(payload)
	return &rec, nil
}

func (s *SQLiteStore) CountEvidence(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count evidence")
}

// --- Entities ---

func (s *SQLiteStore) CreateEntity(ctx context.Context, e model.Entity) (*model.Entity, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OrgID == "" {
		return nil, eris.New("sqlite: entity requires an organisation")
	}
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, org_id, name, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.OrgID, e.Name, e.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert entity %s", e.ID)
	}
	return &e, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	return (&sqliteTx{q: s.db}).Entity(ctx, id)
}

func (s *SQLiteStore) DefineCustomField(ctx context.Context, def model.CustomFieldDefinition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_field_definitions (org_id, key, label, data_type) VALUES (?, ?, ?, ?)
		 ON CONFLICT(org_id, key) DO UPDATE SET label = excluded.label, data_type = excluded.data_type`,
		def.OrgID, def.Key, def.Label, string(def.DataType),
	)
	return eris.Wrapf(err, "sqlite: define custom field %s/%s", def.OrgID, def.Key)
}

// --- Ledger ---

// InEntityTx runs fn inside a BEGIN IMMEDIATE transaction, which takes the
// database write lock up front so concurrent writers queue on busy_timeout
// instead of failing at commit.
func (s *SQLiteStore) InEntityTx(ctx context.Context, entityID string, fn func(Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return eris.Wrap(err, "sqlite: acquire connection")
	}
	defer conn.Close() //nolint:errcheck

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return eris.Wrapf(err, "sqlite: begin entity tx %s", entityID)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
			zap.L().Warn("sqlite: rollback failed", zap.String("entity_id", entityID), zap.Error(err))
		}
	}()

	if err := fn(&sqliteTx{q: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return eris.Wrapf(err, "sqlite: commit entity tx %s", entityID)
	}
	committed = true
	return nil
}

func (s *SQLiteStore) FieldState(ctx context.Context, entityID string, fieldNo int) (*model.FieldState, error) {
	return (&sqliteTx{q: s.db}).FieldState(ctx, entityID, fieldNo)
}

func (s *SQLiteStore) ListFieldStates(ctx context.Context, entityID string) ([]model.FieldState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.field_no, v.value, p.provenance FROM master_values v
		 LEFT JOIN field_provenance p ON p.entity_id = v.entity_id AND p.field_no = v.field_no
		 WHERE v.entity_id = ? ORDER BY v.field_no`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list field states %s", entityID)
	}
	defer rows.Close() //nolint:errcheck

	var states []model.FieldState
	for rows.Next() {
		var fieldNo int
		var value string
		var prov sql.NullString
		if err := rows.Scan(&fieldNo, &value, &prov); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field state")
		}
		st, err := buildFieldState(entityID, fieldNo, []byte(value), nullBytes(prov))
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list field states iterate")
}

func (s *SQLiteStore) CustomValue(ctx context.Context, entityID, key string) (*model.CustomValue, error) {
	var value, prov string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, provenance FROM custom_values WHERE entity_id = ? AND key = ?`,
		entityID, key,
	).Scan(&value, &prov)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: custom value %s/%s", entityID, key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get custom value %s/%s", entityID, key)
	}
	return buildCustomValue(entityID, key, []byte(value), []byte(prov))
}

func (s *SQLiteStore) ListAudit(ctx context.Context, entityID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, field_no, custom_key, old_value, new_value, source, verified,
		        evidence_id, reason, actor, created_at
		 FROM audit_log WHERE entity_id = ? ORDER BY seq`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audit %s", entityID)
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var oldValue sql.NullString
		var newValue, source string
		if err := rows.Scan(&e.ID, &e.EntityID, &e.FieldNo, &e.CustomKey, &oldValue, &newValue, &source,
			&e.Verified, &e.EvidenceID, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		e.Source = model.Source(source)
		if e.OldValue, err = decodeValue(nullBytes(oldValue)); err != nil {
			return nil, err
		}
		if e.NewValue, err = decodeValue([]byte(newValue)); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

func (s *SQLiteStore) ListReviews(ctx context.Context, entityID string, status model.ReviewStatus) ([]model.ReviewItem, error) {
	query := `SELECT id, entity_id, field_no, question_id, current_value, proposed_value, reason, status, created_at
		 FROM review_queue WHERE entity_id = ?`
	args := []any{entityID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list reviews %s", entityID)
	}
	defer rows.Close() //nolint:errcheck

	var items []model.ReviewItem
	for rows.Next() {
		var it model.ReviewItem
		var current, proposed sql.NullString
		var st string
		if err := rows.Scan(&it.ID, &it.EntityID, &it.FieldNo, &it.QuestionID, &current, &proposed,
			&it.Reason, &st, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review item")
		}
		it.Status = model.ReviewStatus(st)
		if it.Current, err = decodeFieldValue(nullBytes(current)); err != nil {
			return nil, err
		}
		if it.Proposed, err = decodeFieldValue(nullBytes(proposed)); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list reviews iterate")
}

// sqliteQuerier is satisfied by *sql.DB and *sql.Conn.
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteTx implements Tx on a connection holding an open transaction.
type sqliteTx struct {
	q sqliteQuerier
}

func (t *sqliteTx) Entity(ctx context.Context, id string) (*model.Entity, error) {
	var e model.Entity
	err := t.q.QueryRowContext(ctx,
		`SELECT id, org_id, name, created_at FROM entities WHERE id = ?`, id,
	).Scan(&e.ID, &e.OrgID, &e.Name, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: entity %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return &e, nil
}

func (t *sqliteTx) FieldState(ctx context.Context, entityID string, fieldNo int) (*model.FieldState, error) {
	var value string
	var prov sql.NullString
	err := t.q.QueryRowContext(ctx,
		`SELECT v.value, p.provenance FROM master_values v
		 LEFT JOIN field_provenance p ON p.entity_id = v.entity_id AND p.field_no = v.field_no
		 WHERE v.entity_id = ? AND v.field_no = ?`,
		entityID, fieldNo,
	).Scan(&value, &prov)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get field state %s/%d", entityID, fieldNo)
	}
	return buildFieldState(entityID, fieldNo, []byte(value), nullBytes(prov))
}

func (t *sqliteTx) PutFieldValue(ctx context.Context, entityID string, def model.FieldDefinition, value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO master_values (entity_id, field_no, table_name, column_name, value, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id, field_no) DO UPDATE SET
		   table_name = excluded.table_name, column_name = excluded.column_name,
		   value = excluded.value, updated_at = excluded.updated_at`,
		entityID, def.FieldNo, def.Table, def.Column, encoded, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: put field value %s/%d", entityID, def.FieldNo)
}

func (t *sqliteTx) PutProvenance(ctx context.Context, entityID string, prov model.ProvenanceMetadata) error {
	encoded, err := encodeProvenance(prov)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO field_provenance (entity_id, field_no, provenance, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_id, field_no) DO UPDATE SET provenance = excluded.provenance, updated_at = excluded.updated_at`,
		entityID, prov.FieldNo, encoded, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: put provenance %s/%d", entityID, prov.FieldNo)
}

func (t *sqliteTx) AppendAudit(ctx context.Context, e model.AuditEntry) error {
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
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO audit_log (id, entity_id, field_no, custom_key, old_value, new_value, source, verified,
		                        evidence_id, reason, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityID, e.FieldNo, e.CustomKey, oldValue, newValue, string(e.Source), e.Verified,
		e.EvidenceID, e.Reason, e.Actor, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append audit %s", e.EntityID)
}

func (t *sqliteTx) EnqueueReview(ctx context.Context, it model.ReviewItem) error {
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
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO review_queue (id, entity_id, field_no, question_id, current_value, proposed_value, reason, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.EntityID, it.FieldNo, it.QuestionID, current, proposed, it.Reason, string(it.Status), it.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue review %s/%d", it.EntityID, it.FieldNo)
}

func (t *sqliteTx) CustomFieldDefinition(ctx context.Context, orgID, key string) (*model.CustomFieldDefinition, error) {
	var def model.CustomFieldDefinition
	var dataType string
	err := t.q.QueryRowContext(ctx,
		`SELECT org_id, key, label, data_type FROM custom_field_definitions WHERE org_id = ? AND key = ?`,
		orgID, key,
	).Scan(&def.OrgID, &def.Key, &def.Label, &dataType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: custom field %s/%s", orgID, key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get custom field %s/%s", orgID, key)
	}
	def.DataType = model.DataType(dataType)
	return &def, nil
}

func (t *sqliteTx) PutCustomValue(ctx context.Context, entityID, key string, value any, prov model.ProvenanceMetadata) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	provJSON, err := encodeProvenance(prov)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO custom_values (entity_id, key, value, provenance, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id, key) DO UPDATE SET
		   value = excluded.value, provenance = excluded.provenance, updated_at = excluded.updated_at`,
		entityID, key, encoded, provJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: put custom value %s/%s", entityID, key)
}

// helpers

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

func buildFieldState(entityID string, fieldNo int, value, prov []byte) (*model.FieldState, error) {
	v, err := decodeValue(value)
	if err != nil {
		return nil, err
	}
	p, err := decodeProvenance(prov)
	if err != nil {
		return nil, eris.Wrapf(err, "store: field %s/%d provenance", entityID, fieldNo)
	}
	if p.FieldNo == 0 {
		p.FieldNo = fieldNo
	}
	return &model.FieldState{EntityID: entityID, FieldNo: fieldNo, Value: v, Provenance: p}, nil
}

func buildCustomValue(entityID, key string, value, prov []byte) (*model.CustomValue, error) {
	v, err := decodeValue(value)
	if err != nil {
		return nil, err
	}
	p, err := decodeProvenance(prov)
	if err != nil {
		return nil, eris.Wrapf(err, "store: custom value %s/%s provenance", entityID, key)
	}
	return &model.CustomValue{EntityID: entityID, Key: key, Value: v, Provenance: p}, nil
}
