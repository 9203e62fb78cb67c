// Package ledger applies accepted field values together with their
// provenance and audit trail, one entity transaction at a time.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/store"
)

// Ledger serializes writes per entity and keeps value, provenance and audit
// in step.
type Ledger struct {
	store store.Store
	locks *keyedMutex
	now   func() time.Time
}

// New creates a Ledger on st.
func New(st store.Store) *Ledger {
	return &Ledger{store: st, locks: newKeyedMutex(), now: time.Now}
}

// WithNow sets a fixed clock (for testing).
func (l *Ledger) WithNow(t time.Time) *Ledger {
	l.now = func() time.Time { return t }
	return l
}

// ApplyMeta carries who applied a value and under which configuration.
type ApplyMeta struct {
	Actor         string
	VerifiedBy    string
	Reason        string
	SchemaVersion string
}

// WithEntity runs fn in a store transaction while holding the entity's
// in-process lock. Calls for the same entity never interleave; calls for
// different entities run concurrently.
func (l *Ledger) WithEntity(ctx context.Context, entityID string, fn func(store.Tx) error) error {
	if entityID == "" {
		return eris.New("ledger: entity id is required")
	}
	unlock := l.LockEntity(entityID)
	defer unlock()
	return l.Tx(ctx, entityID, fn)
}

// LockEntity takes the entity's in-process lock and returns its release
// func. Use it to keep several transactions on one entity together; the lock
// is not reentrant, so call Tx rather than WithEntity while holding it.
func (l *Ledger) LockEntity(entityID string) func() {
	return l.locks.Lock(entityID)
}

// Tx runs fn in a store transaction holding the entity's database lock only.
func (l *Ledger) Tx(ctx context.Context, entityID string, fn func(store.Tx) error) error {
	return l.store.InEntityTx(ctx, entityID, fn)
}

// Apply writes an accepted proposal in tx: the master value, its provenance
// and an audit entry. The caller's transaction makes the three atomic.
func (l *Ledger) Apply(ctx context.Context, tx store.Tx, entityID string, p model.FieldProposal, meta ApplyMeta) error {
	if p.Action != model.ActionProposeUpdate {
		return eris.Errorf("ledger: field %d proposal is %s, not an update", p.FieldNo, p.Action)
	}
	if p.Proposed == nil {
		return eris.Errorf("ledger: field %d proposal has no value", p.FieldNo)
	}

	def := model.FieldDefinition{FieldNo: p.FieldNo, FieldName: p.FieldName, Table: p.Table, Column: p.Column}
	prov := l.provenance(p.FieldNo, *p.Proposed, meta)

	if err := tx.PutFieldValue(ctx, entityID, def, p.Proposed.Value); err != nil {
		return eris.Wrap(err, "ledger: apply value")
	}
	if err := tx.PutProvenance(ctx, entityID, prov); err != nil {
		return eris.Wrap(err, "ledger: apply provenance")
	}

	reason := meta.Reason
	if reason == "" {
		reason = p.Reason
	}
	var old any
	if p.Current != nil {
		old = p.Current.Value
	}
	if err := tx.AppendAudit(ctx, model.AuditEntry{
		EntityID:   entityID,
		FieldNo:    p.FieldNo,
		OldValue:   old,
		NewValue:   p.Proposed.Value,
		Source:     prov.Source,
		Verified:   prov.Verified,
		EvidenceID: prov.EvidenceID,
		Reason:     reason,
		Actor:      meta.Actor,
		CreatedAt:  l.now().UTC(),
	}); err != nil {
		return eris.Wrap(err, "ledger: apply audit")
	}

	zap.L().Debug("field value applied",
		zap.String("entity_id", entityID),
		zap.Int("field_no", p.FieldNo),
		zap.String("source", string(prov.Source)),
	)
	return nil
}

// ApplyCustom writes a custom field value with provenance and audit in tx.
func (l *Ledger) ApplyCustom(ctx context.Context, tx store.Tx, entityID, key string, old any, value model.FieldValue, meta ApplyMeta) error {
	prov := l.provenance(0, value, meta)
	if err := tx.PutCustomValue(ctx, entityID, key, value.Value, prov); err != nil {
		return eris.Wrap(err, "ledger: apply custom value")
	}
	if err := tx.AppendAudit(ctx, model.AuditEntry{
		EntityID:   entityID,
		CustomKey:  key,
		OldValue:   old,
		NewValue:   value.Value,
		Source:     prov.Source,
		Verified:   prov.Verified,
		EvidenceID: prov.EvidenceID,
		Reason:     meta.Reason,
		Actor:      meta.Actor,
		CreatedAt:  l.now().UTC(),
	}); err != nil {
		return eris.Wrap(err, "ledger: apply custom audit")
	}
	return nil
}

// EnqueueReview queues a blocked proposal for human resolution in tx. A
// proposal already waiting as an open item for the same field and value is
// not queued again. Callers hold the entity lock, so the open-item read
// cannot race another enqueue for the entity.
func (l *Ledger) EnqueueReview(ctx context.Context, tx store.Tx, entityID, questionID string, p model.FieldProposal) error {
	open, err := l.store.ListReviews(ctx, entityID, model.ReviewStatusOpen)
	if err != nil {
		return eris.Wrap(err, "ledger: enqueue review")
	}
	for _, item := range open {
		if item.FieldNo == p.FieldNo && sameValue(item.Proposed, p.Proposed) {
			zap.L().Debug("review already open",
				zap.String("entity_id", entityID),
				zap.Int("field_no", p.FieldNo),
				zap.String("review_id", item.ID),
			)
			return nil
		}
	}

	err = tx.EnqueueReview(ctx, model.ReviewItem{
		EntityID:   entityID,
		FieldNo:    p.FieldNo,
		QuestionID: questionID,
		Current:    p.Current,
		Proposed:   p.Proposed,
		Reason:     p.Reason,
		Status:     model.ReviewStatusOpen,
		CreatedAt:  l.now().UTC(),
	})
	return eris.Wrap(err, "ledger: enqueue review")
}

// sameValue compares proposed values by their JSON form; values read back
// from the store decode as generic JSON types.
func sameValue(a, b *model.FieldValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	x, errA := json.Marshal(a.Value)
	y, errB := json.Marshal(b.Value)
	return errA == nil && errB == nil && bytes.Equal(x, y)
}

// State returns the current value and provenance of one field, or nil when
// the field was never set.
func (l *Ledger) State(ctx context.Context, entityID string, fieldNo int) (*model.FieldState, error) {
	st, err := l.store.FieldState(ctx, entityID, fieldNo)
	return st, eris.Wrap(err, "ledger: state")
}

// States returns every set field of an entity.
func (l *Ledger) States(ctx context.Context, entityID string) ([]model.FieldState, error) {
	st, err := l.store.ListFieldStates(ctx, entityID)
	return st, eris.Wrap(err, "ledger: states")
}

// History returns the entity's audit trail, oldest first.
func (l *Ledger) History(ctx context.Context, entityID string) ([]model.AuditEntry, error) {
	entries, err := l.store.ListAudit(ctx, entityID)
	return entries, eris.Wrap(err, "ledger: history")
}

// OpenReviews returns the entity's unresolved review items.
func (l *Ledger) OpenReviews(ctx context.Context, entityID string) ([]model.ReviewItem, error) {
	items, err := l.store.ListReviews(ctx, entityID, model.ReviewStatusOpen)
	return items, eris.Wrap(err, "ledger: open reviews")
}

func (l *Ledger) provenance(fieldNo int, v model.FieldValue, meta ApplyMeta) model.ProvenanceMetadata {
	ts := l.now().UTC()
	if v.Timestamp != nil && !v.Timestamp.IsZero() {
		ts = v.Timestamp.UTC()
	}
	return model.ProvenanceMetadata{
		FieldNo:       fieldNo,
		Source:        v.Source,
		Verified:      v.Verified,
		EvidenceID:    v.EvidenceID,
		Timestamp:     ts,
		VerifiedBy:    meta.VerifiedBy,
		Confidence:    v.Confidence,
		SchemaVersion: meta.SchemaVersion,
	}
}
