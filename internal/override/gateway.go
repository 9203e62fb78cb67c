// Package override applies manual corrections made by a user. Overrides skip
// tier ranking: they are always accepted and recorded as verified user input.
package override

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/markymo/compass-sub003/internal/ledger"
	"github.com/markymo/compass-sub003/internal/metrics"
	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/proposal"
	"github.com/markymo/compass-sub003/internal/store"
)

type targetKind int

const (
	kindCanonical targetKind = iota + 1
	kindCustom
)

// Target names the field an override writes to. Build one with
// CanonicalField or CustomField; the zero value is invalid.
type Target struct {
	kind    targetKind
	fieldNo int
	key     string
}

// CanonicalField targets a registry field by number.
func CanonicalField(fieldNo int) Target {
	return Target{kind: kindCanonical, fieldNo: fieldNo}
}

// CustomField targets an organisation-defined field by key.
func CustomField(key string) Target {
	return Target{kind: kindCustom, key: key}
}

// IsCustom reports whether t targets a custom field.
func (t Target) IsCustom() bool { return t.kind == kindCustom }

func (t Target) String() string {
	switch t.kind {
	case kindCanonical:
		return "field " + strconv.Itoa(t.fieldNo)
	case kindCustom:
		return "custom field " + t.key
	}
	return "invalid target"
}

// Request is one manual override.
type Request struct {
	EntityID   string
	Target     Target
	Value      any
	Reason     string
	ActingUser string
}

// Gateway writes manual overrides through the ledger.
type Gateway struct {
	registry *model.FieldRegistry
	ledger   *ledger.Ledger
	store    store.Store
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewGateway creates a Gateway. st is used for reads outside the write
// transaction; l must wrap the same store.
func NewGateway(reg *model.FieldRegistry, l *ledger.Ledger, st store.Store) *Gateway {
	return &Gateway{registry: reg, ledger: l, store: st, now: time.Now}
}

// WithMetrics records applied overrides on m.
func (g *Gateway) WithMetrics(m *metrics.Metrics) *Gateway {
	g.metrics = m
	return g
}

// WithNow sets a fixed clock (for testing).
func (g *Gateway) WithNow(t time.Time) *Gateway {
	g.now = func() time.Time { return t }
	return g
}

// Override validates req, coerces the value to the target's data type and
// applies it with USER_INPUT verified provenance, whatever the current
// value's source.
func (g *Gateway) Override(ctx context.Context, req Request) error {
	if req.EntityID == "" {
		return eris.New("override: entity id is required")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return model.ErrReasonRequired
	}
	if strings.TrimSpace(req.ActingUser) == "" {
		return model.ErrActorRequired
	}

	switch req.Target.kind {
	case kindCanonical:
		return g.overrideCanonical(ctx, req)
	case kindCustom:
		return g.overrideCustom(ctx, req)
	}
	return eris.New("override: target must be a canonical or custom field")
}

func (g *Gateway) overrideCanonical(ctx context.Context, req Request) error {
	def, ok := g.registry.Lookup(req.Target.fieldNo)
	if !ok {
		return &model.UnknownFieldError{FieldNo: req.Target.fieldNo}
	}
	value, err := proposal.Coerce(def, req.Value)
	if err != nil {
		return eris.Wrapf(err, "override: field %d", def.FieldNo)
	}
	candidate := g.candidate(value)

	err = g.ledger.WithEntity(ctx, req.EntityID, func(tx store.Tx) error {
		if _, err := tx.Entity(ctx, req.EntityID); err != nil {
			return eris.Wrapf(err, "override: entity %s", req.EntityID)
		}
		state, err := tx.FieldState(ctx, req.EntityID, def.FieldNo)
		if err != nil {
			return eris.Wrapf(err, "override: read field %d", def.FieldNo)
		}
		p := model.NewProposal(def)
		p.Current = state.AsFieldValue()
		p.Proposed = &candidate
		p.Action = model.ActionProposeUpdate
		p.Reason = model.ReasonManualOverride
		return g.ledger.Apply(ctx, tx, req.EntityID, p, g.meta(req))
	})
	if err != nil {
		return err
	}

	zap.L().Info("manual override applied",
		zap.String("entity_id", req.EntityID),
		zap.Int("field_no", def.FieldNo),
		zap.String("user", req.ActingUser),
	)
	g.metrics.IncrementOverride("canonical")
	return nil
}

func (g *Gateway) overrideCustom(ctx context.Context, req Request) error {
	key := req.Target.key
	if key == "" {
		return eris.New("override: custom field key is required")
	}

	unlock := g.ledger.LockEntity(req.EntityID)
	defer unlock()

	var old any
	prev, err := g.store.CustomValue(ctx, req.EntityID, key)
	switch {
	case err == nil:
		old = prev.Value
	case !eris.Is(err, store.ErrNotFound):
		return eris.Wrapf(err, "override: read custom field %s", key)
	}

	err = g.ledger.Tx(ctx, req.EntityID, func(tx store.Tx) error {
		entity, err := tx.Entity(ctx, req.EntityID)
		if err != nil {
			return eris.Wrapf(err, "override: entity %s", req.EntityID)
		}
		cdef, err := tx.CustomFieldDefinition(ctx, entity.OrgID, key)
		if eris.Is(err, store.ErrNotFound) {
			return model.ErrCustomFieldNotFound
		}
		if err != nil {
			return eris.Wrapf(err, "override: custom field %s", key)
		}

		def := model.FieldDefinition{FieldName: cdef.Key, DataType: cdef.DataType}
		value, err := proposal.Coerce(def, req.Value)
		if err != nil {
			return eris.Wrapf(err, "override: custom field %s", key)
		}
		return g.ledger.ApplyCustom(ctx, tx, req.EntityID, key, old, g.candidate(value), g.meta(req))
	})
	if err != nil {
		return err
	}

	zap.L().Info("manual override applied",
		zap.String("entity_id", req.EntityID),
		zap.String("custom_key", key),
		zap.String("user", req.ActingUser),
	)
	g.metrics.IncrementOverride("custom")
	return nil
}

func (g *Gateway) candidate(value any) model.FieldValue {
	ts := g.now().UTC()
	return model.FieldValue{
		Value:     value,
		Source:    model.SourceUserInput,
		Verified:  true,
		Timestamp: &ts,
	}
}

func (g *Gateway) meta(req Request) ledger.ApplyMeta {
	return ledger.ApplyMeta{
		Actor:         req.ActingUser,
		VerifiedBy:    req.ActingUser,
		Reason:        req.Reason,
		SchemaVersion: g.registry.Version,
	}
}
