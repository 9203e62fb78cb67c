package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/markymo/compass-sub003/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for evidence, entities and the
// provenance ledger.
type Store interface {
	// Evidence
	PutEvidence(ctx context.Context, rec model.EvidenceRecord) (id string, created bool, err error)
	GetEvidence(ctx context.Context, id string) (*model.EvidenceRecord, error)
	CountEvidence(ctx context.Context) (int, error)

	// Entities and custom fields
	CreateEntity(ctx context.Context, e model.Entity) (*model.Entity, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	DefineCustomField(ctx context.Context, def model.CustomFieldDefinition) error

	// Ledger writes happen inside InEntityTx. fn runs in one transaction
	// holding the entity's lock; any error rolls everything back.
	InEntityTx(ctx context.Context, entityID string, fn func(Tx) error) error

	// Ledger reads
	FieldState(ctx context.Context, entityID string, fieldNo int) (*model.FieldState, error)
	ListFieldStates(ctx context.Context, entityID string) ([]model.FieldState, error)
	CustomValue(ctx context.Context, entityID, key string) (*model.CustomValue, error)
	ListAudit(ctx context.Context, entityID string) ([]model.AuditEntry, error)
	ListReviews(ctx context.Context, entityID string, status model.ReviewStatus) ([]model.ReviewItem, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the transactional view of the ledger handed to InEntityTx callbacks.
type Tx interface {
	Entity(ctx context.Context, id string) (*model.Entity, error)
	FieldState(ctx context.Context, entityID string, fieldNo int) (*model.FieldState, error)
	PutFieldValue(ctx context.Context, entityID string, def model.FieldDefinition, value any) error
	PutProvenance(ctx context.Context, entityID string, prov model.ProvenanceMetadata) error
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	EnqueueReview(ctx context.Context, item model.ReviewItem) error
	CustomFieldDefinition(ctx context.Context, orgID, key string) (*model.CustomFieldDefinition, error)
	PutCustomValue(ctx context.Context, entityID, key string, value any, prov model.ProvenanceMetadata) error
}
