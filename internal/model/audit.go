package model

import "time"

// AuditEntry records one applied change to an entity field.
type AuditEntry struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	FieldNo    int       `json:"field_no,omitempty"`
	CustomKey  string    `json:"custom_key,omitempty"`
	OldValue   any       `json:"old_value,omitempty"`
	NewValue   any       `json:"new_value"`
	Source     Source    `json:"source"`
	Verified   bool      `json:"verified"`
	EvidenceID string    `json:"evidence_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReviewStatus is the lifecycle state of a queued conflict.
type ReviewStatus string

const (
	ReviewStatusOpen     ReviewStatus = "open"
	ReviewStatusResolved ReviewStatus = "resolved"
)

// ReviewItem is a blocked proposal queued for human resolution.
type ReviewItem struct {
	ID         string       `json:"id"`
	EntityID   string       `json:"entity_id"`
	FieldNo    int          `json:"field_no"`
	QuestionID string       `json:"question_id,omitempty"`
	Current    *FieldValue  `json:"current,omitempty"`
	Proposed   *FieldValue  `json:"proposed,omitempty"`
	Reason     string       `json:"reason"`
	Status     ReviewStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Entity is a legal entity owned by an organisation.
type Entity struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CustomFieldDefinition is an organisation-defined field outside the
// canonical registry.
type CustomFieldDefinition struct {
	OrgID    string   `json:"org_id"`
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	DataType DataType `json:"data_type"`
}

// CustomValue is the stored value of an organisation-defined field.
type CustomValue struct {
	EntityID   string             `json:"entity_id"`
	Key        string             `json:"key"`
	Value      any                `json:"value"`
	Provenance ProvenanceMetadata `json:"provenance"`
}
