package model

import (
	"encoding/json"
	"time"
)

// EvidenceRecord is an immutable raw provider payload, deduplicated by hash.
type EvidenceRecord struct {
	ID            string          `json:"id"`
	Hash          string          `json:"hash"`
	Provider      Source          `json:"provider"`
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion string          `json:"schema_version"`
	RetrievedAt   time.Time       `json:"retrieved_at"`
	CapturedBy    string          `json:"captured_by,omitempty"`
}
