package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Source identifies where a field value came from.
type Source string

const (
	SourceGLEIF          Source = "GLEIF"
	SourceCompaniesHouse Source = "COMPANIES_HOUSE"
	SourceUserInput      Source = "USER_INPUT"
	SourceSystem         Source = "SYSTEM"
)

// Valid reports whether s is a known provenance source.
func (s Source) Valid() bool {
	switch s {
	case SourceGLEIF, SourceCompaniesHouse, SourceUserInput, SourceSystem:
		return true
	}
	return false
}

// ParseSource converts a case-insensitive source name into a Source.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToUpper(strings.TrimSpace(s)))
	if !src.Valid() {
		return "", eris.Errorf("model: unknown source %q", s)
	}
	return src, nil
}

// ProvenanceVersion is the current shape version of ProvenanceMetadata documents.
const ProvenanceVersion = 1

// ProvenanceMetadata records who last won the right to set a field's value.
type ProvenanceMetadata struct {
	Version       int       `json:"version"`
	FieldNo       int       `json:"field_no"`
	Source        Source    `json:"source"`
	Verified      bool      `json:"verified"`
	EvidenceID    string    `json:"evidence_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	VerifiedBy    string    `json:"verified_by,omitempty"`
	Confidence    *float64  `json:"confidence,omitempty"`
	SchemaVersion string    `json:"schema_version,omitempty"`
}

// legacyProvenance is the unversioned camelCase blob written before
// provenance documents carried a version.
type legacyProvenance struct {
	FieldNo    int      `json:"fieldNo"`
	Source     string   `json:"source"`
	EvidenceID string   `json:"evidenceId"`
	Timestamp  string   `json:"timestamp"`
	VerifiedBy string   `json:"verifiedBy"`
	Confidence *float64 `json:"confidence"`
}

// EncodeProvenance serializes provenance in the current versioned shape.
func EncodeProvenance(m ProvenanceMetadata) ([]byte, error) {
	m.Version = ProvenanceVersion
	data, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "model: encode provenance")
	}
	return data, nil
}

// DecodeProvenance parses a stored provenance document, migrating older
// shapes to the current version.
func DecodeProvenance(data []byte) (ProvenanceMetadata, error) {
	var header struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return ProvenanceMetadata{}, eris.Wrap(err, "model: decode provenance")
	}

	if header.Version == nil {
		return migrateProvenanceV0(data)
	}

	switch *header.Version {
	case ProvenanceVersion:
		var m ProvenanceMetadata
		if err := json.Unmarshal(data, &m); err != nil {
			return ProvenanceMetadata{}, eris.Wrap(err, "model: decode provenance v1")
		}
		if !m.Source.Valid() {
			return ProvenanceMetadata{}, eris.Errorf("model: provenance has unknown source %q", m.Source)
		}
		return m, nil
	default:
		return ProvenanceMetadata{}, eris.Errorf("model: unsupported provenance version %d", *header.Version)
	}
}

func migrateProvenanceV0(data []byte) (ProvenanceMetadata, error) {
	var old legacyProvenance
	if err := json.Unmarshal(data, &old); err != nil {
		return ProvenanceMetadata{}, eris.Wrap(err, "model: decode provenance v0")
	}

	m := ProvenanceMetadata{
		Version:    ProvenanceVersion,
		FieldNo:    old.FieldNo,
		EvidenceID: old.EvidenceID,
		VerifiedBy: old.VerifiedBy,
		Confidence: old.Confidence,
	}

	// v0 used a separate MANUAL source for overrides.
	switch strings.ToUpper(old.Source) {
	case "MANUAL", "MANUAL_OVERRIDE":
		m.Source = SourceUserInput
		m.Verified = true
	default:
		src, err := ParseSource(old.Source)
		if err != nil {
			return ProvenanceMetadata{}, eris.Wrap(err, "model: migrate provenance v0")
		}
		m.Source = src
		m.Verified = src == SourceUserInput && old.VerifiedBy != ""
	}

	if old.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, old.Timestamp)
		if err != nil {
			return ProvenanceMetadata{}, eris.Wrap(err, "model: migrate provenance v0 timestamp")
		}
		m.Timestamp = ts
	}
	return m, nil
}

// FieldValue is a current or candidate value together with its provenance.
type FieldValue struct {
	Value      any        `json:"value"`
	Source     Source     `json:"source"`
	Verified   bool       `json:"verified,omitempty"`
	EvidenceID string     `json:"evidence_id,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
}

// FieldState is the persisted value and provenance of one entity field.
type FieldState struct {
	EntityID   string             `json:"entity_id"`
	FieldNo    int                `json:"field_no"`
	Value      any                `json:"value"`
	Provenance ProvenanceMetadata `json:"provenance"`
}

// AsFieldValue converts the stored state into a FieldValue snapshot.
func (s *FieldState) AsFieldValue() *FieldValue {
	if s == nil {
		return nil
	}
	ts := s.Provenance.Timestamp
	return &FieldValue{
		Value:      s.Value,
		Source:     s.Provenance.Source,
		Verified:   s.Provenance.Verified,
		EvidenceID: s.Provenance.EvidenceID,
		Timestamp:  &ts,
		Confidence: s.Provenance.Confidence,
	}
}
