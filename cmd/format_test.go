package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/registry"
)

func TestFormatOutcomes(t *testing.T) {
	results := map[string][]model.Outcome{
		"ent-2": {
			{QuestionID: "q-free", Status: model.OutcomeSkipped, Reason: "pending triage"},
		},
		"ent-1": {
			{
				QuestionID: "q-1",
				Status:     model.OutcomeApplied,
				Proposals: []model.FieldProposal{{
					FieldNo: 6, FieldName: "registered_address_line1",
					Action: model.ActionProposeUpdate, Reason: model.ReasonFirstValue,
				}},
			},
			{
				QuestionID: "q-2",
				Status:     model.OutcomeBlocked,
				Proposals: []model.FieldProposal{{
					FieldNo: 6, FieldName: "registered_address_line1",
					Action: model.ActionBlocked, Reason: model.ReasonLowerPriority, ReviewRequested: true,
				}},
			},
			{QuestionID: "q-bad", Status: model.OutcomeError, Err: &model.UnknownFieldError{FieldNo: 9999}},
		},
	}

	var buf bytes.Buffer
	formatOutcomes(&buf, results)

	output := buf.String()
	assert.Contains(t, output, "ENTITY")
	assert.Contains(t, output, "6 registered_address_line1")
	assert.Contains(t, output, "PROPOSE_UPDATE")
	assert.Contains(t, output, "(review requested)")
	assert.Contains(t, output, "Unknown Field No: 9999")
	assert.Contains(t, output, "pending triage")
	assert.Contains(t, output, "applied=1 no_change=0 blocked=1 skipped=1 error=1")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("ent-1")), bytes.Index(buf.Bytes(), []byte("ent-2")))
}

func TestFormatFieldList(t *testing.T) {
	var buf bytes.Buffer
	formatFieldList(&buf, registry.MustBuild(registry.DefaultCatalog()))

	output := buf.String()
	assert.Contains(t, output, "Catalog "+registry.CatalogVersion)
	assert.Contains(t, output, "registered_address_line1")
	assert.Contains(t, output, "legal_entities.reg_address_line1")
	assert.Contains(t, output, "ACTIVE,INACTIVE")
	assert.Contains(t, output, "registered_address")
	assert.Contains(t, output, "6,7,8,9,10,11")
}

func TestFormatReviews(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	items := []model.ReviewItem{{
		ID:         "abc12345-6789-0000-0000-000000000000",
		FieldNo:    6,
		QuestionID: "q-2",
		Current:    &model.FieldValue{Value: "1 High Street", Source: model.SourceUserInput},
		Proposed:   &model.FieldValue{Value: "2 High Street", Source: model.SourceUserInput},
		Reason:     model.ReasonEqualPriority,
		CreatedAt:  now,
	}}

	var buf bytes.Buffer
	formatReviews(&buf, items)

	output := buf.String()
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "1 High Street [USER_INPUT]")
	assert.Contains(t, output, "2 High Street [USER_INPUT]")
	assert.Contains(t, output, "2025-06-15 10:30")
}

func TestFormatHistory(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	entries := []model.AuditEntry{
		{FieldNo: 6, NewValue: "221B Baker Street", Source: model.SourceGLEIF, Actor: "propagation", CreatedAt: now},
		{FieldNo: 6, OldValue: "221B Baker Street", NewValue: "221 Baker Street", Source: model.SourceUserInput,
			Verified: true, Actor: "analyst", Reason: "client confirmed on call", CreatedAt: now.Add(time.Hour)},
		{CustomKey: "risk_rating", NewValue: 3.0, Source: model.SourceUserInput, CreatedAt: now},
	}

	var buf bytes.Buffer
	formatHistory(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "GLEIF")
	assert.Contains(t, output, "USER_INPUT (verified)")
	assert.Contains(t, output, "client confirmed on call")
	assert.Contains(t, output, "custom:risk_rating")
	assert.Contains(t, output, "2025-06-15 11:30")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "abc", truncateID("abc"))
	assert.Equal(t, "-", describeValue(nil))
	assert.Equal(t, "-", valueOrDash(nil))
}

func TestFormatOutcomes_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatOutcomes(&buf, nil)
	assert.Contains(t, buf.String(), "applied=0")
}
