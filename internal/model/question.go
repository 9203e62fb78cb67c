package model

import "time"

// AnsweredQuestion is one answered or extracted questionnaire item ready for
// propagation into the master record.
//
// A question maps to at most one target: MasterFieldNo for a single canonical
// field, or MasterQuestionGroupID for a composite field group whose member
// values arrive pre-decomposed in Parts. Questions with neither are pending
// triage and never produce proposals.
type AnsweredQuestion struct {
	QuestionID            string         `json:"question_id"`
	MasterFieldNo         *int           `json:"master_field_no,omitempty"`
	MasterQuestionGroupID string         `json:"master_question_group_id,omitempty"`
	Answer                string         `json:"answer"`
	Parts                 map[int]string `json:"parts,omitempty"`
	Source                Source         `json:"source,omitempty"`
	Verified              bool           `json:"verified,omitempty"`
	EvidenceID            string         `json:"evidence_id,omitempty"`
	Confidence            *float64       `json:"confidence,omitempty"`
	AnsweredAt            *time.Time     `json:"answered_at,omitempty"`
}

// Mapped reports whether the question targets a field or a group.
func (q AnsweredQuestion) Mapped() bool {
	return q.MasterFieldNo != nil || q.MasterQuestionGroupID != ""
}

// OutcomeStatus summarises what propagation did with one question.
type OutcomeStatus string

const (
	OutcomeApplied  OutcomeStatus = "applied"
	OutcomeNoChange OutcomeStatus = "no_change"
	OutcomeBlocked  OutcomeStatus = "blocked"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeError    OutcomeStatus = "error"
)

// Outcome is the per-question result of a propagation run.
type Outcome struct {
	QuestionID string          `json:"question_id"`
	Status     OutcomeStatus   `json:"status"`
	Proposals  []FieldProposal `json:"proposals,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Err        error           `json:"-"`
}

// Error returns the outcome's error message, or "" when there is none.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// SummarizeOutcomes derives a status from a set of proposals: applied when
// any was accepted, blocked when any was blocked, otherwise no_change.
func SummarizeOutcomes(proposals []FieldProposal) OutcomeStatus {
	status := OutcomeNoChange
	for _, p := range proposals {
		switch p.Action {
		case ActionProposeUpdate:
			return OutcomeApplied
		case ActionBlocked:
			status = OutcomeBlocked
		}
	}
	return status
}

// CountByStatus tallies outcomes by status.
func CountByStatus(outcomes []Outcome) map[OutcomeStatus]int {
	counts := make(map[OutcomeStatus]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return counts
}
