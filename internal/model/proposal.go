package model

// Action is the decision the proposal engine reaches for a candidate value.
type Action string

const (
	ActionNoChange      Action = "NO_CHANGE"
	ActionProposeUpdate Action = "PROPOSE_UPDATE"
	ActionBlocked       Action = "BLOCKED"
)

// Reasons attached to proposals.
const (
	ReasonLowerPriority   = "lower-priority source cannot override higher-priority value"
	ReasonEqualPriority   = "conflicting values from equal-priority sources require manual resolution"
	ReasonCoercionFailed  = "type coercion failed"
	ReasonGroupNeedsParts = "group answers require structured decomposition"
	ReasonFieldNotInGroup = "field is not a member of the mapped group"
	ReasonFirstValue      = "field has no current value"
	ReasonHigherPriority  = "higher-priority source"
	ReasonValuesEqual     = "candidate equals current value"
	ReasonManualOverride  = "manual override"
)

// FieldProposal is the ephemeral result of evaluating one candidate value
// against a field's current value.
type FieldProposal struct {
	FieldNo         int         `json:"field_no"`
	FieldName       string      `json:"field_name"`
	Table           string      `json:"table"`
	Column          string      `json:"column"`
	Current         *FieldValue `json:"current,omitempty"`
	Proposed        *FieldValue `json:"proposed,omitempty"`
	Action          Action      `json:"action"`
	Reason          string      `json:"reason,omitempty"`
	ReviewRequested bool        `json:"review_requested,omitempty"`
}

// NewProposal returns a proposal pre-filled with the field's identity.
func NewProposal(def FieldDefinition) FieldProposal {
	return FieldProposal{
		FieldNo:   def.FieldNo,
		FieldName: def.FieldName,
		Table:     def.Table,
		Column:    def.Column,
	}
}

// IsConflict reports whether the proposal was blocked by an equal-priority conflict.
func (p FieldProposal) IsConflict() bool {
	return p.Action == ActionBlocked && p.Reason == ReasonEqualPriority
}
