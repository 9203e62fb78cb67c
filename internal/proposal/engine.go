package proposal

import (
	"time"

	"github.com/markymo/compass-sub003/internal/model"
)

// Engine evaluates candidate values against current field state under a
// fixed policy.
type Engine struct {
	policy Policy
	now    func() time.Time
}

// NewEngine creates an Engine for the given policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy, now: time.Now}
}

// WithNow sets a fixed reference time for confidence decay (for testing).
func (e *Engine) WithNow(t time.Time) *Engine {
	e.now = func() time.Time { return t }
	return e
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Evaluate decides whether candidate should replace current for def.
//
// A missing current value is always replaced. Equal values are a no-op
// whatever their sources. Otherwise the candidate wins only from a strictly
// higher tier; ties and lower tiers are blocked. Confidence never changes the
// action: a blocked candidate whose decayed confidence reaches the review
// threshold is flagged for review.
func (e *Engine) Evaluate(def model.FieldDefinition, current *model.FieldValue, candidate model.FieldValue) model.FieldProposal {
	p := model.NewProposal(def)
	p.Current = current
	p.Proposed = &candidate

	if current == nil || current.Value == nil {
		p.Action = model.ActionProposeUpdate
		p.Reason = model.ReasonFirstValue
		return p
	}

	if Equal(def, current.Value, candidate.Value) {
		p.Action = model.ActionNoChange
		p.Reason = model.ReasonValuesEqual
		return p
	}

	currentTier := e.policy.Tier(current.Source, current.Verified)
	candidateTier := e.policy.Tier(candidate.Source, candidate.Verified)

	switch {
	case candidateTier > currentTier:
		p.Action = model.ActionProposeUpdate
		p.Reason = model.ReasonHigherPriority
		return p
	case candidateTier < currentTier:
		p.Action = model.ActionBlocked
		p.Reason = model.ReasonLowerPriority
	default:
		p.Action = model.ActionBlocked
		p.Reason = model.ReasonEqualPriority
	}

	p.ReviewRequested = e.reviewRequested(candidate)
	return p
}

func (e *Engine) reviewRequested(candidate model.FieldValue) bool {
	threshold := e.policy.Review.ConfidenceThreshold
	if threshold <= 0 || candidate.Confidence == nil {
		return false
	}
	var asOf time.Time
	if candidate.Timestamp != nil {
		asOf = *candidate.Timestamp
	}
	return e.policy.Review.TimeDecay.Decay(*candidate.Confidence, asOf, e.now()) >= threshold
}

// Evaluate runs a one-off evaluation with the current time.
func Evaluate(def model.FieldDefinition, current *model.FieldValue, candidate model.FieldValue, policy Policy) model.FieldProposal {
	return NewEngine(policy).Evaluate(def, current, candidate)
}
