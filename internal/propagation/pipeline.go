// Package propagation turns answered questionnaire items into field
// proposals and applies the accepted ones to an entity's master record.
package propagation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markymo/compass-sub003/internal/ledger"
	"github.com/markymo/compass-sub003/internal/metrics"
	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/proposal"
	"github.com/markymo/compass-sub003/internal/resilience"
	"github.com/markymo/compass-sub003/internal/store"
)

// ReasonPendingTriage marks questions with no field or group mapping.
const ReasonPendingTriage = "pending triage: question is not mapped to a field or group"

// Options tunes a Pipeline.
type Options struct {
	// Retry governs replays of entity transactions that fail transiently.
	Retry resilience.RetryConfig
	// MaxConcurrentEntities bounds PropagateAll. Default: 4.
	MaxConcurrentEntities int
	// Actor is recorded on audit entries. Default: "propagation".
	Actor string
	// Metrics receives outcome counts and batch latency. Optional.
	Metrics *metrics.Metrics
}

// Pipeline maps answered questions to canonical fields, evaluates them
// against current state and applies accepted proposals.
type Pipeline struct {
	registry *model.FieldRegistry
	engine   *proposal.Engine
	ledger   *ledger.Ledger
	opts     Options
}

// New creates a Pipeline. The registry and policy are fixed for its lifetime.
func New(reg *model.FieldRegistry, policy proposal.Policy, l *ledger.Ledger, opts Options) *Pipeline {
	return NewWithEngine(reg, proposal.NewEngine(policy), l, opts)
}

// NewWithEngine creates a Pipeline around a prepared engine.
func NewWithEngine(reg *model.FieldRegistry, engine *proposal.Engine, l *ledger.Ledger, opts Options) *Pipeline {
	if opts.MaxConcurrentEntities <= 0 {
		opts.MaxConcurrentEntities = 4
	}
	if opts.Actor == "" {
		opts.Actor = "propagation"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Pipeline{registry: reg, engine: engine, ledger: l, opts: opts}
}

// candidate is one coerced value headed for evaluation.
type candidate struct {
	def   model.FieldDefinition
	value model.FieldValue
}

// Propagate processes questions for one entity in order. Each question runs
// in its own transaction, so later questions see earlier writes; the entity
// stays locked for the whole batch. Per-question failures become error
// outcomes and do not stop the batch. The returned error is non-nil only
// when ctx ends or the entity id is missing.
func (p *Pipeline) Propagate(ctx context.Context, entityID string, questions []model.AnsweredQuestion) ([]model.Outcome, error) {
	if entityID == "" {
		return nil, eris.New("propagation: entity id is required")
	}

	start := time.Now()
	unlock := p.ledger.LockEntity(entityID)
	defer unlock()
	defer func() { p.opts.Metrics.ObservePropagateLatency(time.Since(start)) }()

	log := zap.L().With(zap.String("entity_id", entityID))
	outcomes := make([]model.Outcome, 0, len(questions))
	for _, q := range questions {
		if err := ctx.Err(); err != nil {
			return outcomes, eris.Wrap(err, "propagation: cancelled")
		}
		o := p.propagateOne(ctx, entityID, q)
		logOutcome(log, o)
		p.record(o)
		outcomes = append(outcomes, o)
	}

	counts := model.CountByStatus(outcomes)
	log.Info("propagation complete",
		zap.Int("questions", len(questions)),
		zap.Int("applied", counts[model.OutcomeApplied]),
		zap.Int("no_change", counts[model.OutcomeNoChange]),
		zap.Int("blocked", counts[model.OutcomeBlocked]),
		zap.Int("skipped", counts[model.OutcomeSkipped]),
		zap.Int("errors", counts[model.OutcomeError]),
	)
	return outcomes, nil
}

// EntityBatch is the question list for one entity.
type EntityBatch struct {
	EntityID  string                   `json:"entity_id"`
	Questions []model.AnsweredQuestion `json:"questions"`
}

// PropagateAll runs batches for different entities in parallel. Batches for
// the same entity are concatenated in input order and run as one. A batch
// that fails as a whole yields error outcomes for its own questions and
// leaves the other entities running; the returned error is non-nil only when
// ctx ends.
func (p *Pipeline) PropagateAll(ctx context.Context, batches []EntityBatch) (map[string][]model.Outcome, error) {
	merged := make(map[string][]model.AnsweredQuestion)
	var order []string
	for _, b := range batches {
		if _, seen := merged[b.EntityID]; !seen {
			order = append(order, b.EntityID)
		}
		merged[b.EntityID] = append(merged[b.EntityID], b.Questions...)
	}

	zap.L().Info("propagating batches",
		zap.Int("entities", len(order)),
		zap.Int("concurrency", p.opts.MaxConcurrentEntities),
	)

	var g errgroup.Group
	g.SetLimit(p.opts.MaxConcurrentEntities)

	var mu sync.Mutex
	results := make(map[string][]model.Outcome, len(order))

	for _, entityID := range order {
		questions := merged[entityID]
		g.Go(func() error {
			outcomes, err := p.Propagate(ctx, entityID, questions)
			if err != nil {
				zap.L().Warn("entity batch failed",
					zap.String("entity_id", entityID),
					zap.Error(err),
				)
				outcomes = failRemaining(outcomes, questions, err)
			}
			mu.Lock()
			results[entityID] = outcomes
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, eris.Wrap(err, "propagation: batch")
	}
	return results, nil
}

// failRemaining marks every question without an outcome as failed with err.
func failRemaining(done []model.Outcome, questions []model.AnsweredQuestion, err error) []model.Outcome {
	for _, q := range questions[len(done):] {
		done = append(done, model.Outcome{QuestionID: q.QuestionID, Status: model.OutcomeError, Err: err})
	}
	return done
}

func (p *Pipeline) propagateOne(ctx context.Context, entityID string, q model.AnsweredQuestion) model.Outcome {
	out := model.Outcome{QuestionID: q.QuestionID}

	if !q.Mapped() {
		out.Status = model.OutcomeSkipped
		out.Reason = ReasonPendingTriage
		return out
	}

	src := q.Source
	if src == "" {
		src = model.SourceUserInput
	}
	if !src.Valid() {
		out.Status = model.OutcomeError
		out.Err = eris.Errorf("propagation: question %s has unknown source %q", q.QuestionID, src)
		return out
	}
	base := model.FieldValue{
		Source:     src,
		Verified:   q.Verified,
		EvidenceID: q.EvidenceID,
		Timestamp:  q.AnsweredAt,
		Confidence: q.Confidence,
	}

	var cands []candidate
	var blocked []model.FieldProposal
	var err error
	if q.MasterFieldNo != nil {
		cands, blocked, err = p.fieldCandidates(*q.MasterFieldNo, q.Answer, base)
	} else {
		cands, blocked, err = p.groupCandidates(q, base)
	}
	if err != nil {
		out.Status = model.OutcomeError
		out.Err = err
		return out
	}

	var evaluated []model.FieldProposal
	if len(cands) > 0 {
		evaluated, err = p.evaluateAndApply(ctx, entityID, q.QuestionID, cands)
		if err != nil {
			out.Status = model.OutcomeError
			out.Err = err
			out.Proposals = blocked
			return out
		}
	}

	out.Proposals = append(evaluated, blocked...)
	out.Status = model.SummarizeOutcomes(out.Proposals)
	if len(blocked) > 0 && len(evaluated) == 0 {
		out.Reason = blocked[0].Reason
	}
	return out
}

// fieldCandidates resolves a single-field mapping. An unknown field number is
// an error; a value that does not coerce is a blocked proposal.
func (p *Pipeline) fieldCandidates(fieldNo int, answer string, base model.FieldValue) ([]candidate, []model.FieldProposal, error) {
	def, ok := p.registry.Lookup(fieldNo)
	if !ok {
		return nil, nil, &model.UnknownFieldError{FieldNo: fieldNo}
	}
	c, blockedProp, ok := coerceCandidate(def, answer, base)
	if !ok {
		return nil, []model.FieldProposal{blockedProp}, nil
	}
	return []candidate{c}, nil, nil
}

// groupCandidates resolves a group mapping from structured parts. Free text
// alone cannot be split into member fields and blocks every member.
func (p *Pipeline) groupCandidates(q model.AnsweredQuestion, base model.FieldValue) ([]candidate, []model.FieldProposal, error) {
	group, ok := p.registry.Group(q.MasterQuestionGroupID)
	if !ok {
		return nil, nil, &model.UnknownGroupError{GroupID: q.MasterQuestionGroupID}
	}
	members, _ := p.registry.FieldsInGroup(group.ID)

	if len(q.Parts) == 0 {
		blocked := make([]model.FieldProposal, 0, len(members))
		for _, def := range members {
			bp := model.NewProposal(def)
			bp.Action = model.ActionBlocked
			bp.Reason = model.ReasonGroupNeedsParts
			if q.Answer != "" {
				bp.Proposed = withValue(base, q.Answer)
			}
			blocked = append(blocked, bp)
		}
		return nil, blocked, nil
	}

	fieldNos := make([]int, 0, len(q.Parts))
	for no := range q.Parts {
		fieldNos = append(fieldNos, no)
	}
	sort.Ints(fieldNos)

	var cands []candidate
	var blocked []model.FieldProposal
	for _, no := range fieldNos {
		raw := q.Parts[no]
		def, known := p.registry.Lookup(no)
		if !known || !group.Contains(no) {
			bp := model.FieldProposal{FieldNo: no}
			if known {
				bp = model.NewProposal(def)
			}
			bp.Action = model.ActionBlocked
			bp.Reason = model.ReasonFieldNotInGroup
			bp.Proposed = withValue(base, raw)
			blocked = append(blocked, bp)
			continue
		}
		c, bp, ok := coerceCandidate(def, raw, base)
		if !ok {
			blocked = append(blocked, bp)
			continue
		}
		cands = append(cands, c)
	}
	return cands, blocked, nil
}

// evaluateAndApply reads current state, evaluates and applies all candidates
// of one question in a single transaction. Transient failures replay the
// whole transaction from a fresh read.
func (p *Pipeline) evaluateAndApply(ctx context.Context, entityID, questionID string, cands []candidate) ([]model.FieldProposal, error) {
	var proposals []model.FieldProposal

	retry := p.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(entityID, "propagate "+questionID)
	}

	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		proposals = proposals[:0]
		return p.ledger.Tx(ctx, entityID, func(tx store.Tx) error {
			if _, err := tx.Entity(ctx, entityID); err != nil {
				return eris.Wrapf(err, "propagation: entity %s", entityID)
			}
			for _, c := range cands {
				state, err := tx.FieldState(ctx, entityID, c.def.FieldNo)
				if err != nil {
					return eris.Wrapf(err, "propagation: read field %d", c.def.FieldNo)
				}

				prop := p.engine.Evaluate(c.def, state.AsFieldValue(), c.value)
				switch {
				case prop.Action == model.ActionProposeUpdate:
					if err := p.ledger.Apply(ctx, tx, entityID, prop, ledger.ApplyMeta{
						Actor:         p.opts.Actor,
						SchemaVersion: p.registry.Version,
					}); err != nil {
						return err
					}
				case prop.IsConflict() || prop.ReviewRequested:
					if err := p.ledger.EnqueueReview(ctx, tx, entityID, questionID, prop); err != nil {
						return err
					}
				}
				proposals = append(proposals, prop)
			}
			return nil
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "propagation: question %s", questionID)
	}
	return proposals, nil
}

func (p *Pipeline) record(o model.Outcome) {
	p.opts.Metrics.IncrementOutcome(string(o.Status))
	for _, prop := range o.Proposals {
		p.opts.Metrics.IncrementProposal(string(prop.Action))
	}
}

func coerceCandidate(def model.FieldDefinition, raw string, base model.FieldValue) (candidate, model.FieldProposal, bool) {
	value, err := proposal.Coerce(def, raw)
	if err != nil {
		bp := model.NewProposal(def)
		bp.Action = model.ActionBlocked
		bp.Reason = model.ReasonCoercionFailed
		bp.Proposed = withValue(base, raw)
		zap.L().Debug("coercion failed", zap.Int("field_no", def.FieldNo), zap.Error(err))
		return candidate{}, bp, false
	}
	v := base
	v.Value = value
	return candidate{def: def, value: v}, model.FieldProposal{}, true
}

func withValue(base model.FieldValue, value any) *model.FieldValue {
	v := base
	v.Value = value
	return &v
}

func logOutcome(log *zap.Logger, o model.Outcome) {
	switch o.Status {
	case model.OutcomeSkipped:
		log.Info("question pending triage", zap.String("question_id", o.QuestionID))
	case model.OutcomeError:
		log.Warn("question failed", zap.String("question_id", o.QuestionID), zap.Error(o.Err))
	default:
		log.Debug("question propagated",
			zap.String("question_id", o.QuestionID),
			zap.String("status", string(o.Status)),
			zap.Int("proposals", len(o.Proposals)),
		)
	}
}
