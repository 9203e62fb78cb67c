package propagation

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markymo/compass-sub003/internal/ledger"
	"github.com/markymo/compass-sub003/internal/metrics"
	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/proposal"
	"github.com/markymo/compass-sub003/internal/registry"
	"github.com/markymo/compass-sub003/internal/resilience"
	"github.com/markymo/compass-sub003/internal/store"
)

func intPtr(n int) *int { return &n }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	for _, id := range []string{"ent-1", "ent-2"} {
		_, err := st.CreateEntity(context.Background(), model.Entity{ID: id, OrgID: "org-1"})
		require.NoError(t, err)
	}
	return st
}

func newPipeline(t *testing.T, st store.Store) *Pipeline {
	t.Helper()
	reg := registry.MustBuild(registry.DefaultCatalog())
	return New(reg, proposal.DefaultPolicy(), ledger.New(st), Options{
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
}

func gleifAddress(value string) model.AnsweredQuestion {
	return model.AnsweredQuestion{
		QuestionID:    "q-gleif",
		MasterFieldNo: intPtr(6),
		Answer:        value,
		Source:        model.SourceGLEIF,
		EvidenceID:    "ev-gleif",
	}
}

func TestPropagate_FirstValueApplied(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{gleifAddress("221B Baker Street")})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeApplied, outcomes[0].Status)
	require.Len(t, outcomes[0].Proposals, 1)
	assert.Equal(t, model.ReasonFirstValue, outcomes[0].Proposals[0].Reason)

	state, err := st.FieldState(ctx, "ent-1", 6)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "221B Baker Street", state.Value)
	assert.Equal(t, model.SourceGLEIF, state.Provenance.Source)
	assert.Equal(t, "ev-gleif", state.Provenance.EvidenceID)
	assert.Equal(t, registry.CatalogVersion, state.Provenance.SchemaVersion)

	audit, err := st.ListAudit(ctx, "ent-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "propagation", audit[0].Actor)
}

func TestPropagate_UnverifiedInputBlockedByRegistry(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	_, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{gleifAddress("221B Baker Street")})
	require.NoError(t, err)

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{{
		QuestionID:    "q-user",
		MasterFieldNo: intPtr(6),
		Answer:        "221 Baker Street",
	}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeBlocked, outcomes[0].Status)
	assert.Equal(t, model.ReasonLowerPriority, outcomes[0].Proposals[0].Reason)

	state, err := st.FieldState(ctx, "ent-1", 6)
	require.NoError(t, err)
	assert.Equal(t, "221B Baker Street", state.Value)
	assert.Equal(t, model.SourceGLEIF, state.Provenance.Source)
}

func TestPropagate_UnknownFieldIsolated(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{
		{QuestionID: "q-bad", MasterFieldNo: intPtr(9999), Answer: "x"},
		{QuestionID: "q-name", MasterFieldNo: intPtr(1), Answer: "Acme Ltd", Source: model.SourceCompaniesHouse},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, model.OutcomeError, outcomes[0].Status)
	var unknown *model.UnknownFieldError
	require.ErrorAs(t, outcomes[0].Err, &unknown)
	assert.Equal(t, 9999, unknown.FieldNo)

	assert.Equal(t, model.OutcomeApplied, outcomes[1].Status)
	state, err := st.FieldState(ctx, "ent-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "Acme Ltd", state.Value)
}

func TestPropagate_SequentialVisibility(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{
		{QuestionID: "q-1", MasterFieldNo: intPtr(6), Answer: "1 High Street"},
		{QuestionID: "q-2", MasterFieldNo: intPtr(6), Answer: "2 High Street"},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, model.OutcomeApplied, outcomes[0].Status)

	second := outcomes[1].Proposals[0]
	require.NotNil(t, second.Current)
	assert.Equal(t, "1 High Street", second.Current.Value)
	assert.Equal(t, model.ActionBlocked, second.Action)
	assert.Equal(t, model.ReasonEqualPriority, second.Reason)

	reviews, err := st.ListReviews(ctx, "ent-1", model.ReviewStatusOpen)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "q-2", reviews[0].QuestionID)
	assert.Equal(t, 6, reviews[0].FieldNo)

	state, err := st.FieldState(ctx, "ent-1", 6)
	require.NoError(t, err)
	assert.Equal(t, "1 High Street", state.Value)
}

func TestPropagate_EqualValueNoChange(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{
		gleifAddress("221B Baker Street"),
		{QuestionID: "q-user", MasterFieldNo: intPtr(6), Answer: "  221B   Baker Street "},
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoChange, outcomes[1].Status)

	audit, err := st.ListAudit(ctx, "ent-1")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestPropagate_UnmappedSkipped(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)

	outcomes, err := p.Propagate(context.Background(), "ent-1", []model.AnsweredQuestion{
		{QuestionID: "q-free", Answer: "we trade in widgets"},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeSkipped, outcomes[0].Status)
	assert.Equal(t, ReasonPendingTriage, outcomes[0].Reason)
	assert.Empty(t, outcomes[0].Proposals)
}

func TestPropagate_CoercionFailureBlocks(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{
		{QuestionID: "q-emp", MasterFieldNo: intPtr(20), Answer: "about fifty"},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeBlocked, outcomes[0].Status)
	assert.Equal(t, model.ReasonCoercionFailed, outcomes[0].Reason)

	state, err := st.FieldState(ctx, "ent-1", 20)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestPropagate_RejectsMalformedValues(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	questions := []model.AnsweredQuestion{
		gleifAddress("221B \xff Baker Street"),
		{QuestionID: "q-emp", MasterFieldNo: intPtr(20), Answer: "NaN", Source: model.SourceGLEIF},
		{QuestionID: "q-turnover", MasterFieldNo: intPtr(21), Answer: "1,5", Source: model.SourceGLEIF},
	}
	for i := 0; i < 2; i++ {
		outcomes, err := p.Propagate(ctx, "ent-1", questions)
		require.NoError(t, err)
		require.Len(t, outcomes, 3)
		for _, o := range outcomes {
			assert.Equal(t, model.OutcomeBlocked, o.Status, o.QuestionID)
			assert.Equal(t, model.ReasonCoercionFailed, o.Reason, o.QuestionID)
		}
	}

	states, err := st.ListFieldStates(ctx, "ent-1")
	require.NoError(t, err)
	assert.Empty(t, states)

	reviews, err := st.ListReviews(ctx, "ent-1", model.ReviewStatusOpen)
	require.NoError(t, err)
	assert.Empty(t, reviews)
}

func TestPropagate_RepeatedConflictQueuesOneReview(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	_, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{gleifAddress("221B Baker Street")})
	require.NoError(t, err)

	rival := model.AnsweredQuestion{
		QuestionID: "q-gleif-2", MasterFieldNo: intPtr(6), Answer: "10 Downing Street",
		Source: model.SourceGLEIF, EvidenceID: "ev-gleif-2",
	}
	for i := 0; i < 3; i++ {
		outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{rival})
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeBlocked, outcomes[0].Status)
	}

	reviews, err := st.ListReviews(ctx, "ent-1", model.ReviewStatusOpen)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "10 Downing Street", reviews[0].Proposed.Value)
}

func TestPropagate_UnknownEntity(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	outcomes, err := p.Propagate(ctx, "no-such-entity", []model.AnsweredQuestion{gleifAddress("221B Baker Street")})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeError, outcomes[0].Status)
	assert.True(t, eris.Is(outcomes[0].Err, store.ErrNotFound))

	states, err := st.ListFieldStates(ctx, "no-such-entity")
	require.NoError(t, err)
	assert.Empty(t, states)
	audit, err := st.ListAudit(ctx, "no-such-entity")
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestPropagate_CoercesTypedValues(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{
		{QuestionID: "q-emp", MasterFieldNo: intPtr(20), Answer: "1,250"},
		{QuestionID: "q-status", MasterFieldNo: intPtr(5), Answer: "active"},
	})
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.Equal(t, model.OutcomeApplied, o.Status, o.QuestionID)
	}

	emp, err := st.FieldState(ctx, "ent-1", 20)
	require.NoError(t, err)
	assert.InDelta(t, 1250.0, emp.Value, 0.001)

	status, err := st.FieldState(ctx, "ent-1", 5)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", status.Value)
}

func TestPropagate_GroupWithoutPartsBlocksMembers(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)

	outcomes, err := p.Propagate(context.Background(), "ent-1", []model.AnsweredQuestion{
		{QuestionID: "q-hq", MasterQuestionGroupID: "hq_address", Answer: "1 Main St, Leeds, LS1 1AA, GB"},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeBlocked, outcomes[0].Status)
	require.Len(t, outcomes[0].Proposals, 4)
	for _, prop := range outcomes[0].Proposals {
		assert.Equal(t, model.ReasonGroupNeedsParts, prop.Reason)
	}
}

func TestPropagate_GroupParts(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{{
		QuestionID:            "q-hq",
		MasterQuestionGroupID: "hq_address",
		Source:                model.SourceCompaniesHouse,
		Parts: map[int]string{
			12: "1 Main St",
			13: "Leeds",
			1:  "Not An Address Ltd",
		},
	}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeApplied, outcomes[0].Status)
	require.Len(t, outcomes[0].Proposals, 3)

	var notInGroup int
	for _, prop := range outcomes[0].Proposals {
		if prop.Reason == model.ReasonFieldNotInGroup {
			notInGroup++
			assert.Equal(t, 1, prop.FieldNo)
		}
	}
	assert.Equal(t, 1, notInGroup)

	city, err := st.FieldState(ctx, "ent-1", 13)
	require.NoError(t, err)
	assert.Equal(t, "Leeds", city.Value)

	name, err := st.FieldState(ctx, "ent-1", 1)
	require.NoError(t, err)
	assert.Nil(t, name)
}

func TestPropagate_UnknownGroup(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)

	outcomes, err := p.Propagate(context.Background(), "ent-1", []model.AnsweredQuestion{
		{QuestionID: "q-x", MasterQuestionGroupID: "nope", Parts: map[int]string{6: "x"}},
	})
	require.NoError(t, err)
	var unknown *model.UnknownGroupError
	require.ErrorAs(t, outcomes[0].Err, &unknown)
	assert.Equal(t, "nope", unknown.GroupID)
}

func TestPropagate_EmptyEntity(t *testing.T) {
	p := newPipeline(t, newTestStore(t))
	_, err := p.Propagate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestPropagate_CancelledContext(t *testing.T) {
	p := newPipeline(t, newTestStore(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{gleifAddress("x")})
	require.Error(t, err)
	assert.Empty(t, outcomes)
}

// flakyStore fails the first n entity transactions with a transient error.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (f *flakyStore) InEntityTx(ctx context.Context, entityID string, fn func(store.Tx) error) error {
	if f.failures.Add(-1) >= 0 {
		return resilience.NewTransientError(eris.New("database is locked"), "begin")
	}
	return f.Store.InEntityTx(ctx, entityID, fn)
}

func TestPropagate_RetriesTransientFailure(t *testing.T) {
	st := newTestStore(t)
	flaky := &flakyStore{Store: st}
	flaky.failures.Store(2)
	p := newPipeline(t, flaky)
	ctx := context.Background()

	outcomes, err := p.Propagate(ctx, "ent-1", []model.AnsweredQuestion{gleifAddress("221B Baker Street")})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApplied, outcomes[0].Status)

	audit, err := st.ListAudit(ctx, "ent-1")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestPropagate_RetriesExhausted(t *testing.T) {
	st := newTestStore(t)
	flaky := &flakyStore{Store: st}
	flaky.failures.Store(10)
	p := newPipeline(t, flaky)

	outcomes, err := p.Propagate(context.Background(), "ent-1", []model.AnsweredQuestion{gleifAddress("221B Baker Street")})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeError, outcomes[0].Status)
	assert.True(t, resilience.IsTransient(outcomes[0].Err))
}

func TestPropagateAll(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx := context.Background()

	results, err := p.PropagateAll(ctx, []EntityBatch{
		{EntityID: "ent-1", Questions: []model.AnsweredQuestion{gleifAddress("1 A Street")}},
		{EntityID: "ent-2", Questions: []model.AnsweredQuestion{gleifAddress("2 B Street")}},
		{EntityID: "ent-1", Questions: []model.AnsweredQuestion{
			{QuestionID: "q-name", MasterFieldNo: intPtr(1), Answer: "One Ltd", Source: model.SourceGLEIF},
		}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results["ent-1"], 2)
	assert.Len(t, results["ent-2"], 1)

	one, err := st.FieldState(ctx, "ent-1", 6)
	require.NoError(t, err)
	assert.Equal(t, "1 A Street", one.Value)

	two, err := st.FieldState(ctx, "ent-2", 6)
	require.NoError(t, err)
	assert.Equal(t, "2 B Street", two.Value)
}

func TestPropagateAll_FailedBatchDoesNotStopOthers(t *testing.T) {
	st := newTestStore(t)
	reg := registry.MustBuild(registry.DefaultCatalog())
	p := New(reg, proposal.DefaultPolicy(), ledger.New(st), Options{MaxConcurrentEntities: 1})
	ctx := context.Background()

	results, err := p.PropagateAll(ctx, []EntityBatch{
		{EntityID: "", Questions: []model.AnsweredQuestion{gleifAddress("0 Nowhere Lane")}},
		{EntityID: "no-such-entity", Questions: []model.AnsweredQuestion{gleifAddress("9 Z Street")}},
		{EntityID: "ent-1", Questions: []model.AnsweredQuestion{gleifAddress("1 A Street")}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Len(t, results[""], 1)
	assert.Equal(t, model.OutcomeError, results[""][0].Status)
	assert.Equal(t, "q-gleif", results[""][0].QuestionID)
	require.Len(t, results["no-such-entity"], 1)
	assert.Equal(t, model.OutcomeError, results["no-such-entity"][0].Status)
	require.Len(t, results["ent-1"], 1)
	assert.Equal(t, model.OutcomeApplied, results["ent-1"][0].Status)

	one, err := st.FieldState(ctx, "ent-1", 6)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "1 A Street", one.Value)
}

func TestPropagateAll_CancelledContext(t *testing.T) {
	st := newTestStore(t)
	p := newPipeline(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.PropagateAll(ctx, []EntityBatch{
		{EntityID: "ent-1", Questions: []model.AnsweredQuestion{gleifAddress("1 A Street")}},
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, context.Canceled))
}

func TestPropagate_RecordsMetrics(t *testing.T) {
	st := newTestStore(t)
	m := metrics.New(prometheus.NewRegistry())
	reg := registry.MustBuild(registry.DefaultCatalog())
	p := New(reg, proposal.DefaultPolicy(), ledger.New(st), Options{Metrics: m})

	_, err := p.Propagate(context.Background(), "ent-1", []model.AnsweredQuestion{
		gleifAddress("221B Baker Street"),
		{QuestionID: "q-user", MasterFieldNo: intPtr(6), Answer: "221 Baker Street"},
		{QuestionID: "q-free"},
	})
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Outcomes.WithLabelValues("applied")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Outcomes.WithLabelValues("blocked")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Outcomes.WithLabelValues("skipped")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Proposals.WithLabelValues("BLOCKED")), 0)
}
