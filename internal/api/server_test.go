package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markymo/compass-sub003/internal/evidence"
	"github.com/markymo/compass-sub003/internal/ledger"
	"github.com/markymo/compass-sub003/internal/metrics"
	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/override"
	"github.com/markymo/compass-sub003/internal/propagation"
	"github.com/markymo/compass-sub003/internal/proposal"
	"github.com/markymo/compass-sub003/internal/registry"
	"github.com/markymo/compass-sub003/internal/store"
)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	_, err = st.CreateEntity(context.Background(), model.Entity{ID: "ent-1", OrgID: "org-1"})
	require.NoError(t, err)

	reg := registry.MustBuild(registry.DefaultCatalog())
	l := ledger.New(st)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	if opts.Gatherer == nil {
		opts.Gatherer = promReg
	}
	srv := New(
		propagation.New(reg, proposal.DefaultPolicy(), l, propagation.Options{Metrics: m}),
		override.NewGateway(reg, l, st).WithMetrics(m),
		l,
		evidence.NewService(st),
		opts,
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	resp := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestPropagateAndRead(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	six := 6

	resp := post(t, ts.URL+"/entities/ent-1/propagate", []model.AnsweredQuestion{
		{QuestionID: "q1", MasterFieldNo: &six, Answer: "221B Baker Street", Source: model.SourceGLEIF},
		{QuestionID: "q2", MasterFieldNo: &six, Answer: "221 Baker Street"},
		{QuestionID: "q3", MasterFieldNo: intPtr(9999), Answer: "x"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	outcomes := decode[[]outcomeResponse](t, resp)
	require.Len(t, outcomes, 3)
	assert.Equal(t, model.OutcomeApplied, outcomes[0].Status)
	assert.Equal(t, model.OutcomeBlocked, outcomes[1].Status)
	assert.Equal(t, model.OutcomeError, outcomes[2].Status)
	assert.Contains(t, outcomes[2].Error, "Unknown Field No")

	fields := decode[[]model.FieldState](t, get(t, ts.URL+"/entities/ent-1/fields"))
	require.Len(t, fields, 1)
	assert.Equal(t, "221B Baker Street", fields[0].Value)
	assert.Equal(t, model.SourceGLEIF, fields[0].Provenance.Source)

	history := decode[[]model.AuditEntry](t, get(t, ts.URL+"/entities/ent-1/history"))
	assert.Len(t, history, 1)

	reviews := decode[[]model.ReviewItem](t, get(t, ts.URL+"/entities/ent-1/reviews"))
	assert.Empty(t, reviews)
}

func TestPropagate_BadBody(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	resp, err := http.Post(ts.URL+"/entities/ent-1/propagate", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOverride(t *testing.T) {
	ts, st := newTestServer(t, Options{})
	six := 6

	resp := post(t, ts.URL+"/entities/ent-1/override", overrideRequest{
		FieldNo: &six, Value: "221 Baker Street", Reason: "client confirmed on call", User: "analyst",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	state, err := st.FieldState(context.Background(), "ent-1", 6)
	require.NoError(t, err)
	assert.Equal(t, "221 Baker Street", state.Value)
	assert.True(t, state.Provenance.Verified)
}

func TestOverride_Errors(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	six, unknown := 6, 9999

	tests := []struct {
		name   string
		req    overrideRequest
		status int
	}{
		{"no target", overrideRequest{Value: "x", Reason: "r", User: "u"}, http.StatusBadRequest},
		{"both targets", overrideRequest{FieldNo: &six, CustomKey: "k", Value: "x", Reason: "r", User: "u"}, http.StatusBadRequest},
		{"no reason", overrideRequest{FieldNo: &six, Value: "x", User: "u"}, http.StatusBadRequest},
		{"unknown field", overrideRequest{FieldNo: &unknown, Value: "x", Reason: "r", User: "u"}, http.StatusUnprocessableEntity},
		{"bad date", overrideRequest{FieldNo: intPtr(4), Value: "soon", Reason: "r", User: "u"}, http.StatusUnprocessableEntity},
		{"unknown custom", overrideRequest{CustomKey: "risk", Value: "x", Reason: "r", User: "u"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/entities/ent-1/override", tt.req)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestOverride_UnknownEntity(t *testing.T) {
	ts, st := newTestServer(t, Options{})
	six := 6

	resp := post(t, ts.URL+"/entities/no-such-entity/override", overrideRequest{
		FieldNo: &six, Value: "221 Baker Street", Reason: "call with client", User: "analyst@example.com",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	states, err := st.ListFieldStates(context.Background(), "no-such-entity")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestEvidence(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	body := map[string]any{
		"provider": "gleif",
		"payload":  map[string]any{"lei": "5493001KJTIIGC8Y1R12"},
	}
	first := post(t, ts.URL+"/evidence", body)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	id := decode[map[string]string](t, first)["id"]
	require.NotEmpty(t, id)

	second := decode[map[string]string](t, post(t, ts.URL+"/evidence", body))
	assert.Equal(t, id, second["id"])

	rec := decode[model.EvidenceRecord](t, get(t, ts.URL+"/evidence/"+id))
	assert.Equal(t, model.SourceGLEIF, rec.Provider)

	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/evidence/missing").StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/evidence", map[string]any{"provider": "nope"}).StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, Options{RateLimit: 0.001, Burst: 1})
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/health").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, get(t, ts.URL+"/health").StatusCode)
}

func TestCORS(t *testing.T) {
	ts, _ := newTestServer(t, Options{AllowedOrigins: []string{"https://app.example.com"}})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func intPtr(n int) *int { return &n }

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	six := 6

	post(t, ts.URL+"/entities/ent-1/propagate", []model.AnsweredQuestion{
		{QuestionID: "q1", MasterFieldNo: &six, Answer: "221B Baker Street", Source: model.SourceGLEIF},
	})
	post(t, ts.URL+"/entities/ent-1/override", overrideRequest{
		FieldNo: &six, Value: "221 Baker Street", Reason: "client confirmed on call", User: "analyst",
	})

	resp := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `compass_propagation_outcomes_total{status="applied"} 1`)
	assert.Contains(t, string(body), `compass_proposals_total{action="PROPOSE_UPDATE"} 1`)
	assert.Contains(t, string(body), `compass_overrides_total{target="canonical"} 1`)
	assert.Contains(t, string(body), "compass_propagate_duration_seconds_count 1")
}
