package evidence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/store"
)

func newSQLiteService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewService(st), st
}

func TestService_StoreIsIdempotent(t *testing.T) {
	svc, st := newSQLiteService(t)
	ctx := context.Background()

	id1, err := svc.Store(ctx, StoreRequest{
		Payload:       []byte(`{"company_number":"01234567","name":"ACME LTD"}`),
		Provider:      model.SourceCompaniesHouse,
		SchemaVersion: "ch-profile-1",
	})
	require.NoError(t, err)

	id2, err := svc.Store(ctx, StoreRequest{
		Payload:  map[string]string{"name": "ACME LTD", "company_number": "01234567"},
		Provider: model.SourceCompaniesHouse,
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	n, err := st.CountEvidence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := svc.Retrieve(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, `{"company_number":"01234567","name":"ACME LTD"}`, string(rec.Payload))
	assert.Equal(t, "ch-profile-1", rec.SchemaVersion)

	canonical, err := Canonicalize(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, Hash(canonical))
}

func TestService_RetrieveMissing(t *testing.T) {
	svc, _ := newSQLiteService(t)

	_, err := svc.Retrieve(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrNotFound))
}

func TestService_UnknownProvider(t *testing.T) {
	svc := NewService(&mockRepo{})

	_, err := svc.Store(context.Background(), StoreRequest{Payload: `{}`, Provider: "FAX"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) PutEvidence(ctx context.Context, rec model.EvidenceRecord) (string, bool, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockRepo) GetEvidence(ctx context.Context, id string) (*model.EvidenceRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*model.EvidenceRecord)
	return rec, args.Error(1)
}

func TestService_StorePassesCanonicalRecord(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(repo)

	repo.On("PutEvidence", mock.Anything, mock.MatchedBy(func(rec model.EvidenceRecord) bool {
		return string(rec.Payload) == `{"a":1,"b":2}` &&
			rec.Hash == Hash([]byte(`{"a":1,"b":2}`)) &&
			rec.Provider == model.SourceGLEIF &&
			rec.CapturedBy == "sync-job" &&
			!rec.RetrievedAt.IsZero()
	})).Return("ev-9", true, nil)

	id, err := svc.Store(context.Background(), StoreRequest{
		Payload: []byte(`{"b":2, "a":1}`), Provider: model.SourceGLEIF, CapturedBy: "sync-job",
	})
	require.NoError(t, err)
	assert.Equal(t, "ev-9", id)
	repo.AssertExpectations(t)
}

func TestService_StoreRepoError(t *testing.T) {
	repo := &mockRepo{}
	repo.On("PutEvidence", mock.Anything, mock.Anything).Return("", false, eris.New("disk full"))

	_, err := NewService(repo).Store(context.Background(), StoreRequest{Payload: `{}`, Provider: model.SourceSystem})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
