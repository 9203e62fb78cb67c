package evidence

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/markymo/compass-sub003/internal/model"
)

// Repository is the slice of the store the evidence service needs.
type Repository interface {
	PutEvidence(ctx context.Context, rec model.EvidenceRecord) (id string, created bool, err error)
	GetEvidence(ctx context.Context, id string) (*model.EvidenceRecord, error)
}

// Service stores and retrieves immutable evidence records. There is no update
// or delete.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates an evidence Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// StoreRequest describes one payload to persist.
type StoreRequest struct {
	Payload       any
	Provider      model.Source
	SchemaVersion string
	CapturedBy    string
	RetrievedAt   time.Time
}

// Store persists a payload and returns its evidence id. Storing a payload
// whose canonical form was already stored returns the existing id.
func (s *Service) Store(ctx context.Context, req StoreRequest) (string, error) {
	if !req.Provider.Valid() {
		return "", eris.Errorf("evidence: unknown provider %q", req.Provider)
	}
	canonical, err := Canonicalize(req.Payload)
	if err != nil {
		return "", err
	}

	retrieved := req.RetrievedAt
	if retrieved.IsZero() {
		retrieved = s.now().UTC()
	}

	rec := model.EvidenceRecord{
		Hash:          Hash(canonical),
		Provider:      req.Provider,
		Payload:       canonical,
		SchemaVersion: req.SchemaVersion,
		RetrievedAt:   retrieved,
		CapturedBy:    req.CapturedBy,
	}
	id, created, err := s.repo.PutEvidence(ctx, rec)
	if err != nil {
		return "", eris.Wrap(err, "evidence: store")
	}

	zap.L().Debug("evidence stored",
		zap.String("evidence_id", id),
		zap.String("hash", rec.Hash),
		zap.String("provider", string(req.Provider)),
		zap.Bool("created", created),
	)
	return id, nil
}

// Retrieve returns the evidence record with the given id. A missing id wraps
// store.ErrNotFound.
func (s *Service) Retrieve(ctx context.Context, id string) (*model.EvidenceRecord, error) {
	rec, err := s.repo.GetEvidence(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: retrieve %s", id)
	}
	return rec, nil
}
