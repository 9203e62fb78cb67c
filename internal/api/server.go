// Package api exposes propagation, overrides and ledger reads over HTTP for
// ingestion and review collaborators.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/markymo/compass-sub003/internal/evidence"
	"github.com/markymo/compass-sub003/internal/ledger"
	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/override"
	"github.com/markymo/compass-sub003/internal/propagation"
	"github.com/markymo/compass-sub003/internal/store"
)

// Options tunes the HTTP surface.
type Options struct {
	// AllowedOrigins for CORS. Empty disables cross-origin access.
	AllowedOrigins []string
	// RateLimit is the sustained requests per second across all clients.
	// Zero disables limiting.
	RateLimit float64
	// Burst is the limiter bucket size. Default: 10.
	Burst int
	// Gatherer, when set, is served on GET /metrics.
	Gatherer prometheus.Gatherer
}

// Server routes HTTP requests to the pipeline, gateway and ledger.
type Server struct {
	pipeline *propagation.Pipeline
	gateway  *override.Gateway
	ledger   *ledger.Ledger
	evidence *evidence.Service
	opts     Options
}

// New creates a Server.
func New(p *propagation.Pipeline, g *override.Gateway, l *ledger.Ledger, ev *evidence.Service, opts Options) *Server {
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &Server{pipeline: p, gateway: g, ledger: l, evidence: ev, opts: opts}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestLogger)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}
	if s.opts.RateLimit > 0 {
		r.Use(rateLimiter(rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.Burst)))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/entities/{entityID}", func(r chi.Router) {
		r.Post("/propagate", s.handlePropagate)
		r.Post("/override", s.handleOverride)
		r.Get("/fields", s.handleFields)
		r.Get("/history", s.handleHistory)
		r.Get("/reviews", s.handleReviews)
	})

	r.Post("/evidence", s.handlePutEvidence)
	r.Get("/evidence/{evidenceID}", s.handleGetEvidence)

	return r
}

type outcomeResponse struct {
	model.Outcome
	Error string `json:"error,omitempty"`
}

func (s *Server) handlePropagate(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var questions []model.AnsweredQuestion
	if err := json.NewDecoder(r.Body).Decode(&questions); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcomes, err := s.pipeline.Propagate(r.Context(), entityID, questions)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := make([]outcomeResponse, len(outcomes))
	for i, o := range outcomes {
		resp[i] = outcomeResponse{Outcome: o, Error: o.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

type overrideRequest struct {
	FieldNo   *int   `json:"field_no,omitempty"`
	CustomKey string `json:"custom_key,omitempty"`
	Value     any    `json:"value"`
	Reason    string `json:"reason"`
	User      string `json:"user"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var target override.Target
	switch {
	case req.FieldNo != nil && req.CustomKey != "":
		writeError(w, http.StatusBadRequest, "set either field_no or custom_key, not both")
		return
	case req.FieldNo != nil:
		target = override.CanonicalField(*req.FieldNo)
	case req.CustomKey != "":
		target = override.CustomField(req.CustomKey)
	default:
		writeError(w, http.StatusBadRequest, "field_no or custom_key is required")
		return
	}

	err := s.gateway.Override(r.Context(), override.Request{
		EntityID:   entityID,
		Target:     target,
		Value:      req.Value,
		Reason:     req.Reason,
		ActingUser: req.User,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	states, err := s.ledger.States(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(states))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.History(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	items, err := s.ledger.OpenReviews(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

type evidenceRequest struct {
	Provider      string          `json:"provider"`
	SchemaVersion string          `json:"schema_version"`
	CapturedBy    string          `json:"captured_by"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *Server) handlePutEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	src, err := model.ParseSource(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.evidence.Store(r.Context(), evidence.StoreRequest{
		Payload:       req.Payload,
		Provider:      src,
		SchemaVersion: req.SchemaVersion,
		CapturedBy:    req.CapturedBy,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	rec, err := s.evidence.Retrieve(r.Context(), chi.URLParam(r, "evidenceID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var unknownField *model.UnknownFieldError
	var coercion *model.CoercionError
	switch {
	case errors.As(err, &unknownField), errors.As(err, &coercion):
		return http.StatusUnprocessableEntity
	case eris.Is(err, model.ErrReasonRequired), eris.Is(err, model.ErrActorRequired):
		return http.StatusBadRequest
	case eris.Is(err, model.ErrCustomFieldNotFound), eris.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func rateLimiter(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				zap.L().Error("panic in handler", zap.Any("panic", v), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
