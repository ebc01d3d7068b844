// Package api exposes the HTTP surface: observation intake, trial acks,
// and the token-protected admin endpoints. Observe and ack URLs are
// unauthenticated by design; the unguessable id is the capability.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/rewire/internal/metrics"
	"github.com/marcus-qen/rewire/internal/rules"
	"github.com/marcus-qen/rewire/internal/store"
	"github.com/marcus-qen/rewire/internal/token"
	"github.com/marcus-qen/rewire/internal/trials"
)

// Server handles the rewire HTTP API.
type Server struct {
	store      *store.Store
	trialMgr   *trials.Manager
	baseURL    string
	adminToken string
	logger     *zap.Logger
	mux        *http.ServeMux
}

// NewServer creates the HTTP API server.
func NewServer(st *store.Store, trialMgr *trials.Manager, baseURL, adminToken string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		store:      st,
		trialMgr:   trialMgr,
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		logger:     logger,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /observe/{id}", s.handleObservePost)
	s.mux.HandleFunc("GET /observe/{id}", s.handleObserveGet)
	s.mux.HandleFunc("GET /ack/{trial}", s.handleAck)

	s.mux.HandleFunc("POST /admin/new", s.withAdmin(s.handleAdminNew))
	s.mux.HandleFunc("POST /admin/enable", s.withAdmin(s.handleAdminSetEnabled(true)))
	s.mux.HandleFunc("POST /admin/disable", s.withAdmin(s.handleAdminSetEnabled(false)))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.text(w, http.StatusOK, "rewire ok\n")
}

func (s *Server) handleObservePost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	exp, err := s.store.GetExpectation(id)
	if store.IsNotFound(err) {
		s.text(w, http.StatusNotFound, "unknown expectation\n")
		return
	}
	if err != nil {
		s.storeError(w, "get expectation", err)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.errorJSON(w, http.StatusBadRequest, "malformed form body")
		return
	}
	kind := store.ObservationKind(strings.TrimSpace(r.PostFormValue("kind")))
	if !store.ValidKind(kind) {
		s.errorJSON(w, http.StatusBadRequest, "kind must be start|end|ping|ack")
		return
	}
	meta := r.PostFormValue("meta")
	if len(meta) > store.MaxMetaBytes {
		s.errorJSON(w, http.StatusBadRequest, fmt.Sprintf("meta exceeds %d bytes", store.MaxMetaBytes))
		return
	}

	if _, err := s.store.AppendObservation(exp.ID, kind, meta); err != nil {
		s.storeError(w, "append observation", err)
		return
	}
	metrics.ObservationsTotal.WithLabelValues(string(kind)).Inc()
	s.text(w, http.StatusOK, "ok\n")
}

type observationView struct {
	Kind       store.ObservationKind `json:"kind"`
	ObservedAt int64                 `json:"observed_at"`
	Meta       string                `json:"meta,omitempty"`
}

type expectationView struct {
	ID                 string            `json:"id"`
	Type               string            `json:"type"`
	Name               string            `json:"name"`
	OwnerContact       string            `json:"owner_contact"`
	ExpectedIntervalS  int64             `json:"expected_interval_s"`
	ToleranceS         int64             `json:"tolerance_s"`
	Params             json.RawMessage   `json:"params"`
	Enabled            bool              `json:"enabled"`
	RecentObservations []observationView `json:"recent_observations"`
}

func (s *Server) handleObserveGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	exp, err := s.store.GetExpectation(id)
	if store.IsNotFound(err) {
		s.text(w, http.StatusNotFound, "unknown expectation\n")
		return
	}
	if err != nil {
		s.storeError(w, "get expectation", err)
		return
	}

	obs, err := s.store.RecentObservations(exp.ID, 10)
	if err != nil {
		s.storeError(w, "read observations", err)
		return
	}

	view := expectationView{
		ID:                 exp.ID,
		Type:               string(exp.Type),
		Name:               exp.Name,
		OwnerContact:       exp.OwnerContact,
		ExpectedIntervalS:  exp.ExpectedIntervalS,
		ToleranceS:         exp.ToleranceS,
		Params:             json.RawMessage(exp.ParamsJSON),
		Enabled:            exp.Enabled,
		RecentObservations: make([]observationView, 0, len(obs)),
	}
	for _, o := range obs {
		view.RecentObservations = append(view.RecentObservations, observationView{
			Kind:       o.Kind,
			ObservedAt: o.ObservedAt,
			Meta:       o.Meta,
		})
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	trialID := r.PathValue("trial")

	ok, err := s.trialMgr.Ack(trialID)
	if err != nil {
		s.storeError(w, "ack trial", err)
		return
	}
	if !ok {
		s.text(w, http.StatusNotFound, "unknown or not pending\n")
		return
	}
	metrics.TrialsTotal.WithLabelValues("acked").Inc()
	s.text(w, http.StatusOK, "acked\n")
}

func (s *Server) handleAdminNew(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.errorJSON(w, http.StatusBadRequest, "malformed form body")
		return
	}

	expType := store.ExpectationType(strings.TrimSpace(r.PostFormValue("type")))
	name := strings.TrimSpace(r.PostFormValue("name"))
	contact := strings.TrimSpace(r.PostFormValue("contact"))
	paramsJSON := r.PostFormValue("params_json")
	if paramsJSON == "" {
		paramsJSON = "{}"
	}

	if !store.ValidType(expType) {
		s.errorJSON(w, http.StatusBadRequest, "type must be schedule|alert_path")
		return
	}
	if name == "" || contact == "" {
		s.errorJSON(w, http.StatusBadRequest, "need name and contact")
		return
	}

	expected, err := strconv.ParseInt(r.PostFormValue("expected_interval_s"), 10, 64)
	if err != nil || expected < 60 {
		s.errorJSON(w, http.StatusBadRequest, "need expected_interval_s >= 60")
		return
	}
	var tolerance int64
	if v := r.PostFormValue("tolerance_s"); v != "" {
		tolerance, err = strconv.ParseInt(v, 10, 64)
		if err != nil || tolerance < 0 {
			s.errorJSON(w, http.StatusBadRequest, "tolerance_s must be a non-negative integer")
			return
		}
	}

	if err := rules.ValidateParams(expType, paramsJSON); err != nil {
		s.errorJSON(w, http.StatusBadRequest, fmt.Sprintf("invalid params_json: %v", err))
		return
	}

	id, err := token.New()
	if err != nil {
		s.storeError(w, "generate id", err)
		return
	}

	if _, err := s.store.CreateExpectation(store.Expectation{
		ID:                id,
		Type:              expType,
		Name:              name,
		OwnerContact:      contact,
		ExpectedIntervalS: expected,
		ToleranceS:        tolerance,
		ParamsJSON:        paramsJSON,
		Enabled:           true,
	}); err != nil {
		s.storeError(w, "create expectation", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"id":          id,
		"observe_url": s.baseURL + "/observe/" + id,
	})
}

func (s *Server) handleAdminSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			s.errorJSON(w, http.StatusBadRequest, "malformed form body")
			return
		}
		id := strings.TrimSpace(r.PostFormValue("id"))
		if id == "" {
			s.errorJSON(w, http.StatusBadRequest, "need id")
			return
		}

		updated, err := s.store.SetEnabled(id, enabled)
		if err != nil {
			s.storeError(w, "set enabled", err)
			return
		}
		if !updated {
			s.text(w, http.StatusNotFound, "unknown expectation\n")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": enabled})
	}
}

// withAdmin gates a handler behind the bearer token, compared in constant
// time.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			s.text(w, http.StatusUnauthorized, "unauthorized\n")
			return
		}
		tok := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.adminToken)) != 1 {
			s.text(w, http.StatusUnauthorized, "unauthorized\n")
			return
		}
		next(w, r)
	}
}

func (s *Server) text(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) errorJSON(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// storeError surfaces a transient backend failure as a 5xx; instrumented
// jobs are expected to retry.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Warn("store operation failed", zap.String("op", op), zap.Error(err))
	s.text(w, http.StatusInternalServerError, "temporary failure, retry\n")
}
