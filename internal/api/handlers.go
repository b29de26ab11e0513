package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/landingkit/abtest/internal/engine"
	"github.com/landingkit/abtest/internal/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tests, err := s.registry.ListTests(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"driver":      s.driver,
		"tests_count": len(tests),
	})
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var in engine.TestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := s.registry.CreateTest(r.Context(), in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := s.registry.ListTests(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if tests == nil {
		tests = []model.Test{}
	}
	writeJSON(w, http.StatusOK, tests)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.GetTest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTest(w http.ResponseWriter, r *http.Request) {
	var patch engine.TestPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := s.registry.UpdateTest(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.TestStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := s.registry.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteTest(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLookupAssignment(w http.ResponseWriter, r *http.Request) {
	testID := r.URL.Query().Get("test_id")
	visitorID := r.URL.Query().Get("visitor_id")

	a, err := s.assigner.Lookup(r.Context(), testID, visitorID)
	if errors.Is(err, engine.ErrNotFound) {
		// No assignment reads as "no experiment", not as a failure.
		writeJSON(w, http.StatusOK, map[string]any{"variant_id": nil})
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TestID    string `json:"test_id"`
		VisitorID string `json:"visitor_id"`
		VariantID string `json:"variant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		a   *model.Assignment
		err error
	)
	if req.VariantID != "" {
		a, err = s.assigner.Assign(r.Context(), req.TestID, req.VisitorID, req.VariantID)
	} else {
		a, err = s.assigner.GetOrAssign(r.Context(), req.TestID, req.VisitorID)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	testID := r.URL.Query().Get("test_id")
	visitorID := r.URL.Query().Get("visitor_id")

	if err := s.assigner.Unassign(r.Context(), testID, visitorID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	var in engine.ResultInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.recorder.Record(r.Context(), in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.GetStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
// Anything unrecognized is a store failure and surfaces as 500; write
// failures are never silently swallowed.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrTestNotActive),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrNoVariants):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrConflictRetryExhausted):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		zap.L().Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
