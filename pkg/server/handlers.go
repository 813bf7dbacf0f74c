package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// RequestIDHeader carries the run id on every run response.
const RequestIDHeader = "X-Request-ID"

type SubmitRequest struct {
	Question string   `json:"question"`
	Sources  []string `json:"sources,omitempty"`
}

type ApprovalRequest struct {
	Action   pipeline.Action          `json:"action"`
	QueryIDs []string                 `json:"query_ids,omitempty"`
	Queries  []pipeline.ProposedQuery `json:"queries,omitempty"`
	Note     string                   `json:"note,omitempty"`
}

type RegisterRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

type DatasetsResponse struct {
	Datasets []catalog.Dataset `json:"datasets"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("question is required"))
		return
	}

	// Clients may pick the id so a retried submit can be correlated.
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %w", RequestIDHeader, err))
		return
	}

	pkg, err := s.cfg.Engine.Submit(r.Context(), pipeline.Request{RequestID: id, Question: req.Question, Sources: req.Sources})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("server: run submitted", "request_id", pkg.RequestID, "status", pkg.Status)
	w.Header().Set(RequestIDHeader, pkg.RequestID)
	s.writeJSON(w, http.StatusCreated, pkg)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pkg, err := s.cfg.Engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.Header().Set(RequestIDHeader, pkg.RequestID)
	s.writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ApprovalRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	switch req.Action {
	case pipeline.ActionApprove, pipeline.ActionModify, pipeline.ActionCancel:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("action must be one of approve, modify, cancel; got %q", req.Action))
		return
	}

	pkg, err := s.cfg.Engine.Resume(r.Context(), id, pipeline.Decision{
		Action:   req.Action,
		QueryIDs: req.QueryIDs,
		Queries:  req.Queries,
		Note:     req.Note,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("server: approval applied", "request_id", id, "action", req.Action, "status", pkg.Status)
	w.Header().Set(RequestIDHeader, pkg.RequestID)
	s.writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pkg, err := s.cfg.Engine.Continue(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.Header().Set(RequestIDHeader, pkg.RequestID)
	s.writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.cfg.Catalog.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if datasets == nil {
		datasets = []catalog.Dataset{}
	}
	s.writeJSON(w, http.StatusOK, DatasetsResponse{Datasets: datasets})
}

func (s *Server) handleRegisterDataset(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.Source == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("name and source are required"))
		return
	}

	ds, err := s.cfg.Catalog.Register(r.Context(), req.Name, req.Source)
	if err != nil {
		s.log.Warn("server: failed to register dataset", "name", req.Name, "error", err)
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.log.Info("server: dataset registered", "name", ds.Name, "rows", ds.RowCount)
	s.writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.cfg.Catalog.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ds)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidState), errors.Is(err, pipeline.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrQueryRejected), errors.Is(err, pipeline.ErrSchemaViolation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("server: engine error", "error", err)
	}
	s.writeError(w, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		resp.Kind = string(pe.Kind)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}
