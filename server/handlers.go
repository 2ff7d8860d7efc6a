package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hubenschmidt/go-imgsearch/core"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	resp, err := s.search.Search(ctx, req.toQuery())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if resp.Results == nil {
		resp.Results = []core.SearchResult{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIngest runs the pipeline for one upload event and reports the
// record's final state. A failure the pipeline recorded on the record is
// part of the response, not an HTTP error.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev core.UploadEvent
	if !s.decode(w, r, &ev) {
		return
	}
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	rec, err := s.ingest.Handle(ctx, ev)
	s.writeRecord(w, rec, err)
}

func (s *Server) handleReingest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	rec, err := s.ingest.Reingest(ctx, r.PathValue("id"))
	s.writeRecord(w, rec, err)
}

func (s *Server) writeRecord(w http.ResponseWriter, rec core.ImageRecord, err error) {
	if err != nil && rec.Status != core.StatusFailed {
		s.writeError(w, err)
		return
	}
	out := recordResponse(rec)
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecordGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec.Deleted {
		s.writeError(w, core.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

func (s *Server) handleRecordDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	if err := s.deleter.Delete(ctx, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reconciler not configured", Class: core.ClassPermanent})
		return
	}
	report, err := s.reconciler.Sweep(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error(), Class: core.ClassValidation})
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error(), Class: core.ClassValidation})
		return false
	}
	return true
}

func (s *Server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "class", body.Class, "error", err)
	}
	writeJSON(w, status, body)
}

// errorResponse maps an error onto an HTTP status and the taxonomy class
// clients use to decide whether to retry.
func errorResponse(err error) (int, ErrorResponse) {
	class := core.ClassOf(err)
	body := ErrorResponse{Error: err.Error(), Class: class, Retryable: class.Retryable() || class == core.ClassConsistency}

	switch {
	case class == core.ClassValidation:
		return http.StatusBadRequest, body
	case errors.Is(err, core.ErrNotFound) && class != core.ClassTransient:
		body.Class = core.ClassPermanent
		body.Retryable = false
		return http.StatusNotFound, body
	case errors.Is(err, core.ErrQueryEmbeddingFailed),
		errors.Is(err, core.ErrIndexUnavailable),
		errors.Is(err, core.ErrMetadataUnavailable):
		if body.Retryable {
			return http.StatusServiceUnavailable, body
		}
		return http.StatusBadGateway, body
	case class == core.ClassConsistency, class == core.ClassTransient:
		return http.StatusServiceUnavailable, body
	}
	return http.StatusInternalServerError, body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
