package web

import (
	"net/http"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/catalog"
	"github.com/JonMunkholm/ingestflow/internal/core"
)

// handleDiscover registers new landing files.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.Discover(ctx)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleProcess parses PENDING files. ?drain=false claims a single batch.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.Process(ctx, parseBoolParam(r, "drain", true))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMove moves processed files to the completed and error areas.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.Move(ctx)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleArchive archives files older than ?older_than (default: configured retention).
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	olderThan, err := parseDurationParam(r, "older_than")
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.Archive(ctx, olderThan)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReprocess queues one file for another parse.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName string `json:"file_name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		badRequest(w, "file_name is required")
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	rec, err := s.service.Reprocess(ctx, req.FileName)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleResetStuck returns abandoned PROCESSING files to PENDING.
func (s *Server) handleResetStuck(w http.ResponseWriter, r *http.Request) {
	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.ResetStuck(ctx)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRunTransform runs one batch, or drains the backlog with all_pending.
func (s *Server) handleRunTransform(w http.ResponseWriter, r *http.Request) {
	var req core.TransformRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.TargetEntity) == "" {
		badRequest(w, "target_entity is required")
		return
	}
	if req.BatchSize < 0 {
		badRequest(w, "batch_size must be positive")
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.RunTransform(ctx, req)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleApplyCatalog applies a YAML catalog sent as the request body.
func (s *Server) handleApplyCatalog(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	c, err := catalog.Parse(r.Body)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.ApplyCatalog(ctx, c)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, core.Result{Summary: res.Summary(), Count: res.Total(), Details: res})
}
