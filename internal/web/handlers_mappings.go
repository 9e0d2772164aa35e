package web

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
)

// handleListMappings lists mappings filtered by ?target, ?strategy, ?approved and ?scope.
func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.MappingFilter{
		TargetEntity: q.Get("target"),
		Strategy:     model.Strategy(strings.ToUpper(q.Get("strategy"))),
	}
	if v := q.Get("approved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "approved must be true or false")
			return
		}
		filter.Approved = &b
	}
	if q.Has("scope") {
		scope := q.Get("scope")
		filter.Scope = &scope
	}

	ms, err := s.service.MappingList(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mappings": ms,
		"count":    len(ms),
	})
}

// handleSuggestMappings runs the PATTERN (default) or SEMANTIC strategy.
func (s *Server) handleSuggestMappings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy model.Strategy `json:"strategy"`
		mapping.SuggestRequest
	}
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.TargetEntity) == "" {
		badRequest(w, "target_entity is required")
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.SuggestMappings(ctx, req.Strategy, req.SuggestRequest)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":    res.Summary(),
		"count":      res.Inserted,
		"strategy":   res.Strategy,
		"candidates": res.Candidates,
		"inserted":   res.Inserted,
		"skipped":    res.Skipped,
	})
}

// handleImportMappings imports a manual mapping table. The body is either the
// raw CSV or a multipart form with a "file" part. ?entity supplies the target
// entity for rows that omit it; ?scope applies a tenant scope.
func (s *Server) handleImportMappings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)

	var body io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(MaxBodySize); err != nil {
			badRequest(w, "invalid multipart form: "+err.Error())
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			badRequest(w, "missing file part")
			return
		}
		defer file.Close()
		body = file
	}

	q := r.URL.Query()
	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.ImportMappingTable(ctx, body, q.Get("entity"), q.Get("scope"))
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":  res.Summary(),
		"count":    res.Inserted,
		"inserted": res.Inserted,
		"skipped":  res.Skipped,
	})
}

// handleApproveMapping approves one mapping.
func (s *Server) handleApproveMapping(w http.ResponseWriter, r *http.Request) {
	ctx := WithRequestMetadata(r.Context(), r)
	m, err := s.service.ApproveMapping(ctx, urlParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleApproveMappings approves every candidate of a target entity at or
// above min_confidence.
func (s *Server) handleApproveMappings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetEntity  string  `json:"target_entity"`
		MinConfidence float64 `json:"min_confidence"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.TargetEntity) == "" {
		badRequest(w, "target_entity is required")
		return
	}
	if req.MinConfidence < 0 || req.MinConfidence > 1 {
		badRequest(w, "min_confidence must be between 0 and 1")
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.service.ApproveMappings(ctx, req.TargetEntity, req.MinConfidence)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeleteMapping removes a mapping.
func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	ctx := WithRequestMetadata(r.Context(), r)
	if err := s.service.DeleteMapping(ctx, urlParam(r, "id")); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSourceFields lists the raw field names seen, narrowed by ?file or ?tenant.
func (s *Server) handleSourceFields(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields, err := s.service.SourceFields(r.Context(), q.Get("file"), q.Get("tenant"))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

// handlePreview projects raw records through mappings without writing.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req mapping.PreviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.TargetEntity) == "" {
		badRequest(w, "target_entity is required")
		return
	}

	res, err := s.service.Preview(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCoverage reports per-file mapping coverage for ?target.
func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		badRequest(w, "target is required")
		return
	}

	cov, err := s.service.Coverage(r.Context(), target)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cov)
}
