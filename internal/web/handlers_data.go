package web

import (
	"net/http"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/go-chi/chi/v5"
)

// handleListFiles lists file records. ?status accepts a comma-separated list.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.FileFilter{
		Tenant: q.Get("tenant"),
		Limit:  parseIntParam(r, "limit", core.DefaultListLimit),
		Offset: parseIntParam(r, "offset", 0),
	}
	for _, st := range strings.Split(q.Get("status"), ",") {
		st = strings.ToUpper(strings.TrimSpace(st))
		if st == "" {
			continue
		}
		status := model.FileStatus(st)
		switch status {
		case model.FilePending, model.FileProcessing, model.FileSuccess, model.FileFailed:
		default:
			badRequest(w, "unknown file status "+st)
			return
		}
		filter.Status = append(filter.Status, status)
	}

	files, err := s.service.Files(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

// handleGetFile returns one file record. The name may contain slashes.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "*"))
	if name == "" {
		badRequest(w, "missing file name")
		return
	}

	rec, err := s.service.File(r.Context(), name)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleFileStats counts file records per status.
func (s *Server) handleFileStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.FileStats(r.Context())
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleProfile profiles a sample of raw records.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.service.Profile(r.Context(), q.Get("file"), q.Get("tenant"), parseIntParam(r, "sample", 0))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleWatermarks lists watermarks with their last batch.
func (s *Server) handleWatermarks(w http.ResponseWriter, r *http.Request) {
	wms, err := s.service.Watermarks(r.Context())
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wms)
}

// handleListBatches lists batches, newest first, optionally for one ?target.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.service.Batches(r.Context(), r.URL.Query().Get("target"), parseIntParam(r, "limit", 0))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

// handleGetBatch returns one batch with its quality metrics.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.service.Batch(r.Context(), urlParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleQuarantine lists quarantined rows of a target entity.
func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	recs, err := s.service.Quarantine(r.Context(), urlParam(r, "entity"), parseIntParam(r, "limit", 0))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleTargetRows returns rows of a target entity.
func (s *Server) handleTargetRows(w http.ResponseWriter, r *http.Request) {
	rows, err := s.service.TargetRows(r.Context(), urlParam(r, "entity"), parseIntParam(r, "limit", 0))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
