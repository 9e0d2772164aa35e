package web

import (
	"net/http"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// handleListPrompts lists semantic prompt templates, the built-in default included.
func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.service.PromptTemplates(r.Context())
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tpls)
}

// handleSavePrompt creates or replaces a prompt template.
func (s *Server) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	var tpl model.PromptTemplate
	if err := decodeJSON(w, r, &tpl); err != nil {
		badRequest(w, err.Error())
		return
	}
	tpl.ID = urlParam(r, "id")

	ctx := WithRequestMetadata(r.Context(), r)
	if err := s.service.SavePromptTemplate(ctx, tpl); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// handleListSynonyms lists the token synonyms of the pattern strategy.
func (s *Server) handleListSynonyms(w http.ResponseWriter, r *http.Request) {
	known, err := s.service.Synonyms(r.Context())
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, known)
}

// handleSaveSynonyms upserts token synonyms.
func (s *Server) handleSaveSynonyms(w http.ResponseWriter, r *http.Request) {
	var known []model.KnownMapping
	if err := decodeJSON(w, r, &known); err != nil {
		badRequest(w, err.Error())
		return
	}
	for _, k := range known {
		if k.Token == "" || k.Canonical == "" {
			badRequest(w, "token and canonical are required")
			return
		}
	}

	ctx := WithRequestMetadata(r.Context(), r)
	if err := s.service.SaveSynonyms(ctx, known); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(known)})
}
