package web

import (
	"net/http"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// handleListSchemas lists target entities.
func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.service.Schemas(r.Context())
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, schemas)
}

// handleGetSchema returns one target entity.
func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	sch, err := s.service.Schema(r.Context(), urlParam(r, "entity"))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// handleSaveSchema creates or replaces a target entity. Standard metadata
// columns are appended unless ?standard_columns=false.
func (s *Server) handleSaveSchema(w http.ResponseWriter, r *http.Request) {
	var sch model.TargetSchema
	if err := decodeJSON(w, r, &sch); err != nil {
		badRequest(w, err.Error())
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	saved, err := s.service.SaveSchema(ctx, sch, parseBoolParam(r, "standard_columns", true))
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleAddColumn appends a column to a target entity.
func (s *Server) handleAddColumn(w http.ResponseWriter, r *http.Request) {
	var col model.Column
	if err := decodeJSON(w, r, &col); err != nil {
		badRequest(w, err.Error())
		return
	}
	if col.Name == "" {
		badRequest(w, "column name is required")
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	saved, err := s.service.AddColumn(ctx, urlParam(r, "entity"), col)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleDropSchema removes a target entity; ?drop_table=true drops its rows too.
func (s *Server) handleDropSchema(w http.ResponseWriter, r *http.Request) {
	ctx := WithRequestMetadata(r.Context(), r)
	if err := s.service.DropSchema(ctx, urlParam(r, "entity"), parseBoolParam(r, "drop_table", false)); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListTenants lists tenants.
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.service.Tenants(r.Context())
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

// handleSaveTenant upserts a tenant.
func (s *Server) handleSaveTenant(w http.ResponseWriter, r *http.Request) {
	var t model.Tenant
	if err := decodeJSON(w, r, &t); err != nil {
		badRequest(w, err.Error())
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	if err := s.service.SaveTenant(ctx, t); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleListRules lists rules of ?target; ?active=true hides disabled rules.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.Rules(r.Context(), r.URL.Query().Get("target"), parseBoolParam(r, "active", false))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleSaveRule validates and upserts a rule. The category accepts both the
// short and the long rule type names.
func (s *Server) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	var rule model.TransformationRule
	if err := decodeJSON(w, r, &rule); err != nil {
		badRequest(w, err.Error())
		return
	}
	cat, err := model.ParseCategory(string(rule.Category))
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	rule.Category = cat

	ctx := WithRequestMetadata(r.Context(), r)
	saved, err := s.service.SaveRule(ctx, rule)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleSetRuleActive enables or disables a rule.
func (s *Server) handleSetRuleActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Active == nil {
		badRequest(w, "active is required")
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	if err := s.service.SetRuleActive(ctx, urlParam(r, "id"), *req.Active); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": urlParam(r, "id"), "active": *req.Active})
}

// handleDeleteRule removes a rule.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := WithRequestMetadata(r.Context(), r)
	if err := s.service.DeleteRule(ctx, urlParam(r, "id")); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
