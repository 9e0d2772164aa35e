package core

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// DefaultAuditLimit bounds audit listings.
const DefaultAuditLimit = 100

// ExportLimit bounds an audit export.
const ExportLimit = 10000

// determineSeverity returns the severity recorded for an action.
func determineSeverity(action model.AuditAction) model.AuditSeverity {
	switch action {
	case model.AuditArchive, model.AuditReprocess, model.AuditApproveMappings, model.AuditRunTransform:
		return model.SeverityHigh
	case model.AuditSchemaChange, model.AuditCatalogApply:
		return model.SeverityCritical
	case model.AuditDiscover, model.AuditSuggestMappings:
		return model.SeverityLow
	default:
		return model.SeverityMedium
	}
}

// audit records an operator action. A failed write is logged and never fails
// the action it describes.
func (s *Service) audit(ctx context.Context, action model.AuditAction, target string, count int, summary string, opErr error) {
	entry := model.AuditEntry{
		Action:    action,
		Severity:  determineSeverity(action),
		Target:    target,
		Count:     count,
		Summary:   summary,
		RequestID: GetRequestIDFromContext(ctx),
		IPAddress: GetIPAddressFromContext(ctx),
		UserAgent: GetUserAgentFromContext(ctx),
		CreatedAt: s.now(),
	}
	if opErr != nil {
		entry.Error = DescribeFileError(opErr)
	}

	if err := s.store.InsertAudit(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("failed to write audit entry",
			"action", action,
			"target", target,
			"error", err,
		)
	}
}

// AuditLog returns the newest audit entries first.
func (s *Service) AuditLog(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	return s.store.ListAudit(ctx, limit)
}

// ExportAuditLog writes up to ExportLimit audit entries to w as CSV.
func (s *Service) ExportAuditLog(ctx context.Context, w io.Writer) error {
	entries, err := s.store.ListAudit(ctx, ExportLimit)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ID", "Timestamp", "Action", "Severity", "Target", "Count", "Summary", "Error", "Request ID", "IP Address", "User Agent"}); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write([]string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Action),
			string(e.Severity),
			e.Target,
			strconv.Itoa(e.Count),
			e.Summary,
			e.Error,
			e.RequestID,
			e.IPAddress,
			e.UserAgent,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
