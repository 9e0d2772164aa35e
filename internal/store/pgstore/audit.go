package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

func (s *Store) InsertAudit(ctx context.Context, entry model.AuditEntry) error {
	at := entry.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO audit_log (id, action, severity, target, count, summary, error, request_id, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		newUUID(entry.ID), string(entry.Action), string(entry.Severity), entry.Target, entry.Count,
		entry.Summary, entry.Error, entry.RequestID, entry.IPAddress, entry.UserAgent, at)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, action, severity, target, count, summary, error, request_id, ip_address, user_agent, created_at
  FROM audit_log
 ORDER BY created_at DESC
 LIMIT NULLIF($1::int, 0)`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e        model.AuditEntry
			id       pgtype.UUID
			action   string
			severity string
		)
		if err := rows.Scan(&id, &action, &severity, &e.Target, &e.Count, &e.Summary, &e.Error,
			&e.RequestID, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = uuid.UUID(id.Bytes).String()
		e.Action = model.AuditAction(action)
		e.Severity = model.AuditSeverity(severity)
		out = append(out, e)
	}
	return out, rows.Err()
}
