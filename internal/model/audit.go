package model

import "time"

// AuditAction represents the operator action being audited.
type AuditAction string

const (
	AuditDiscover        AuditAction = "discover"
	AuditProcess         AuditAction = "process"
	AuditMove            AuditAction = "move"
	AuditArchive         AuditAction = "archive"
	AuditReprocess       AuditAction = "reprocess"
	AuditApproveMapping  AuditAction = "approve_mapping"
	AuditApproveMappings AuditAction = "approve_mappings"
	AuditSuggestMappings AuditAction = "suggest_mappings"
	AuditRunTransform    AuditAction = "run_transform"
	AuditSchemaChange    AuditAction = "schema_change"
	AuditRuleChange      AuditAction = "rule_change"
	AuditJobControl      AuditAction = "job_control"
	AuditCatalogApply    AuditAction = "catalog_apply"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEntry is one operator action.
type AuditEntry struct {
	ID        string        `json:"id"`
	Action    AuditAction   `json:"action"`
	Severity  AuditSeverity `json:"severity"`
	Target    string        `json:"target,omitempty"`
	Count     int           `json:"count"`
	Summary   string        `json:"summary"`
	Error     string        `json:"error,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	IPAddress string        `json:"ip_address,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
