package model

import "time"

// Watermark marks the last raw position folded into a target entity.
type Watermark struct {
	SourceEntity          string    `json:"source_entity"`
	TargetEntity          string    `json:"target_entity"`
	LastPosition          int64     `json:"last_position"`
	RecordsProcessedTotal int64     `json:"records_processed_total"`
	LastBatchID           string    `json:"last_batch_id,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// BatchStatus is the state of one transformation batch.
type BatchStatus string

const (
	BatchRunning BatchStatus = "RUNNING"
	BatchSuccess BatchStatus = "SUCCESS"
	BatchFailed  BatchStatus = "FAILED"
)

// Batch is the audit record of one bounded transformation run.
type Batch struct {
	ID                string      `json:"id"`
	SourceEntity      string      `json:"source_entity"`
	TargetEntity      string      `json:"target_entity"`
	Status            BatchStatus `json:"status"`
	RecordsRead       int         `json:"records_read"`
	RecordsProcessed  int         `json:"records_processed"`
	RecordsRejected   int         `json:"records_rejected"`
	RecordsQuarantine int         `json:"records_quarantined"`
	RecordsInserted   int         `json:"records_inserted"`
	RecordsUpdated    int         `json:"records_updated"`
	RulesApplied      int         `json:"rules_applied"`
	StartPosition     int64       `json:"start_position"`
	EndPosition       int64       `json:"end_position"`
	StartedAt         time.Time   `json:"started_at"`
	EndedAt           *time.Time  `json:"ended_at,omitempty"`
	DurationMs        int64       `json:"duration_ms"`
	ErrorMessage      string      `json:"error_message,omitempty"`
}

// QuarantineRecord preserves a row that failed a QUARANTINE rule or dedup group.
type QuarantineRecord struct {
	ID             string    `json:"id"`
	BatchID        string    `json:"batch_id"`
	TargetEntity   string    `json:"target_entity"`
	SourceFile     string    `json:"source_file,omitempty"`
	SourcePosition int64     `json:"source_position"`
	OriginalRecord Fields    `json:"original_record"`
	FailedRuleIDs  []string  `json:"failed_rule_ids"`
	ErrorDetail    string    `json:"error_detail"`
	QuarantinedAt  time.Time `json:"quarantined_at"`
	Resolved       bool      `json:"resolved"`
}
