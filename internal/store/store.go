// Package store declares the persistence contracts used by the pipeline.
//
// Two implementations exist: pgstore (PostgreSQL through pgx) for production and
// memstore for tests and dry runs. Every method takes a context and returns an
// explicit error; not-found conditions are reported with ErrNotFound.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// ErrNotFound is returned when a keyed lookup has no match.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a state precondition does not hold (e.g. a file is
// not in the status the caller expected).
var ErrConflict = errors.New("state conflict")

// FileRegistry tracks FileRecords through their lifecycle.
type FileRegistry interface {
	// RegisterDiscovered inserts files as PENDING. Names already registered with status
	// PENDING, PROCESSING or SUCCESS are left untouched; a FAILED record whose file has
	// already been moved out of the landing area is re-queued. Returns the number of
	// records that became PENDING.
	RegisterDiscovered(ctx context.Context, files []model.FileRecord) (int, error)

	// ClaimPending atomically flips up to n PENDING records to PROCESSING, oldest first.
	ClaimPending(ctx context.Context, n int) ([]model.FileRecord, error)

	// Complete moves a PROCESSING record to SUCCESS.
	Complete(ctx context.Context, fileName string, result model.ProcessResult) error

	// Fail moves a PROCESSING record to FAILED.
	Fail(ctx context.Context, fileName, message string, result *model.ProcessResult) error

	// ListUnmoved returns records with the given status whose moved_at is null.
	ListUnmoved(ctx context.Context, status model.FileStatus, limit int) ([]model.FileRecord, error)

	// MarkMoved stamps moved_at if the record still has status and moved_at is null.
	// Returns false when another mover got there first.
	MarkMoved(ctx context.Context, fileName string, status model.FileStatus, at time.Time) (bool, error)

	// ResetForReprocess sets status PENDING, clears moved_at and the processing
	// stamps and increments retry_count.
	ResetForReprocess(ctx context.Context, fileName string) (model.FileRecord, error)

	// ResetStuck moves PROCESSING records older than the cutoff back to PENDING.
	ResetStuck(ctx context.Context, startedBefore time.Time) (int, error)

	Get(ctx context.Context, fileName string) (model.FileRecord, error)
	List(ctx context.Context, filter model.FileFilter) ([]model.FileRecord, error)
	Stats(ctx context.Context) (model.FileStats, error)
}

// InsertResult reports the outcome of an idempotent raw insert.
type InsertResult struct {
	Inserted int
	Skipped  int
}

// RawStore holds parsed rows. Insertion is idempotent on (file_name, row_number).
type RawStore interface {
	InsertRaw(ctx context.Context, records []model.RawRecord) (InsertResult, error)

	// ReadAfter returns up to limit records with position > after, ordered by position.
	ReadAfter(ctx context.Context, after int64, limit int) ([]model.RawRecord, error)

	// Sample returns up to limit recent records matching filter.
	Sample(ctx context.Context, filter model.RawFilter) ([]model.RawRecord, error)

	CountRaw(ctx context.Context, fileName string) (int, error)

	// FileFieldNames returns the distinct field names observed per file.
	FileFieldNames(ctx context.Context) (map[string][]string, error)
}

// MappingStore persists FieldMapping candidates and approvals.
type MappingStore interface {
	// InsertMappings adds mappings, skipping any whose uniqueness key already exists.
	InsertMappings(ctx context.Context, mappings []model.FieldMapping) (InsertResult, error)
	ApproveMapping(ctx context.Context, id string) (model.FieldMapping, error)
	ApproveMappings(ctx context.Context, targetEntity string, minConfidence float64) (int, error)
	DeleteMapping(ctx context.Context, id string) error
	ListMappings(ctx context.Context, filter model.MappingFilter) ([]model.FieldMapping, error)

	ListKnownMappings(ctx context.Context) ([]model.KnownMapping, error)
	UpsertKnownMappings(ctx context.Context, known []model.KnownMapping) error

	GetPromptTemplate(ctx context.Context, id string) (model.PromptTemplate, error)
	ListPromptTemplates(ctx context.Context) ([]model.PromptTemplate, error)
	UpsertPromptTemplate(ctx context.Context, tpl model.PromptTemplate) error
}

// RuleStore persists TransformationRules.
type RuleStore interface {
	UpsertRule(ctx context.Context, rule model.TransformationRule) (model.TransformationRule, error)
	SetRuleActive(ctx context.Context, id string, active bool) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, targetEntity string, activeOnly bool) ([]model.TransformationRule, error)
}

// SchemaStore persists target entity metadata and owns the physical target tables.
type SchemaStore interface {
	GetSchema(ctx context.Context, entity string) (model.TargetSchema, error)
	ListSchemas(ctx context.Context) ([]model.TargetSchema, error)

	// SaveSchema stores metadata and creates or extends the physical table.
	SaveSchema(ctx context.Context, schema model.TargetSchema) (model.TargetSchema, error)

	// DropSchema removes metadata and, when dropTable is set, the physical table.
	DropSchema(ctx context.Context, entity string, dropTable bool) error

	ListTenants(ctx context.Context) ([]model.Tenant, error)
	UpsertTenant(ctx context.Context, tenant model.Tenant) error
}

// UpsertResult counts target rows written by one commit.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// Commit is everything one successful batch writes atomically.
type Commit struct {
	Schema     model.TargetSchema
	Rows       []model.TargetRow
	Quarantine []model.QuarantineRecord
	Watermark  model.Watermark
}

// TransformStore persists watermarks, batches, quarantine, metrics and target rows.
type TransformStore interface {
	GetWatermark(ctx context.Context, sourceEntity, targetEntity string) (model.Watermark, bool, error)
	ListWatermarks(ctx context.Context) ([]model.Watermark, error)

	// CommitBatch upserts rows keyed on the schema's first column, inserts quarantine
	// records and advances the watermark in one unit. The watermark never moves back.
	CommitBatch(ctx context.Context, c Commit) (UpsertResult, error)

	StartBatch(ctx context.Context, b model.Batch) error
	FinishBatch(ctx context.Context, b model.Batch) error
	GetBatch(ctx context.Context, id string) (model.Batch, error)
	ListBatches(ctx context.Context, targetEntity string, limit int) ([]model.Batch, error)

	RecordMetrics(ctx context.Context, metrics []model.QualityMetric) error
	ListMetrics(ctx context.Context, batchID string) ([]model.QualityMetric, error)

	ListQuarantine(ctx context.Context, targetEntity string, limit int) ([]model.QuarantineRecord, error)

	// TargetRows returns up to limit rows of a target entity, for previews and tests.
	TargetRows(ctx context.Context, entity string, limit int) ([]model.TargetRow, error)
}

// AuditStore persists operator audit entries.
type AuditStore interface {
	InsertAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)
}

// Store bundles every contract.
type Store interface {
	FileRegistry
	RawStore
	MappingStore
	RuleStore
	SchemaStore
	TransformStore
	AuditStore
}
