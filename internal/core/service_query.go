package core

import (
	"context"
	"errors"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/profile"
	"github.com/JonMunkholm/ingestflow/internal/store"
)

// DefaultListLimit bounds listings that do not pass a limit.
const DefaultListLimit = 50

func orLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// ---- Files ----

// Files lists FileRecords.
func (s *Service) Files(ctx context.Context, filter model.FileFilter) ([]model.FileRecord, error) {
	filter.Limit = orLimit(filter.Limit)
	return s.store.List(ctx, filter)
}

// File returns one FileRecord.
func (s *Service) File(ctx context.Context, name string) (model.FileRecord, error) {
	return s.store.Get(ctx, name)
}

// FileStats counts FileRecords per status.
func (s *Service) FileStats(ctx context.Context) (model.FileStats, error) {
	return s.store.Stats(ctx)
}

// Profile samples raw records, narrowed to a file or tenant when set.
func (s *Service) Profile(ctx context.Context, fileName, tenant string, sampleSize int) (profile.Result, error) {
	if sampleSize <= 0 {
		sampleSize = s.cfg.SampleSize
	}
	return s.profiler.Profile(ctx, profile.Request{SampleSize: sampleSize, FileName: fileName, Tenant: tenant})
}

// ---- Mappings ----

// MappingList lists mappings.
func (s *Service) MappingList(ctx context.Context, filter model.MappingFilter) ([]model.FieldMapping, error) {
	filter.TargetEntity = strings.ToUpper(strings.TrimSpace(filter.TargetEntity))
	return s.store.ListMappings(ctx, filter)
}

// SourceFields returns the distinct field names observed in the raw store.
func (s *Service) SourceFields(ctx context.Context, fileName, tenant string) ([]string, error) {
	return s.mappings.SourceFields(ctx, fileName, tenant)
}

// Preview projects a sample through the mappings of a target entity without
// writing.
func (s *Service) Preview(ctx context.Context, req mapping.PreviewRequest) (mapping.PreviewResult, error) {
	return s.mappings.Preview(ctx, req)
}

// Coverage reports per file how many source columns have approved mappings.
func (s *Service) Coverage(ctx context.Context, targetEntity string) ([]mapping.FileCoverage, error) {
	return s.mappings.Coverage(ctx, targetEntity)
}

// PromptTemplates lists the stored templates and the built-in default.
func (s *Service) PromptTemplates(ctx context.Context) ([]model.PromptTemplate, error) {
	return s.mappings.Templates(ctx)
}

// Synonyms lists the token synonyms used by the pattern strategy.
func (s *Service) Synonyms(ctx context.Context) ([]model.KnownMapping, error) {
	return s.store.ListKnownMappings(ctx)
}

// ---- Schemas, tenants and rules ----

// Schemas lists target entities.
func (s *Service) Schemas(ctx context.Context) ([]model.TargetSchema, error) {
	return s.store.ListSchemas(ctx)
}

// Schema returns one target entity.
func (s *Service) Schema(ctx context.Context, entity string) (model.TargetSchema, error) {
	return s.store.GetSchema(ctx, entity)
}

// Tenants lists tenants.
func (s *Service) Tenants(ctx context.Context) ([]model.Tenant, error) {
	return s.store.ListTenants(ctx)
}

// Rules lists the rules of a target entity, or every rule when target is empty.
func (s *Service) Rules(ctx context.Context, targetEntity string, activeOnly bool) ([]model.TransformationRule, error) {
	return s.store.ListRules(ctx, targetEntity, activeOnly)
}

// ---- Transform ----

// WatermarkStatus is a watermark with the batch that last advanced it.
type WatermarkStatus struct {
	model.Watermark
	LastBatch *model.Batch `json:"last_batch,omitempty"`
}

// Watermarks lists every watermark.
func (s *Service) Watermarks(ctx context.Context) ([]WatermarkStatus, error) {
	wms, err := s.store.ListWatermarks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WatermarkStatus, len(wms))
	for i, wm := range wms {
		out[i] = WatermarkStatus{Watermark: wm}
		if wm.LastBatchID == "" {
			continue
		}
		b, err := s.store.GetBatch(ctx, wm.LastBatchID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			out[i].LastBatch = &b
		}
	}
	return out, nil
}

// BatchDetail is a batch with its quality metrics.
type BatchDetail struct {
	model.Batch
	Metrics []model.QualityMetric `json:"metrics"`
}

// Batches lists batches, newest first.
func (s *Service) Batches(ctx context.Context, targetEntity string, limit int) ([]model.Batch, error) {
	return s.store.ListBatches(ctx, strings.ToUpper(strings.TrimSpace(targetEntity)), orLimit(limit))
}

// Batch returns one batch with its metrics.
func (s *Service) Batch(ctx context.Context, id string) (BatchDetail, error) {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return BatchDetail{}, err
	}
	metrics, err := s.store.ListMetrics(ctx, id)
	if err != nil {
		return BatchDetail{}, err
	}
	return BatchDetail{Batch: b, Metrics: metrics}, nil
}

// Quarantine lists quarantined rows of a target entity.
func (s *Service) Quarantine(ctx context.Context, targetEntity string, limit int) ([]model.QuarantineRecord, error) {
	return s.store.ListQuarantine(ctx, strings.ToUpper(strings.TrimSpace(targetEntity)), orLimit(limit))
}

// TargetRows returns rows of a target entity.
func (s *Service) TargetRows(ctx context.Context, entity string, limit int) ([]model.TargetRow, error) {
	return s.store.TargetRows(ctx, strings.ToUpper(strings.TrimSpace(entity)), orLimit(limit))
}

// ---- Jobs ----

// Jobs lists scheduled jobs. Empty when no scheduler is attached.
func (s *Service) Jobs() []JobStatus {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Jobs()
}

// JobLimiterStatus reports job slot usage.
func (s *Service) JobLimiterStatus() JobLimiterStatus {
	if s.scheduler == nil {
		return JobLimiterStatus{}
	}
	return s.scheduler.Limiter().Status()
}
