package mapping

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// DefaultPreviewRows bounds a preview sample.
const DefaultPreviewRows = 10

// PreviewRequest selects the records and mappings of a preview.
type PreviewRequest struct {
	TargetEntity string `json:"target_entity"`
	FileName     string `json:"file_name,omitempty"`
	Tenant       string `json:"tenant,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	// IncludeCandidates also projects unapproved mappings, ranked by confidence
	// behind approved ones.
	IncludeCandidates bool `json:"include_candidates,omitempty"`
}

// PreviewResult is the projected sample. Nothing is written.
type PreviewResult struct {
	Columns  []string          `json:"columns"`
	Rows     []model.TargetRow `json:"rows"`
	Mappings int               `json:"mappings"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Preview projects a sample of raw records through the mappings of a target entity.
func (e *Engine) Preview(ctx context.Context, req PreviewRequest) (PreviewResult, error) {
	schema, err := e.schemas.GetSchema(ctx, req.TargetEntity)
	if err != nil {
		return PreviewResult{}, fmt.Errorf("target schema %s: %w", req.TargetEntity, err)
	}
	filter := model.MappingFilter{TargetEntity: schema.Entity}
	if !req.IncludeCandidates {
		approved := true
		filter.Approved = &approved
	}
	mappings, err := e.mappings.ListMappings(ctx, filter)
	if err != nil {
		return PreviewResult{}, err
	}
	for i := range mappings {
		if !mappings[i].Approved {
			// Candidates rank behind approved mappings for the same column.
			mappings[i].Approved = true
			mappings[i].Confidence /= 2
		}
	}
	snap, err := NewSnapshot(schema, model.RawSourceEntity, mappings)
	if err != nil {
		return PreviewResult{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPreviewRows
	}
	records, err := e.raw.Sample(ctx, model.RawFilter{FileName: req.FileName, Tenant: req.Tenant, Limit: limit})
	if err != nil {
		return PreviewResult{}, fmt.Errorf("sample raw records: %w", err)
	}

	res := PreviewResult{Columns: schema.ColumnNames(), Mappings: snap.Len(), Warnings: snap.Ignored}
	for _, rec := range records {
		row, warnings := snap.Project(rec)
		res.Rows = append(res.Rows, row)
		for _, w := range warnings {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s row %d: %s", rec.FileName, rec.RowNumber, w))
		}
	}
	return res, nil
}
