package mapping

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// Coverage status thresholds, in percent.
const (
	CoverageGood    = 80.0
	CoveragePartial = 50.0
)

// FileCoverage reports how many of a file's columns feed a target entity.
type FileCoverage struct {
	FileName     string   `json:"file_name"`
	Tenant       string   `json:"tenant,omitempty"`
	TotalColumns int      `json:"total_columns"`
	Mapped       int      `json:"mapped"`
	Unmapped     []string `json:"unmapped,omitempty"`
	Percent      float64  `json:"percent"`
	Status       string   `json:"status"`
}

// CoverageStatus labels a coverage percentage good, partial or poor.
func CoverageStatus(pct float64) string {
	switch {
	case pct >= CoverageGood:
		return "good"
	case pct >= CoveragePartial:
		return "partial"
	}
	return "poor"
}

// Coverage computes per-file coverage of targetEntity by approved mappings.
// Tenant-scoped mappings count only for files of that tenant.
func (e *Engine) Coverage(ctx context.Context, targetEntity string) ([]FileCoverage, error) {
	snap, err := e.Snapshot(ctx, targetEntity, model.RawSourceEntity)
	if err != nil {
		return nil, err
	}
	byFile, err := e.raw.FileFieldNames(ctx)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	out := make([]FileCoverage, 0, len(files))
	for _, f := range files {
		tenant := model.TenantFromPath(f)
		mapped := make(map[string]bool)
		for _, s := range snap.SourceFields(tenant) {
			mapped[strings.ToUpper(s)] = true
		}
		fc := FileCoverage{FileName: f, Tenant: tenant, TotalColumns: len(byFile[f])}
		for _, name := range byFile[f] {
			if mapped[strings.ToUpper(name)] {
				fc.Mapped++
			} else {
				fc.Unmapped = append(fc.Unmapped, name)
			}
		}
		if fc.TotalColumns > 0 {
			fc.Percent = math.Round(float64(fc.Mapped)/float64(fc.TotalColumns)*1000) / 10
		}
		fc.Status = CoverageStatus(fc.Percent)
		out = append(out, fc)
	}
	return out, nil
}
