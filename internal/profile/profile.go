// Package profile samples raw records and describes the fields they carry.
package profile

// profile.go infers, per observed field, the type most values parse as, the share
// of null values and the number of distinct values.
//
// Inference runs on every non-null value of a field:
//  1. Booleans: true/false only (y/n and 1/0 are too ambiguous to vote BOOLEAN)
//  2. Integers: no fractional part and no leading zero ("007" stays TEXT)
//  3. Numbers: currency, thousands separators and accounting negatives
//  4. Timestamps, then dates
//  5. Everything else is TEXT
//
// The field type is the majority vote; ties go to the more general type.

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/convert"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
)

// DefaultSampleSize is used when a request does not set one.
const DefaultSampleSize = 1000

// maxExamples is how many distinct example values are kept per field.
const maxExamples = 5

// FieldProfile describes one observed field.
type FieldProfile struct {
	FieldName     string                 `json:"field_name"`
	InferredType  model.DataType         `json:"inferred_type"`
	NullRatio     float64                `json:"null_ratio"`
	DistinctCount int                    `json:"distinct_count"`
	TypeVotes     map[model.DataType]int `json:"type_votes,omitempty"`
	Examples      []string               `json:"examples,omitempty"`
}

// Request selects the records to sample.
type Request struct {
	SampleSize int
	FileName   string
	Tenant     string
}

// Result is the profile of one sample.
type Result struct {
	RecordsSampled int            `json:"records_sampled"`
	Fields         []FieldProfile `json:"fields"`
}

// Profiler reads samples from the raw store. It never writes.
type Profiler struct {
	raw store.RawStore
}

// New creates a profiler.
func New(raw store.RawStore) *Profiler {
	return &Profiler{raw: raw}
}

// Profile samples up to req.SampleSize records and aggregates their fields.
func (p *Profiler) Profile(ctx context.Context, req Request) (Result, error) {
	if req.SampleSize <= 0 {
		req.SampleSize = DefaultSampleSize
	}
	records, err := p.raw.Sample(ctx, model.RawFilter{
		FileName: req.FileName,
		Tenant:   req.Tenant,
		Limit:    req.SampleSize,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sample raw records: %w", err)
	}
	return Records(records), nil
}

type accumulator struct {
	name     string
	nonNull  int
	votes    map[model.DataType]int
	distinct map[string]struct{}
	examples []string
}

// Records profiles an in-memory sample. Fields are reported in order of first
// appearance; a field absent from a record counts as null for that record.
func Records(records []model.RawRecord) Result {
	res := Result{RecordsSampled: len(records)}
	if len(records) == 0 {
		return res
	}

	var order []*accumulator
	byName := make(map[string]*accumulator)
	for _, rec := range records {
		for _, f := range rec.Fields {
			acc, ok := byName[f.Name]
			if !ok {
				acc = &accumulator{
					name:     f.Name,
					votes:    make(map[model.DataType]int),
					distinct: make(map[string]struct{}),
				}
				byName[f.Name] = acc
				order = append(order, acc)
			}
			s, ok := convert.Text(f.Value)
			if !ok || strings.TrimSpace(s) == "" {
				continue
			}
			acc.nonNull++
			acc.votes[InferType(f.Value)]++
			if _, seen := acc.distinct[s]; !seen {
				acc.distinct[s] = struct{}{}
				if len(acc.examples) < maxExamples {
					acc.examples = append(acc.examples, s)
				}
			}
		}
	}

	total := float64(len(records))
	res.Fields = make([]FieldProfile, 0, len(order))
	for _, acc := range order {
		res.Fields = append(res.Fields, FieldProfile{
			FieldName:     acc.name,
			InferredType:  majority(acc.votes),
			NullRatio:     float64(len(records)-acc.nonNull) / total,
			DistinctCount: len(acc.distinct),
			TypeVotes:     acc.votes,
			Examples:      acc.examples,
		})
	}
	return res
}

// generality orders types from most to least general for tie breaks.
var generality = []model.DataType{
	model.TypeText,
	model.TypeTimestamp,
	model.TypeDate,
	model.TypeNumber,
	model.TypeInteger,
	model.TypeBoolean,
}

func majority(votes map[model.DataType]int) model.DataType {
	if len(votes) == 0 {
		return model.TypeText
	}
	best, bestN := model.TypeText, -1
	for _, t := range generality {
		if n := votes[t]; n > bestN {
			best, bestN = t, n
		}
	}
	return best
}

// InferType returns the narrowest type a single value parses as.
func InferType(v any) model.DataType {
	switch t := v.(type) {
	case bool:
		return model.TypeBoolean
	case float64:
		if t == float64(int64(t)) {
			return model.TypeInteger
		}
		return model.TypeNumber
	}

	s, ok := convert.Text(v)
	if !ok {
		return model.TypeText
	}
	s = convert.CleanCell(s)
	switch strings.ToLower(s) {
	case "true", "false":
		return model.TypeBoolean
	}
	if hasLeadingZero(s) {
		return model.TypeText
	}
	if _, ok := convert.ParseInteger(s); ok && !strings.ContainsAny(s, ".") {
		return model.TypeInteger
	}
	if _, ok := convert.ParseNumber(s); ok {
		return model.TypeNumber
	}
	if looksLikeTimestamp(s) {
		if _, ok := convert.ParseTimestamp(s); ok {
			return model.TypeTimestamp
		}
	}
	if _, ok := convert.ParseDate(s); ok {
		return model.TypeDate
	}
	return model.TypeText
}

// hasLeadingZero reports identifiers such as zip codes and account numbers.
func hasLeadingZero(s string) bool {
	return len(s) > 1 && s[0] == '0' && s[1] >= '0' && s[1] <= '9'
}

func looksLikeTimestamp(s string) bool {
	return strings.Contains(s, ":")
}
