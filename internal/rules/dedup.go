package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/convert"
	"github.com/JonMunkholm/ingestflow/internal/model"
)

// DedupStrategy resolves a group of rows sharing a dedup key.
type DedupStrategy string

const (
	KeepFirst     DedupStrategy = "KEEP_FIRST"
	KeepLast      DedupStrategy = "KEEP_LAST"
	QuarantineAll DedupStrategy = "QUARANTINE_ALL"
)

type dedupParams struct {
	Strategy   string `json:"strategy"`
	IgnoreCase bool   `json:"ignore_case"`
}

type dedupSpec struct {
	columns    []string
	strategy   DedupStrategy
	ignoreCase bool
}

// compileDedup reads the key columns from logic ("COL_A, COL_B"), falling back
// to target_field. An empty key means the schema's key column.
func compileDedup(rule model.TransformationRule) (*dedupSpec, error) {
	var p dedupParams
	if err := decodeParams(rule.Parameters, &p); err != nil {
		return nil, err
	}
	spec := &dedupSpec{strategy: KeepFirst, ignoreCase: p.IgnoreCase}
	if p.Strategy != "" {
		spec.strategy = DedupStrategy(strings.ToUpper(strings.TrimSpace(p.Strategy)))
	}
	switch spec.strategy {
	case KeepFirst, KeepLast, QuarantineAll:
	default:
		return nil, fmt.Errorf("unknown dedup strategy %q", p.Strategy)
	}

	key := rule.Logic
	if strings.TrimSpace(key) == "" {
		key = rule.TargetField
	}
	for _, c := range strings.Split(key, ",") {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			spec.columns = append(spec.columns, c)
		}
	}
	return spec, nil
}

// DedupParams builds the parameters JSON of a dedup rule.
func DedupParams(strategy DedupStrategy) json.RawMessage {
	b, _ := json.Marshal(dedupParams{Strategy: string(strategy)})
	return b
}

func (d *dedupSpec) key(row model.TargetRow, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		s, ok := convert.Text(lookup(row, c))
		if !ok {
			s = "\x00null"
		}
		if d.ignoreCase {
			s = strings.ToLower(s)
		}
		parts[i] = s
	}
	return strings.Join(parts, "\x1f")
}

// runDedup groups rows by key in staging order. Null key values group together.
func (e *Engine) runDedup(set *StagingSet, c *compiled, rows []*Row, metric *model.QualityMetric) {
	columns := c.dedup.columns
	if len(columns) == 0 {
		columns = []string{set.Schema.KeyColumn()}
	}

	groups := make(map[string][]*Row)
	var order []string
	for _, r := range rows {
		k := c.dedup.key(r.Values, columns)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	drop := make(map[*Row]bool)
	quarantine := make(map[*Row]bool)
	duplicates := 0
	for _, k := range order {
		g := groups[k]
		if len(g) < 2 {
			continue
		}
		duplicates += len(g) - 1
		switch c.dedup.strategy {
		case KeepFirst:
			for _, r := range g[1:] {
				drop[r] = true
			}
		case KeepLast:
			for _, r := range g[:len(g)-1] {
				drop[r] = true
			}
		case QuarantineAll:
			for _, r := range g {
				quarantine[r] = true
			}
		}
	}

	now := e.now()
	kept := set.Rows[:0]
	removed := 0
	for _, r := range set.Rows {
		switch {
		case drop[r]:
			removed++
			set.Rejected++
		case quarantine[r]:
			removed++
			set.quarantine(r, []string{c.rule.ID}, fmt.Sprintf("rule %s: duplicate key (%s)", c.rule.ID, strings.Join(columns, ", ")), now)
		default:
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(set.Rows); i++ {
		set.Rows[i] = nil
	}
	set.Rows = kept

	metric.MeasuredValue = float64(duplicates)
	metric.RowsAffected = removed
	metric.Status = model.MetricPass
	if duplicates > 0 {
		metric.Status = model.MetricWarning
		e.logger.Warn("duplicate rows in batch",
			"rule_id", c.rule.ID, "batch_id", set.BatchID, "duplicates", duplicates, "strategy", c.dedup.strategy)
	}
}
