package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// DefaultPromptID names the built-in prompt template.
const DefaultPromptID = "default"

// DefaultPrompt is used when no stored template is selected.
var DefaultPrompt = model.PromptTemplate{
	ID:          DefaultPromptID,
	Name:        "Default field mapping",
	Description: "Maps source fields onto described target columns",
	Text: `You are a data engineer mapping columns of an incoming file onto a target table.

Source fields:
{source_fields}

Target columns (entity.column: type - description):
{target_columns}

Return ONLY a JSON array. Each element must be an object with the keys
"source_field", "target_field" (formatted as entity.column), "confidence" (0 to 1)
and "reasoning". Omit source fields that have no reasonable target.`,
}

// Completer sends a prompt to a language model and returns its text reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// SemanticRequest configures one semantic run.
type SemanticRequest struct {
	SourceFields []string
	Schema       model.TargetSchema
	Scope        string
	Template     model.PromptTemplate
}

// SemanticMatcher asks an external model for mappings.
type SemanticMatcher struct {
	client  Completer
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

// NewSemanticMatcher creates a matcher. Each call is bounded by timeout and
// retried up to retries times.
func NewSemanticMatcher(client Completer, timeout time.Duration, retries int, logger *slog.Logger) *SemanticMatcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticMatcher{client: client, timeout: timeout, retries: retries, logger: logger}
}

// BuildPrompt fills the template placeholders.
func BuildPrompt(tpl model.PromptTemplate, sourceFields []string, schema model.TargetSchema) string {
	text := tpl.Text
	if strings.TrimSpace(text) == "" {
		text = DefaultPrompt.Text
	}
	var src strings.Builder
	for _, f := range sourceFields {
		fmt.Fprintf(&src, "- %s\n", f)
	}
	var tgt strings.Builder
	for _, c := range schema.Columns {
		if isStandardColumn(c.Name) {
			continue
		}
		fmt.Fprintf(&tgt, "- %s.%s: %s", schema.Entity, c.Name, c.DataType)
		if c.Description != "" {
			fmt.Fprintf(&tgt, " - %s", c.Description)
		}
		tgt.WriteByte('\n')
	}
	text = strings.ReplaceAll(text, "{source_fields}", strings.TrimRight(src.String(), "\n"))
	text = strings.ReplaceAll(text, "{target_columns}", strings.TrimRight(tgt.String(), "\n"))
	return text
}

// Suggest returns at most one mapping per source field. Service failures and
// unparsable replies yield no suggestions rather than an error.
func (s *SemanticMatcher) Suggest(ctx context.Context, req SemanticRequest) []model.FieldMapping {
	if s == nil || s.client == nil || len(req.SourceFields) == 0 {
		return nil
	}
	prompt := BuildPrompt(req.Template, req.SourceFields, req.Schema)

	var (
		reply string
		err   error
	)
	for attempt := 0; attempt <= s.retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		reply, err = s.client.Complete(callCtx, prompt)
		cancel()
		if err == nil {
			break
		}
		s.logger.Warn("semantic mapping call failed", "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		s.logger.Warn("semantic mapping unavailable, no suggestions", "target_entity", req.Schema.Entity, "error", err)
		return nil
	}

	candidates, err := ParseSemanticReply(reply)
	if err != nil {
		s.logger.Warn("unparsable semantic mapping reply", "error", err)
		return nil
	}
	return selectSemantic(candidates, req)
}

// SemanticCandidate is one element of the model reply.
type SemanticCandidate struct {
	SourceField string  `json:"source_field"`
	TargetField string  `json:"target_field"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// ParseSemanticReply extracts the JSON array from a reply that may be wrapped in
// prose or a markdown code fence.
func ParseSemanticReply(reply string) ([]SemanticCandidate, error) {
	content := strings.TrimSpace(reply)
	if i := strings.Index(content, "["); i >= 0 {
		content = content[i:]
	}
	if i := strings.LastIndex(content, "]"); i >= 0 {
		content = content[:i+1]
	}
	var out []SemanticCandidate
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("decode semantic reply: %w", err)
	}
	return out, nil
}

// selectSemantic keeps the best candidate per requested source field whose
// target column exists in the schema.
func selectSemantic(cands []SemanticCandidate, req SemanticRequest) []model.FieldMapping {
	requested := make(map[string]string, len(req.SourceFields))
	for _, f := range req.SourceFields {
		requested[strings.ToUpper(f)] = f
	}

	best := make(map[string]model.FieldMapping)
	var order []string
	for _, c := range cands {
		src, ok := requested[strings.ToUpper(strings.TrimSpace(c.SourceField))]
		if !ok {
			continue
		}
		entity, column := splitTarget(c.TargetField)
		if entity != "" && !strings.EqualFold(entity, req.Schema.Entity) {
			continue
		}
		col, ok := req.Schema.Column(column)
		if !ok || isStandardColumn(col.Name) {
			continue
		}
		conf := round4(min(1, max(0, c.Confidence)))
		prev, seen := best[src]
		if seen && prev.Confidence >= conf {
			continue
		}
		if !seen {
			order = append(order, src)
		}
		best[src] = model.FieldMapping{
			SourceField:  src,
			SourceEntity: model.RawSourceEntity,
			TargetEntity: req.Schema.Entity,
			TargetField:  col.Name,
			Scope:        req.Scope,
			Strategy:     model.StrategySemantic,
			Confidence:   conf,
			Reasoning:    c.Reasoning,
		}
	}

	out := make([]model.FieldMapping, 0, len(order))
	for _, src := range order {
		out = append(out, best[src])
	}
	return out
}

// splitTarget splits "entity.column" at the last dot.
func splitTarget(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
