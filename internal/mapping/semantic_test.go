package mapping

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	replies []string
	errs    []error
	calls   atomic.Int32
	prompt  string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	i := int(f.calls.Add(1)) - 1
	f.prompt = prompt
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const semanticReply = "Here you go:\n```json\n" + `[
  {"source_field": "cust_id", "target_field": "CUSTOMERS.CUSTOMER_ID", "confidence": 0.8, "reasoning": "id"},
  {"source_field": "CUST_ID", "target_field": "customers.customer_name", "confidence": 0.95, "reasoning": "better"},
  {"source_field": "MAIL", "target_field": "CUSTOMERS.EMAIL", "confidence": 1.7, "reasoning": "email"},
  {"source_field": "MAIL", "target_field": "CUSTOMERS.PHONE", "confidence": 0.99, "reasoning": "not in schema"},
  {"source_field": "AMT", "target_field": "ORDERS.ORDER_AMOUNT", "confidence": 0.9, "reasoning": "wrong entity"},
  {"source_field": "GHOST", "target_field": "CUSTOMERS.EMAIL", "confidence": 0.9, "reasoning": "not requested"}
]` + "\n```"

func TestSemanticSuggest(t *testing.T) {
	fc := &fakeCompleter{replies: []string{semanticReply}}
	sm := NewSemanticMatcher(fc, time.Second, 1, quietLogger())

	got := sm.Suggest(context.Background(), SemanticRequest{
		SourceFields: []string{"CUST_ID", "MAIL", "AMT"},
		Schema:       testSchema(),
		Scope:        "acme",
	})
	require.Len(t, got, 2)

	assert.Equal(t, "CUST_ID", got[0].SourceField)
	assert.Equal(t, "CUSTOMER_NAME", got[0].TargetField, "highest confidence wins")
	assert.Equal(t, 0.95, got[0].Confidence)
	assert.Equal(t, "better", got[0].Reasoning)
	assert.Equal(t, model.StrategySemantic, got[0].Strategy)
	assert.Equal(t, "acme", got[0].Scope)
	assert.False(t, got[0].Approved)

	assert.Equal(t, "MAIL", got[1].SourceField)
	assert.Equal(t, "EMAIL", got[1].TargetField)
	assert.Equal(t, 1.0, got[1].Confidence, "confidence is clamped")

	assert.Contains(t, fc.prompt, "- CUST_ID")
	assert.Contains(t, fc.prompt, "- CUSTOMERS.ORDER_AMOUNT: NUMBER")
	assert.NotContains(t, fc.prompt, model.SourceFileColumn)
	assert.NotContains(t, fc.prompt, "{source_fields}")
}

func TestSemanticSuggestRetriesOnce(t *testing.T) {
	fc := &fakeCompleter{
		errs:    []error{errors.New("timeout")},
		replies: []string{"", `[{"source_field":"MAIL","target_field":"EMAIL","confidence":0.7}]`},
	}
	sm := NewSemanticMatcher(fc, time.Second, 1, quietLogger())

	got := sm.Suggest(context.Background(), SemanticRequest{SourceFields: []string{"MAIL"}, Schema: testSchema()})
	require.Len(t, got, 1)
	assert.Equal(t, "EMAIL", got[0].TargetField)
	assert.Equal(t, int32(2), fc.calls.Load())
}

func TestSemanticSuggestFailuresYieldNothing(t *testing.T) {
	tests := []struct {
		name string
		fc   *fakeCompleter
	}{
		{"service down", &fakeCompleter{errs: []error{errors.New("down"), errors.New("down")}}},
		{"malformed reply", &fakeCompleter{replies: []string{"I could not find any mappings, sorry."}}},
		{"truncated json", &fakeCompleter{replies: []string{`[{"source_field": "MAIL", "target_fie`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewSemanticMatcher(tt.fc, time.Second, 1, quietLogger())
			got := sm.Suggest(context.Background(), SemanticRequest{SourceFields: []string{"MAIL"}, Schema: testSchema()})
			assert.Empty(t, got)
		})
	}
}

func TestBuildPromptCustomTemplate(t *testing.T) {
	tpl := model.PromptTemplate{ID: "short", Text: "S:{source_fields}|T:{target_columns}"}
	schema := model.TargetSchema{Entity: "ORDERS", Columns: []model.Column{{Name: "ID", DataType: model.TypeInteger, Description: "order id"}}}

	got := BuildPrompt(tpl, []string{"A", "B"}, schema)
	assert.Equal(t, "S:- A\n- B|T:- ORDERS.ID: INTEGER - order id", got)

	assert.True(t, strings.HasPrefix(BuildPrompt(model.PromptTemplate{}, nil, schema), "You are a data engineer"))
}

func TestParseSemanticReply(t *testing.T) {
	got, err := ParseSemanticReply("```\n[]\n```")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseSemanticReply("{}")
	assert.Error(t, err)
}
