package catalog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/rules"
	"github.com/JonMunkholm/ingestflow/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
tenants:
  - {code: acme, name: Acme Health, active: true}
  - {code: globex, name: Globex, active: false}
schemas:
  - entity: customers
    description: Customer master
    columns:
      - {name: customer_id, data_type: VARCHAR(20)}
      - {name: email, data_type: TEXT, nullable: true}
      - {name: state, data_type: TEXT, nullable: true}
      - {name: state_name, data_type: TEXT, nullable: true}
  - entity: lookups
    standard_columns: false
    columns:
      - {name: code, data_type: TEXT}
rules:
  - id: DQ001
    category: DATA_QUALITY
    target_entity: customers
    logic: email IS NOT NULL
    error_action: QUARANTINE
    priority: 1
  - id: BL001
    category: BUSINESS_LOGIC
    target_entity: customers
    target_field: state_name
    logic: LOOKUP
    parameters: {source: state, table: us_states, default: Unknown}
  - id: DD001
    category: DEDUPLICATION
    target_entity: customers
    logic: customer_id
    parameters: {strategy: KEEP_LAST, ignore_case: true}
    active: false
prompts:
  - id: claims
    name: Claims
    text: "Map {source_fields} onto {target_columns}"
synonyms: {CUST: CUSTOMER, AMT: AMOUNT}
reference_tables:
  us_states: {CA: California, NY: New York}
mappings:
  - {source_field: CUST_ID, target_entity: customers, target_field: customer_id, transform_expression: "TRIM|UPPER"}
  - {source_field: mail, target_entity: customers, target_field: email, scope: acme}
`

func TestParseAndApply(t *testing.T) {
	ctx := context.Background()
	c, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	ms := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	re := rules.NewEngine(nil, logger)
	me := mapping.NewEngine(ms, ms, ms, nil, mapping.EngineConfig{}, logger)

	res, err := c.Apply(ctx, ms, me, re)
	require.NoError(t, err)
	assert.Equal(t, Result{Tenants: 2, Schemas: 2, Rules: 3, Prompts: 1, Synonyms: 2, ReferenceTables: 1, Mappings: 2}, res)
	assert.Equal(t, 13, res.Total())
	assert.Contains(t, res.Summary(), "3 rules")

	sch, err := ms.GetSchema(ctx, "CUSTOMERS")
	require.NoError(t, err)
	_, ok := sch.Column(model.SourceFileColumn)
	assert.True(t, ok, "standard columns appended")
	assert.Equal(t, "CUSTOMER_ID", sch.KeyColumn())

	lk, err := ms.GetSchema(ctx, "LOOKUPS")
	require.NoError(t, err)
	assert.Len(t, lk.Columns, 1)

	all, err := ms.ListRules(ctx, "CUSTOMERS", false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	byID := make(map[string]model.TransformationRule)
	for _, r := range all {
		byID[r.ID] = r
	}
	assert.Equal(t, model.CategoryQuality, byID["DQ001"].Category)
	assert.Equal(t, model.ActionQuarantine, byID["DQ001"].ErrorAction)
	assert.Equal(t, model.ActionLog, byID["BL001"].ErrorAction)
	assert.False(t, byID["DD001"].Active)

	var params map[string]any
	require.NoError(t, json.Unmarshal(byID["DD001"].Parameters, &params))
	assert.Equal(t, "KEEP_LAST", params["strategy"])
	assert.Equal(t, true, params["ignore_case"])

	known, err := ms.ListKnownMappings(ctx)
	require.NoError(t, err)
	assert.Len(t, known, 2)

	approved := true
	mappings, err := ms.ListMappings(ctx, model.MappingFilter{TargetEntity: "CUSTOMERS", Approved: &approved})
	require.NoError(t, err)
	assert.Len(t, mappings, 2)

	// The lookup rule compiles against the installed reference table.
	set := rules.NewStagingSet("b1", sch, []*rules.Row{{Values: model.TargetRow{"CUSTOMER_ID": "1", "EMAIL": "a@x", "STATE": "ny"}}})
	_, err = re.Run(ctx, set, all)
	require.NoError(t, err)
	assert.Equal(t, "New York", set.Rows[0].Values["STATE_NAME"])

	again, err := c.Apply(ctx, ms, me, re)
	require.NoError(t, err)
	assert.Zero(t, again.Mappings, "applying twice does not duplicate mappings")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "tenant: []", "field tenant not found"},
		{"missing rule id", "rules:\n  - {category: QUALITY, target_entity: x, logic: a IS NULL}", "id is required"},
		{"duplicate rule", "rules:\n  - {id: A, category: QUALITY, target_entity: x}\n  - {id: A, category: QUALITY, target_entity: x}", "duplicate id"},
		{"bad category", "rules:\n  - {id: A, category: MAGIC, target_entity: x}", "MAGIC"},
		{"bad data type", "schemas:\n  - entity: x\n    columns: [{name: a, data_type: BLOB}]", "unsupported data type"},
		{"duplicate tenant", "tenants: [{code: a}, {code: A}]", "duplicate code"},
		{"incomplete mapping", "mappings: [{source_field: a}]", "mappings[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyRejectsUncompilableRule(t *testing.T) {
	c, err := Parse(strings.NewReader(`
rules:
  - id: BL001
    category: BUSINESS
    target_entity: customers
    target_field: state_name
    logic: LOOKUP
    parameters: {source: state, table: missing_table}
`))
	require.NoError(t, err)

	ms := memstore.New()
	_, err = c.Apply(context.Background(), ms, nil, rules.NewEngine(nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_table")

	stored, err := ms.ListRules(context.Background(), "", false)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, c.Rules)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyRejectsRuleOnUndeclaredColumn(t *testing.T) {
	c, err := Parse(strings.NewReader(`
schemas:
  - entity: customers
    standard_columns: false
    columns:
      - {name: customer_id, data_type: TEXT}
      - {name: email, data_type: TEXT, nullable: true}
rules:
  - id: DQ001
    category: QUALITY
    target_entity: customers
    logic: email_addr IS NOT NULL
    error_action: QUARANTINE
`))
	require.NoError(t, err)

	ms := memstore.New()
	_, err = c.Apply(context.Background(), ms, nil, rules.NewEngine(nil, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, rules.ErrUnknownColumn)

	stored, err := ms.ListRules(context.Background(), "", false)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
