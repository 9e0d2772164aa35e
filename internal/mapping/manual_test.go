package mapping

import (
	"strings"
	"testing"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManualTable(t *testing.T) {
	table := "\ufeffSource_Field,target_entity,target_field,scope,transform_expression\n" +
		"cust_id,customers,customer_id,,TRIM | UPPER\n" +
		"member_no,customers,customer_id,acme,\n" +
		",,,,\n" +
		"email,,email,,LOWER\n"

	got, err := ParseManualTable(strings.NewReader(table), "CUSTOMERS", "")
	require.NoError(t, err)
	require.Len(t, got, 3)

	for _, m := range got {
		assert.Equal(t, model.StrategyManual, m.Strategy)
		assert.Equal(t, 1.0, m.Confidence)
		assert.True(t, m.Approved)
		assert.Equal(t, "CUSTOMERS", m.TargetEntity)
		assert.Equal(t, model.RawSourceEntity, m.SourceEntity)
	}
	assert.Equal(t, "cust_id", got[0].SourceField)
	assert.Equal(t, "CUSTOMER_ID", got[0].TargetField)
	assert.Equal(t, "TRIM | UPPER", got[0].TransformExpression)
	assert.Equal(t, "acme", got[1].Scope)
	assert.Equal(t, "EMAIL", got[2].TargetField)
}

func TestParseManualTableErrors(t *testing.T) {
	tests := []struct {
		name  string
		table string
		msg   string
	}{
		{"empty", "", "mapping table is empty"},
		{"missing source column", "target_entity,target_field\nA,B\n", "missing column source_field"},
		{"missing entity", "source_field,target_field\na,b\n", "missing column target_entity"},
		{"missing target field", "source_field,target_entity,target_field\na,CUSTOMERS,\n", "line 2: mapping: target_field is required"},
		{"bad expression", "source_field,target_entity,target_field,transform_expression\na,C,B,NOPE\n", "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManualTable(strings.NewReader(tt.table), "", "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
