package mapping

import (
	"testing"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approved(source, target, scope, expr string, conf float64) model.FieldMapping {
	return model.FieldMapping{
		SourceField:         source,
		TargetEntity:        "CUSTOMERS",
		TargetField:         target,
		Scope:               scope,
		Strategy:            model.StrategyManual,
		Confidence:          conf,
		TransformExpression: expr,
		Approved:            true,
	}
}

func TestSnapshotProject(t *testing.T) {
	schema := testSchema()
	schema.Columns[2].Default = "unknown@example.com"

	snap, err := NewSnapshot(schema, "", []model.FieldMapping{
		approved("CUST_ID", "CUSTOMER_ID", "", "TRIM | UPPER", 1),
		approved("AMT", "ORDER_AMOUNT", "", "", 1),
		approved("SIGNUP", "SIGNUP_DATE", "", "DATE('01/02/2006')", 1),
		{SourceField: "NAME", TargetEntity: "CUSTOMERS", TargetField: "CUSTOMER_NAME", Confidence: 0.9},
		approved("X", "NOT_A_COLUMN", "", "", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())
	require.Len(t, snap.Ignored, 1)
	assert.Contains(t, snap.Ignored[0], "NOT_A_COLUMN")

	ingested := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	row, warnings := snap.Project(model.RawRecord{
		FileName:   "acme/customers.csv",
		IngestedAt: ingested,
		Fields: model.Fields{
			{Name: "cust_id", Value: " c1 "},
			{Name: "AMT", Value: "$1,000"},
			{Name: "SIGNUP", Value: "03/15/2024"},
			{Name: "NAME", Value: "Jo"},
		},
	})
	assert.Empty(t, warnings)
	assert.Equal(t, "C1", row["CUSTOMER_ID"])
	assert.Equal(t, 1000.0, row["ORDER_AMOUNT"])
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), row["SIGNUP_DATE"])
	assert.Nil(t, row["CUSTOMER_NAME"], "unapproved mappings are not bound")
	assert.Equal(t, "unknown@example.com", row["EMAIL"])
	assert.Equal(t, "acme/customers.csv", row[model.SourceFileColumn])
	assert.Equal(t, ingested, row[model.IngestionTimestampColumn])
	assert.Contains(t, row, "CREATED_AT")
}

func TestSnapshotTenantShadowsGlobal(t *testing.T) {
	snap, err := NewSnapshot(testSchema(), model.RawSourceEntity, []model.FieldMapping{
		approved("CUST_ID", "CUSTOMER_ID", "", "", 1),
		approved("MEMBER_NO", "CUSTOMER_ID", "acme", "", 1),
	})
	require.NoError(t, err)

	fields := model.Fields{{Name: "CUST_ID", Value: "G1"}, {Name: "MEMBER_NO", Value: "T1"}}

	row, _ := snap.Project(model.RawRecord{OriginTag: "ACME", Fields: fields})
	assert.Equal(t, "T1", row["CUSTOMER_ID"])

	row, _ = snap.Project(model.RawRecord{OriginTag: "globex", Fields: fields})
	assert.Equal(t, "G1", row["CUSTOMER_ID"])

	assert.Equal(t, []string{"MEMBER_NO"}, snap.SourceFields("acme"))
	assert.Equal(t, []string{"CUST_ID"}, snap.SourceFields(""))
}

func TestSnapshotFallsBackAcrossBindings(t *testing.T) {
	snap, err := NewSnapshot(testSchema(), "", []model.FieldMapping{
		approved("AMOUNT_TEXT", "ORDER_AMOUNT", "", "", 0.9),
		approved("AMOUNT", "ORDER_AMOUNT", "", "", 0.7),
	})
	require.NoError(t, err)

	row, warnings := snap.Project(model.RawRecord{Fields: model.Fields{
		{Name: "AMOUNT_TEXT", Value: "about ten"},
		{Name: "AMOUNT", Value: "10"},
	}})
	assert.Equal(t, 10.0, row["ORDER_AMOUNT"])
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "ORDER_AMOUNT")
}

func TestSnapshotExplicitSourceFileMapping(t *testing.T) {
	snap, err := NewSnapshot(testSchema(), "", []model.FieldMapping{
		approved("ORIGIN", model.SourceFileColumn, "", "", 1),
	})
	require.NoError(t, err)

	row, _ := snap.Project(model.RawRecord{FileName: "a.csv", Fields: model.Fields{{Name: "ORIGIN", Value: "upstream.txt"}}})
	assert.Equal(t, "upstream.txt", row[model.SourceFileColumn])
}

func TestNewSnapshotRejectsBadExpression(t *testing.T) {
	_, err := NewSnapshot(testSchema(), "", []model.FieldMapping{
		approved("CUST_ID", "CUSTOMER_ID", "", "SHOUT", 1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operation SHOUT")
}
