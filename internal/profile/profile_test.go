package profile

import (
	"context"
	"testing"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferType(t *testing.T) {
	tests := []struct {
		in   any
		want model.DataType
	}{
		{"42", model.TypeInteger},
		{"1,200", model.TypeInteger},
		{"12.50", model.TypeNumber},
		{"$1,234.56", model.TypeNumber},
		{"(15.00)", model.TypeNumber},
		{"02134", model.TypeText},
		{"2024-03-15", model.TypeDate},
		{"03/15/2024", model.TypeDate},
		{"2024-03-15T10:30:00Z", model.TypeTimestamp},
		{"2024-03-15 10:30:00", model.TypeTimestamp},
		{"TRUE", model.TypeBoolean},
		{"yes", model.TypeText},
		{"hello", model.TypeText},
		{float64(3), model.TypeInteger},
		{float64(3.5), model.TypeNumber},
		{true, model.TypeBoolean},
	}
	for _, tt := range tests {
		if got := InferType(tt.in); got != tt.want {
			t.Errorf("InferType(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRecordsAggregates(t *testing.T) {
	recs := []model.RawRecord{
		{Fields: model.Fields{{Name: "ID", Value: "1"}, {Name: "AMOUNT", Value: "10.5"}, {Name: "EMAIL", Value: "a@x.com"}}},
		{Fields: model.Fields{{Name: "ID", Value: "2"}, {Name: "AMOUNT", Value: "n/a"}, {Name: "EMAIL", Value: nil}}},
		{Fields: model.Fields{{Name: "ID", Value: "2"}, {Name: "AMOUNT", Value: "7"}}},
		{Fields: model.Fields{{Name: "ID", Value: "3"}, {Name: "AMOUNT", Value: "8.25"}, {Name: "EXTRA", Value: "x"}}},
	}
	res := Records(recs)
	assert.Equal(t, 4, res.RecordsSampled)
	require.Len(t, res.Fields, 4)

	id := res.Fields[0]
	assert.Equal(t, "ID", id.FieldName)
	assert.Equal(t, model.TypeInteger, id.InferredType)
	assert.Equal(t, 3, id.DistinctCount)
	assert.Zero(t, id.NullRatio)

	amount := res.Fields[1]
	assert.Equal(t, model.TypeNumber, amount.InferredType)
	assert.Equal(t, 2, amount.TypeVotes[model.TypeNumber])

	email := res.Fields[2]
	assert.Equal(t, model.TypeText, email.InferredType)
	assert.InDelta(t, 0.75, email.NullRatio, 1e-9)

	extra := res.Fields[3]
	assert.Equal(t, "EXTRA", extra.FieldName)
	assert.InDelta(t, 0.75, extra.NullRatio, 1e-9)
}

func TestMajorityTieGoesToGeneralType(t *testing.T) {
	res := Records([]model.RawRecord{
		{Fields: model.Fields{{Name: "V", Value: "1"}}},
		{Fields: model.Fields{{Name: "V", Value: "abc"}}},
	})
	assert.Equal(t, model.TypeText, res.Fields[0].InferredType)
}

func TestProfileSamplesStore(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	var recs []model.RawRecord
	for i := 0; i < 10; i++ {
		recs = append(recs, model.RawRecord{
			FileName:  "a.csv",
			RowNumber: i + 2,
			OriginTag: "acme",
			Fields:    model.Fields{{Name: "N", Value: "5"}},
		})
	}
	_, err := ms.InsertRaw(ctx, recs)
	require.NoError(t, err)

	res, err := New(ms).Profile(ctx, Request{SampleSize: 4, Tenant: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.RecordsSampled)
	assert.Equal(t, 1, res.Fields[0].DistinctCount)

	res, err = New(ms).Profile(ctx, Request{Tenant: "other"})
	require.NoError(t, err)
	assert.Zero(t, res.RecordsSampled)
	assert.Empty(t, res.Fields)
}
