package mapping

import (
	"testing"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- normalizer ----

func TestNormalize(t *testing.T) {
	n := NewNormalizer(DefaultSynonyms)
	tests := []struct {
		in      string
		compact string
		tokens  []string
	}{
		{"CUST_ID", "customerid", []string{"customer", "id"}},
		{"customerId", "customerid", []string{"customer", "id"}},
		{"Order Amt ($)", "orderamount", []string{"order", "amount"}},
		{"Prénom", "prenom", []string{"prenom"}},
		{"MBR_DOB", "memberbirthdate", []string{"member", "birth", "date"}},
		{"HTTPStatus", "httpstatus", []string{"http", "status"}},
		{"___", "", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := n.Normalize(tt.in)
			assert.Equal(t, tt.in, got.Original)
			assert.Equal(t, tt.compact, got.Compact)
			assert.Equal(t, tt.tokens, got.Tokens)
		})
	}
}

func TestNormalizeKnownMappingsOverride(t *testing.T) {
	n := NewNormalizer(DefaultSynonyms, []model.KnownMapping{{Token: "prov", Canonical: "province"}})
	assert.Equal(t, "billingprovince", n.Normalize("BILLING_PROV").Compact)
}

// ---- similarity ----

func TestEditSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, editSimilarity("", ""))
	assert.Equal(t, 1.0, editSimilarity("amount", "amount"))
	assert.InDelta(t, 1-3.0/7.0, editSimilarity("kitten", "sitting"), 1e-9)
	assert.Equal(t, 0.0, editSimilarity("abc", "xyz"))
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard(nil, nil))
	assert.InDelta(t, 1.0/3.0, jaccard([]string{"customer", "id"}, []string{"customer", "name"}), 1e-9)
	assert.Equal(t, 0.0, jaccard([]string{"a"}, []string{"b"}))
}

func TestTFIDFCosine(t *testing.T) {
	idx := newTFIDFIndex([]string{"customerid", "customername", "amount"})
	assert.Equal(t, 1.0, idx.cosine("customerid", "customerid"))
	assert.Greater(t, idx.cosine("customerid", "customername"), idx.cosine("customerid", "amount"))
	assert.Equal(t, 0.0, idx.cosine("amount", "zzz"))
}

// ---- pattern ----

func TestCompareExactNormalizedMatchIsOne(t *testing.T) {
	p := NewPatternMatcher(nil)
	for _, pair := range [][2]string{
		{"CUST_ID", "CUSTOMER_ID"},
		{"customer_id", "CUSTOMER_ID"},
		{"CustomerId", "customer id"},
	} {
		sc := p.Compare(pair[0], pair[1])
		assert.Equal(t, 1.0, sc.Combined, pair)
		assert.Equal(t, 1.0, sc.Exact, pair)
	}
}

func TestCompareSymbolOnlyNames(t *testing.T) {
	p := NewPatternMatcher(nil)
	assert.Equal(t, 1.0, p.Compare("#", " # ").Combined)
	assert.Equal(t, 1.0, p.Compare("%", "%").Exact)
	assert.Zero(t, p.Compare("#", "%").Combined)
	assert.Zero(t, p.Compare("#", "ID").Combined)
	assert.Zero(t, p.Compare("", "").Combined)
}

func TestCompareRanksRelatedAboveUnrelated(t *testing.T) {
	p := NewPatternMatcher(nil)
	related := p.Compare("ORDER_AMT", "TOTAL_ORDER_AMOUNT")
	unrelated := p.Compare("ORDER_AMT", "EMAIL")

	assert.Equal(t, 1.0, related.Substring)
	assert.Zero(t, related.Exact)
	assert.Less(t, related.Combined, 1.0)
	assert.Greater(t, related.Combined, unrelated.Combined)
	assert.Contains(t, related.String(), "substring=1")
}

func testSchema() model.TargetSchema {
	return model.TargetSchema{
		Entity: "CUSTOMERS",
		Columns: []model.Column{
			{Name: "CUSTOMER_ID", DataType: model.TypeText},
			{Name: "CUSTOMER_NAME", DataType: model.TypeText, Nullable: true},
			{Name: "EMAIL", DataType: model.TypeText, Nullable: true},
			{Name: "ORDER_AMOUNT", DataType: model.TypeNumber, Nullable: true},
			{Name: "SIGNUP_DATE", DataType: model.TypeDate, Nullable: true},
		},
	}.WithStandardColumns()
}

func TestSuggestPattern(t *testing.T) {
	p := NewPatternMatcher(nil)
	got := p.Suggest(PatternRequest{
		SourceFields: []string{"CUST_ID", "E-Mail", "ZZZ_UNKNOWN"},
		Schema:       testSchema(),
		Scope:        "acme",
	})
	require.Len(t, got, 2)

	assert.Equal(t, "CUST_ID", got[0].SourceField)
	assert.Equal(t, "CUSTOMER_ID", got[0].TargetField)
	assert.Equal(t, 1.0, got[0].Confidence)
	assert.Equal(t, model.StrategyPattern, got[0].Strategy)
	assert.Equal(t, "acme", got[0].Scope)
	assert.False(t, got[0].Approved)
	assert.NotEmpty(t, got[0].Reasoning)

	assert.Equal(t, "E-Mail", got[1].SourceField)
	assert.Equal(t, "EMAIL", got[1].TargetField)
}

func TestSuggestPatternThreshold(t *testing.T) {
	p := NewPatternMatcher(nil)
	fields := []string{"ZZZ_UNKNOWN"}

	assert.Empty(t, p.Suggest(PatternRequest{SourceFields: fields, Schema: testSchema()}), "unset threshold uses the default")

	got := p.Suggest(PatternRequest{SourceFields: fields, Schema: testSchema(), TopN: 10, MinConfidence: ptr(0.0)})
	assert.Len(t, got, 5, "zero threshold keeps every non-standard column")
}

func ptr(f float64) *float64 { return &f }

func TestSuggestPatternTopNAndStandardColumns(t *testing.T) {
	p := NewPatternMatcher(nil)
	got := p.Suggest(PatternRequest{
		SourceFields:  []string{"CUSTOMER"},
		Schema:        testSchema(),
		TopN:          2,
		MinConfidence: ptr(0.0001),
	})
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[0].Confidence, got[1].Confidence)
	for _, m := range got {
		assert.False(t, isStandardColumn(m.TargetField), m.TargetField)
	}
}
