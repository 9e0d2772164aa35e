// Package mapping generates, scores, approves and applies field mappings from
// raw record fields onto target entity columns.
//
// Three strategies produce candidates: manual tables (pre-approved), pattern
// matching on normalized names, and a semantic service. All candidates land in
// the same MappingStore; only approved mappings reach a Snapshot.
package mapping

import (
	"strings"
	"unicode"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultSynonyms expands common field name abbreviations.
var DefaultSynonyms = []model.KnownMapping{
	{Token: "CUST", Canonical: "CUSTOMER"},
	{Token: "AMT", Canonical: "AMOUNT"},
	{Token: "DT", Canonical: "DATE"},
	{Token: "NBR", Canonical: "NUMBER"},
	{Token: "NUM", Canonical: "NUMBER"},
	{Token: "NO", Canonical: "NUMBER"},
	{Token: "QTY", Canonical: "QUANTITY"},
	{Token: "ADDR", Canonical: "ADDRESS"},
	{Token: "DESC", Canonical: "DESCRIPTION"},
	{Token: "ACCT", Canonical: "ACCOUNT"},
	{Token: "TXN", Canonical: "TRANSACTION"},
	{Token: "PMT", Canonical: "PAYMENT"},
	{Token: "MBR", Canonical: "MEMBER"},
	{Token: "DOB", Canonical: "BIRTH DATE"},
	{Token: "FNAME", Canonical: "FIRST NAME"},
	{Token: "LNAME", Canonical: "LAST NAME"},
	{Token: "SVC", Canonical: "SERVICE"},
	{Token: "PROV", Canonical: "PROVIDER"},
	{Token: "DIAG", Canonical: "DIAGNOSIS"},
	{Token: "EFF", Canonical: "EFFECTIVE"},
}

// Name is a field name reduced for comparison.
type Name struct {
	Original string
	// Compact is the lower-case alphanumeric form after synonym expansion,
	// e.g. "cust_id" -> "customerid".
	Compact string
	// Tokens are the lower-case words after synonym expansion.
	Tokens []string
}

// Normalizer reduces field names to a comparable form.
type Normalizer struct {
	synonyms map[string][]string
}

// NewNormalizer builds a normalizer from synonym pairs. Later pairs override
// earlier ones for the same token.
func NewNormalizer(known ...[]model.KnownMapping) *Normalizer {
	n := &Normalizer{synonyms: make(map[string][]string)}
	for _, list := range known {
		for _, k := range list {
			tok := strings.ToLower(strings.TrimSpace(k.Token))
			if tok == "" {
				continue
			}
			n.synonyms[tok] = strings.Fields(strings.ToLower(splitWords(k.Canonical)))
		}
	}
	return n
}

// Normalize splits name into words, folds case and diacritics and expands
// synonyms token-wise.
func (n *Normalizer) Normalize(name string) Name {
	words := strings.Fields(strings.ToLower(splitWords(foldDiacritics(name))))
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if exp, ok := n.synonyms[w]; ok && len(exp) > 0 {
			tokens = append(tokens, exp...)
			continue
		}
		tokens = append(tokens, w)
	}
	return Name{Original: name, Compact: strings.Join(tokens, ""), Tokens: tokens}
}

var diacritics = runes.Remove(runes.In(unicode.Mn))

// foldDiacritics turns "Prénom" into "Prenom".
func foldDiacritics(s string) string {
	out, _, err := transform.String(transform.Chain(norm.NFD, diacritics, norm.NFC), s)
	if err != nil {
		return s
	}
	return out
}

// splitWords replaces every non-alphanumeric rune with a space and splits
// camelCase boundaries ("CustomerID" -> "Customer ID").
func splitWords(s string) string {
	var b strings.Builder
	rs := []rune(s)
	for i, r := range rs {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			b.WriteByte(' ')
			continue
		}
		if i > 0 && unicode.IsUpper(r) {
			prev := rs[i-1]
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte(' ')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
