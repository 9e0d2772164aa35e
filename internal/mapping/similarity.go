package mapping

import (
	"math"
)

// editSimilarity is 1 - levenshtein(a, b) / max(len(a), len(b)).
func editSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes the edit distance with two rolling rows.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// jaccard is |A ∩ B| / |A ∪ B| over distinct tokens.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]uint8, len(a)+len(b))
	for _, t := range a {
		set[t] |= 1
	}
	for _, t := range b {
		set[t] |= 2
	}
	inter := 0
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

// ngramSize is the character n-gram length used by the TF-IDF index.
const ngramSize = 3

// tfidfIndex vectorizes names by padded character n-grams weighted by inverse
// document frequency across the corpus it was built from.
type tfidfIndex struct {
	idf     map[string]float64
	vectors map[string]map[string]float64
}

func ngrams(s string) map[string]float64 {
	padded := []rune(" " + s + " ")
	out := make(map[string]float64)
	if len(padded) < ngramSize {
		out[string(padded)]++
		return out
	}
	for i := 0; i+ngramSize <= len(padded); i++ {
		out[string(padded[i:i+ngramSize])]++
	}
	return out
}

// newTFIDFIndex builds an index over corpus. Duplicate documents are counted once.
func newTFIDFIndex(corpus []string) *tfidfIndex {
	docs := make(map[string]map[string]float64, len(corpus))
	for _, d := range corpus {
		if _, ok := docs[d]; !ok {
			docs[d] = ngrams(d)
		}
	}

	df := make(map[string]int)
	for _, grams := range docs {
		for g := range grams {
			df[g]++
		}
	}
	n := float64(len(docs))
	idx := &tfidfIndex{idf: make(map[string]float64, len(df)), vectors: make(map[string]map[string]float64, len(docs))}
	for g, c := range df {
		// Smoothed idf keeps grams shared by every document above zero.
		idx.idf[g] = math.Log((1+n)/(1+float64(c))) + 1
	}
	for d, grams := range docs {
		idx.vectors[d] = idx.weigh(grams)
	}
	return idx
}

func (x *tfidfIndex) weigh(grams map[string]float64) map[string]float64 {
	vec := make(map[string]float64, len(grams))
	var norm float64
	for g, tf := range grams {
		w := tf * x.idf[g]
		vec[g] = w
		norm += w * w
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for g := range vec {
		vec[g] /= norm
	}
	return vec
}

func (x *tfidfIndex) vector(s string) map[string]float64 {
	if v, ok := x.vectors[s]; ok {
		return v
	}
	return x.weigh(ngrams(s))
}

// cosine returns the cosine similarity of two documents.
func (x *tfidfIndex) cosine(a, b string) float64 {
	if a == b && a != "" {
		return 1
	}
	va, vb := x.vector(a), x.vector(b)
	if len(vb) < len(va) {
		va, vb = vb, va
	}
	var dot float64
	for g, w := range va {
		dot += w * vb[g]
	}
	return math.Min(1, math.Max(0, dot))
}
