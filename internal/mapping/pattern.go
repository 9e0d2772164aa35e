package mapping

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// Pattern defaults.
const (
	DefaultTopN          = 3
	DefaultMinConfidence = 0.6
)

// Score weights. The name score blends four string measures; the final score
// blends the name score with TF-IDF cosine similarity.
const (
	weightExact     = 0.4
	weightSubstring = 0.2
	weightEdit      = 0.2
	weightToken     = 0.2
	weightName      = 0.7
	weightTFIDF     = 0.3
)

// Score is the breakdown of one source/target comparison.
type Score struct {
	Exact     float64 `json:"exact"`
	Substring float64 `json:"substring"`
	Edit      float64 `json:"edit"`
	Token     float64 `json:"token"`
	TFIDF     float64 `json:"tfidf"`
	Combined  float64 `json:"combined"`
}

func (s Score) String() string {
	return fmt.Sprintf("exact=%.0f substring=%.0f edit=%.2f token=%.2f tfidf=%.2f", s.Exact, s.Substring, s.Edit, s.Token, s.TFIDF)
}

// PatternRequest configures one pattern run.
type PatternRequest struct {
	SourceFields  []string
	Schema        model.TargetSchema
	Scope         string
	TopN          int
	MinConfidence *float64
}

// PatternMatcher scores source fields against target columns by name.
type PatternMatcher struct {
	norm *Normalizer
}

// NewPatternMatcher creates a matcher using the given normalizer.
func NewPatternMatcher(n *Normalizer) *PatternMatcher {
	if n == nil {
		n = NewNormalizer(DefaultSynonyms)
	}
	return &PatternMatcher{norm: n}
}

// Compare scores one pair in isolation, using the pair itself as the TF-IDF corpus.
func (p *PatternMatcher) Compare(source, target string) Score {
	s, t := p.norm.Normalize(source), p.norm.Normalize(target)
	return score(s, t, newTFIDFIndex([]string{s.Compact, t.Compact}))
}

func score(s, t Name, idx *tfidfIndex) Score {
	var sc Score
	if s.Compact == "" || t.Compact == "" {
		if sameSymbols(s.Original, t.Original) {
			return Score{Exact: 1, Substring: 1, Edit: 1, Token: 1, TFIDF: 1, Combined: 1}
		}
		return sc
	}
	if s.Compact == t.Compact {
		return Score{Exact: 1, Substring: 1, Edit: 1, Token: 1, TFIDF: 1, Combined: 1}
	}
	if strings.Contains(s.Compact, t.Compact) || strings.Contains(t.Compact, s.Compact) {
		sc.Substring = 1
	}
	sc.Edit = editSimilarity(s.Compact, t.Compact)
	sc.Token = jaccard(s.Tokens, t.Tokens)
	sc.TFIDF = idx.cosine(s.Compact, t.Compact)

	name := weightExact*sc.Exact + weightSubstring*sc.Substring + weightEdit*sc.Edit + weightToken*sc.Token
	sc.Combined = round4(name*weightName + sc.TFIDF*weightTFIDF)
	return sc
}

// sameSymbols matches names without any letters or digits, such as "#" or
// "%", by case-insensitive equality.
func sameSymbols(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

// Suggest returns, per source field, the best TopN target columns scoring at
// least MinConfidence (DefaultMinConfidence when unset). Standard metadata columns are never suggested. Results
// follow source field order, then descending confidence.
func (p *PatternMatcher) Suggest(req PatternRequest) []model.FieldMapping {
	if req.TopN <= 0 {
		req.TopN = DefaultTopN
	}
	minConf := DefaultMinConfidence
	if req.MinConfidence != nil {
		minConf = *req.MinConfidence
	}

	var targets []Name
	for _, c := range req.Schema.Columns {
		if isStandardColumn(c.Name) {
			continue
		}
		targets = append(targets, p.norm.Normalize(c.Name))
	}
	sources := make([]Name, 0, len(req.SourceFields))
	for _, f := range req.SourceFields {
		sources = append(sources, p.norm.Normalize(f))
	}

	corpus := make([]string, 0, len(targets)+len(sources))
	for _, n := range sources {
		corpus = append(corpus, n.Compact)
	}
	for _, n := range targets {
		corpus = append(corpus, n.Compact)
	}
	idx := newTFIDFIndex(corpus)

	type candidate struct {
		target Name
		score  Score
	}
	var out []model.FieldMapping
	for _, src := range sources {
		var cands []candidate
		for _, tgt := range targets {
			sc := score(src, tgt, idx)
			if sc.Combined >= minConf {
				cands = append(cands, candidate{tgt, sc})
			}
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score.Combined > cands[j].score.Combined })
		if len(cands) > req.TopN {
			cands = cands[:req.TopN]
		}
		for _, c := range cands {
			out = append(out, model.FieldMapping{
				SourceField:  src.Original,
				SourceEntity: model.RawSourceEntity,
				TargetEntity: req.Schema.Entity,
				TargetField:  c.target.Original,
				Scope:        req.Scope,
				Strategy:     model.StrategyPattern,
				Confidence:   c.score.Combined,
				Reasoning:    c.score.String(),
			})
		}
	}
	return out
}

func isStandardColumn(name string) bool {
	for _, c := range model.StandardColumns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
