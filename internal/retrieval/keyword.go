package retrieval

import (
	"math"
	"strings"

	"pediatric-assistant/internal/domain"
)

const (
	titleBonus  = 0.2
	tagBonus    = 0.1
	maxTagBonus = 0.2
)

type document struct {
	entry  *domain.KnowledgeEntry
	tf     map[string]float64
	norm   float64
	title  string
	tags   []string
	tokens map[string]struct{}
}

// keywordIndex is a token-frequency index over title, content and tags.
type keywordIndex struct {
	tok  *Tokenizer
	docs []document
}

func newKeywordIndex(tok *Tokenizer, entries []domain.KnowledgeEntry) *keywordIndex {
	idx := &keywordIndex{tok: tok, docs: make([]document, 0, len(entries))}
	for i := range entries {
		e := &entries[i]
		terms := tok.Tokenize(entryText(*e))
		for _, tag := range e.Tags {
			terms = append(terms, tok.Tokenize(tag)...)
		}
		d := document{
			entry:  e,
			tf:     frequencies(terms),
			title:  strings.ToLower(e.Title),
			tokens: make(map[string]struct{}, len(terms)),
		}
		for _, tag := range e.Tags {
			d.tags = append(d.tags, strings.ToLower(tag))
		}
		for _, term := range terms {
			d.tokens[term] = struct{}{}
		}
		d.norm = vectorNorm(d.tf)
		idx.docs = append(idx.docs, d)
	}
	return idx
}

// score returns the keyword score of every document, in index order.
func (idx *keywordIndex) score(query string, expanded []string) []float64 {
	q := frequencies(expanded)
	qNorm := vectorNorm(q)
	lowered := strings.ToLower(strings.TrimSpace(query))

	scores := make([]float64, len(idx.docs))
	for i, d := range idx.docs {
		var s float64
		if qNorm > 0 && d.norm > 0 {
			var dot float64
			for term, w := range q {
				dot += w * d.tf[term]
			}
			s = dot / (qNorm * d.norm)
		}
		if lowered != "" && (lowered == d.title || strings.Contains(lowered, d.title)) {
			s += titleBonus
		}
		var tb float64
		for _, tag := range d.tags {
			if strings.Contains(lowered, tag) {
				tb += tagBonus
			}
		}
		s += math.Min(tb, maxTagBonus)
		scores[i] = s
	}
	return scores
}

func frequencies(terms []string) map[string]float64 {
	tf := make(map[string]float64, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	return tf
}

func vectorNorm(v map[string]float64) float64 {
	var sum float64
	for _, w := range v {
		sum += w * w
	}
	return math.Sqrt(sum)
}
