// Package retrieval ranks curated knowledge entries for a free-text
// question. Keyword scoring always runs; vector similarity joins in when the
// embedder is reachable.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/philippgille/chromem-go"

	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/normalize"
)

// Retrieval modes reported with every response.
const (
	ModeHybrid  = "hybrid"
	ModeKeyword = "keyword"
)

const (
	vectorWeight     = 0.7
	keywordWeight    = 0.3
	candidateLimit   = 50
	resultLimit      = 3
	vectorFloor      = 0.30
	keywordFloor     = 0.10
	phraseBonus      = 0.15
	entityBonus      = 0.10
	synonymBonus     = 0.05
	minPhraseLength  = 4
	indexConcurrency = 4
	collectionName   = "knowledge"
)

// Response is the ranked outcome of one query.
type Response struct {
	Mode    string
	Results []domain.RetrievalResult
}

// Engine answers queries over an immutable corpus.
type Engine struct {
	entries    []domain.KnowledgeEntry
	tok        *Tokenizer
	keywords   *keywordIndex
	embedder   Embedder
	queries    Embedder
	cacheSize  int
	collection *chromem.Collection
	logger     *slog.Logger
	observe    func(mode string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmbedder enables the vector side. The corpus is embedded through e
// directly; queries go through the cache set by WithQueryCache.
func WithEmbedder(e Embedder) Option {
	return func(en *Engine) { en.embedder = e }
}

// WithQueryCache memoizes up to size query embeddings.
func WithQueryCache(size int) Option {
	return func(en *Engine) { en.cacheSize = size }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) {
		if l != nil {
			en.logger = l
		}
	}
}

// WithObserver registers a callback receiving the mode of every search.
func WithObserver(fn func(mode string)) Option {
	return func(en *Engine) { en.observe = fn }
}

// NewEngine indexes entries. If an embedder is configured the entries are
// embedded into an in-memory vector collection; when that fails the engine
// still serves keyword results.
func NewEngine(ctx context.Context, entries []domain.KnowledgeEntry, opts ...Option) (*Engine, error) {
	if len(entries) == 0 {
		return nil, errors.New("retrieval: corpus must not be empty")
	}
	en := &Engine{
		entries: append([]domain.KnowledgeEntry(nil), entries...),
		tok:     NewTokenizer(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(en)
	}
	en.keywords = newKeywordIndex(en.tok, en.entries)

	if en.embedder != nil {
		en.queries = en.embedder
		if en.cacheSize > 0 {
			cached, err := NewCachedEmbedder(en.embedder, en.cacheSize)
			if err != nil {
				return nil, err
			}
			en.queries = cached
		}
		if err := en.buildCollection(ctx); err != nil {
			en.logger.Warn("retrieval: vector index unavailable, serving keyword results only", "err", err)
			en.collection = nil
		}
	}
	return en, nil
}

func (en *Engine) buildCollection(ctx context.Context) error {
	db := chromem.NewDB()
	embed := chromem.EmbeddingFunc(en.embedder.Embed)
	col, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, 0, len(en.entries))
	for _, e := range en.entries {
		docs = append(docs, chromem.Document{
			ID:       e.ID,
			Content:  entryText(e),
			Metadata: map[string]string{"topic": e.Topic, "category": e.Category},
		})
	}
	if err := col.AddDocuments(ctx, docs, indexConcurrency); err != nil {
		return err
	}
	en.collection = col
	return nil
}

// Entries returns the indexed corpus.
func (en *Engine) Entries() []domain.KnowledgeEntry {
	return en.entries
}

type candidate struct {
	doc   int
	score float64
}

// Search returns at most three results above the mode's floor. Embedding
// failures degrade the search to keyword mode instead of failing it.
func (en *Engine) Search(ctx context.Context, query string) Response {
	tokens := en.tok.Tokenize(query)
	expanded := en.tok.Expand(tokens)
	keyword := en.keywords.score(query, expanded)

	mode := ModeKeyword
	vector, err := en.vectorScores(ctx, query)
	switch {
	case err != nil:
		en.logger.Warn("retrieval: embedding failed, falling back to keyword search", "err", err)
	case vector != nil:
		mode = ModeHybrid
	}

	cands := make([]candidate, len(en.entries))
	for i := range en.entries {
		s := keyword[i]
		if mode == ModeHybrid {
			s = vectorWeight*vector[en.entries[i].ID] + keywordWeight*keyword[i]
		}
		cands[i] = candidate{doc: i, score: s}
	}
	sortCandidates(cands)
	if len(cands) > candidateLimit {
		cands = cands[:candidateLimit]
	}

	for i := range cands {
		cands[i].score += en.rerankBonus(query, tokens, expanded, cands[i].doc)
	}
	sortCandidates(cands)

	floor := keywordFloor
	if mode == ModeHybrid {
		floor = vectorFloor
	}
	resp := Response{Mode: mode}
	for _, c := range cands {
		if len(resp.Results) == resultLimit {
			break
		}
		if c.score < floor {
			break
		}
		e := &en.entries[c.doc]
		resp.Results = append(resp.Results, domain.RetrievalResult{
			EntryID: e.ID,
			Score:   c.score,
			Rank:    len(resp.Results) + 1,
			Entry:   e,
		})
	}
	if en.observe != nil {
		en.observe(mode)
	}
	return resp
}

// vectorScores returns nil, nil when no vector index is configured.
func (en *Engine) vectorScores(ctx context.Context, query string) (map[string]float64, error) {
	if en.collection == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := en.queries.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	n := min(candidateLimit, en.collection.Count())
	results, err := en.collection.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		scores[r.ID] = max(float64(r.Similarity), 0)
	}
	return scores, nil
}

func (en *Engine) rerankBonus(query string, tokens, expanded []string, doc int) float64 {
	d := en.keywords.docs[doc]
	text := strings.ToLower(entryText(*d.entry))
	phrase := strings.Join(strings.Fields(strings.ToLower(query)), " ")

	var bonus float64
	if len(phrase) >= minPhraseLength && strings.Contains(text, phrase) {
		bonus += phraseBonus
	}
	for _, t := range tokens {
		if !normalize.IsSymptom(t) {
			continue
		}
		canonical := normalize.Symptom(t)
		if canonical == d.entry.Topic || strings.Contains(d.title, canonical) {
			bonus += entityBonus
			break
		}
	}
	for _, syn := range expanded[len(tokens):] {
		if _, ok := d.tokens[syn]; ok {
			bonus += synonymBonus
			break
		}
	}
	return bonus
}

func sortCandidates(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].score != c[j].score {
			return c[i].score > c[j].score
		}
		return c[i].doc < c[j].doc
	})
}
