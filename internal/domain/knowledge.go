package domain

// KnowledgeEntry is one curated article of the retrieval corpus.
type KnowledgeEntry struct {
	ID       string   `yaml:"id" json:"id" validate:"required"`
	Topic    string   `yaml:"topic" json:"topic" validate:"required"`
	Category string   `yaml:"category" json:"category"`
	Title    string   `yaml:"title" json:"title" validate:"required"`
	Content  string   `yaml:"content" json:"content" validate:"required"`
	Tags     []string `yaml:"tags" json:"tags"`
	AgeRange string   `yaml:"age_range" json:"age_range"`
	Source   string   `yaml:"source" json:"source"`
}

// RetrievalResult is a ranked hit for a single query.
type RetrievalResult struct {
	EntryID string          `json:"entry_id"`
	Score   float64         `json:"score"`
	Rank    int             `json:"rank"`
	Entry   *KnowledgeEntry `json:"-"`
}

// Source is the citation shown next to a generated answer.
type Source struct {
	EntryID string `json:"entry_id"`
	Title   string `json:"title"`
	Origin  string `json:"source"`
}
