package retrieval

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"pediatric-assistant/internal/domain"
)

//go:embed corpus.yaml
var defaultCorpus []byte

// DefaultCorpus returns the built-in knowledge entries.
func DefaultCorpus() ([]domain.KnowledgeEntry, error) {
	return ParseCorpus("corpus.yaml", defaultCorpus)
}

// LoadCorpus reads a corpus file from disk.
func LoadCorpus(path string) ([]domain.KnowledgeEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.In("retrieval").With("path", path).Wrapf(err, "read corpus")
	}
	return ParseCorpus(path, data)
}

// ParseCorpus decodes and validates a YAML list of entries. IDs must be unique.
func ParseCorpus(source string, data []byte) ([]domain.KnowledgeEntry, error) {
	var entries []domain.KnowledgeEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, oops.In("retrieval").With("source", source).Wrapf(err, "parse corpus")
	}
	if len(entries) == 0 {
		return nil, oops.In("retrieval").With("source", source).Errorf("corpus is empty")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	seen := make(map[string]struct{}, len(entries))
	for i := range entries {
		if err := validate.Struct(entries[i]); err != nil {
			return nil, oops.In("retrieval").With("source", source, "entry", i).Wrapf(err, "invalid entry")
		}
		if _, dup := seen[entries[i].ID]; dup {
			return nil, oops.In("retrieval").With("source", source).Errorf("duplicate entry id %q", entries[i].ID)
		}
		seen[entries[i].ID] = struct{}{}
	}
	return entries, nil
}

func entryText(e domain.KnowledgeEntry) string {
	return fmt.Sprintf("%s\n%s", e.Title, e.Content)
}
