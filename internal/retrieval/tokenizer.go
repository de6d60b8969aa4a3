package retrieval

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/elliotchance/pie/v2"

	"pediatric-assistant/internal/normalize"
)

// synonymGroups are matched in both directions: any member of a group
// expands to every other member.
var synonymGroups = [][]string{
	{"fever", "pyrexia", "high temperature", "febrile"},
	{"diarrhea", "diarrhoea", "loose stools", "watery stools"},
	{"vomiting", "throwing up", "vomit", "puking"},
	{"oral rehydration solution", "ors", "rehydration"},
	{"paracetamol", "acetaminophen", "tylenol"},
	{"ibuprofen", "advil", "motrin"},
	{"vaccination", "vaccine", "immunization", "shot"},
	{"breastfeeding", "nursing", "breast milk"},
	{"convulsion", "seizure", "febrile seizure", "fit"},
	{"rash", "spots", "hives"},
	{"cough", "coughing", "croup"},
	{"thermometer", "temperature"},
	{"dehydration", "dehydrated"},
}

var extraTerms = []string{
	"fever reducer",
	"glass test",
	"warning signs",
	"wet diapers",
	"barking cough",
	"runny nose",
	"stiff neck",
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"can": {}, "do": {}, "does": {}, "for": {}, "from": {}, "has": {}, "have": {}, "he": {},
	"her": {}, "his": {}, "how": {}, "i": {}, "if": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "she": {}, "should": {}, "so": {}, "that": {},
	"the": {}, "their": {}, "them": {}, "they": {}, "this": {}, "to": {}, "was": {}, "what": {},
	"when": {}, "which": {}, "who": {}, "will": {}, "with": {}, "you": {}, "your": {}, "me": {},
	"we": {}, "our": {}, "s": {}, "t": {}, "about": {}, "much": {}, "any": {}, "there": {},
	"的": {}, "了": {}, "吗": {}, "呢": {}, "是": {}, "我": {}, "你": {}, "在": {}, "有": {},
}

// Tokenizer splits text into index terms. Dictionary terms are matched
// longest first so multi-word phrases survive as one token.
type Tokenizer struct {
	terms    []string
	synonyms map[string][]string
}

// NewTokenizer builds a tokenizer over the domain dictionary.
func NewTokenizer() *Tokenizer {
	dict := append([]string{}, normalize.SymptomForms()...)
	dict = append(dict, extraTerms...)
	synonyms := make(map[string][]string)
	for _, group := range synonymGroups {
		dict = append(dict, group...)
		for _, term := range group {
			for _, other := range group {
				if other != term {
					synonyms[term] = append(synonyms[term], other)
				}
			}
		}
	}

	var multi []string
	for _, term := range pie.Unique(dict) {
		if strings.ContainsAny(term, " ") || !isASCII(term) {
			multi = append(multi, term)
		}
	}
	sort.Slice(multi, func(i, j int) bool {
		if len(multi[i]) != len(multi[j]) {
			return len(multi[i]) > len(multi[j])
		}
		return multi[i] < multi[j]
	})
	return &Tokenizer{terms: multi, synonyms: synonyms}
}

// Tokenize returns the terms of text in order of appearance, stopwords
// removed.
func (t *Tokenizer) Tokenize(text string) []string {
	s := strings.ToLower(text)
	var out []string
	for i := 0; i < len(s); {
		if term, ok := t.matchTerm(s, i); ok {
			out = append(out, term)
			i += len(term)
			continue
		}

		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case isWordRune(r):
			j := i
			for j < len(s) {
				r2, n := utf8.DecodeRuneInString(s[j:])
				if !isWordRune(r2) {
					break
				}
				j += n
			}
			out = appendToken(out, s[i:j])
			i = j
		case unicode.Is(unicode.Han, r):
			out = appendToken(out, s[i:i+size])
			i += size
		default:
			i += size
		}
	}
	return out
}

// Expand returns tokens plus every synonym of every token, deduplicated.
func (t *Tokenizer) Expand(tokens []string) []string {
	out := append([]string{}, tokens...)
	for _, tok := range tokens {
		for _, syn := range t.synonyms[tok] {
			if !pie.Contains(out, syn) {
				out = append(out, syn)
			}
		}
	}
	return out
}

// SameGroup reports whether a and b belong to one synonym group.
func (t *Tokenizer) SameGroup(a, b string) bool {
	return pie.Contains(t.synonyms[a], b)
}

func (t *Tokenizer) matchTerm(s string, i int) (string, bool) {
	if i > 0 {
		prev, _ := utf8.DecodeLastRuneInString(s[:i])
		if isWordRune(prev) {
			return "", false
		}
	}
	for _, term := range t.terms {
		if !strings.HasPrefix(s[i:], term) {
			continue
		}
		end := i + len(term)
		if end < len(s) && isASCII(term) {
			next, _ := utf8.DecodeRuneInString(s[end:])
			if isWordRune(next) {
				continue
			}
		}
		return term, true
	}
	return "", false
}

func appendToken(out []string, tok string) []string {
	if _, stop := stopwords[tok]; stop {
		return out
	}
	return append(out, tok)
}

func isWordRune(r rune) bool {
	return r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
