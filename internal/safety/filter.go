// Package safety scans generated answers as they stream and stops them when
// they drift into unsafe medical advice.
package safety

import (
	"regexp"
	"strings"
	"unicode"
)

// Denylist tiers, most severe first.
const (
	TierCritical     = "critical"
	TierMedicalClaim = "medical_claim"
	TierPrescription = "prescription"
)

// Fallback replaces an aborted answer.
const Fallback = "I'm sorry, I can't give advice on that here. Please speak with your child's " +
	"doctor, or call emergency services right away if you are worried about their safety."

// Rule is one denylist entry. Patterns match against the buffer with all
// whitespace and punctuation removed and letters lower-cased, so phrases split
// across chunks or spaced oddly still match.
type Rule struct {
	Tier    string
	Label   string
	Pattern *regexp.Regexp
}

func phrase(tier, text string) Rule {
	return Rule{Tier: tier, Label: text, Pattern: regexp.MustCompile(regexp.QuoteMeta(compact(text)))}
}

func pattern(tier, label, expr string) Rule {
	return Rule{Tier: tier, Label: label, Pattern: regexp.MustCompile(expr)}
}

// DefaultRules is the built-in tiered denylist.
var DefaultRules = []Rule{
	phrase(TierCritical, "shake the baby"),
	phrase(TierCritical, "induce vomiting"),
	phrase(TierCritical, "give aspirin"),
	phrase(TierCritical, "alcohol rub"),
	phrase(TierCritical, "ice water bath"),
	phrase(TierCritical, "no need to see a doctor"),
	phrase(TierCritical, "don't need to see a doctor"),
	phrase(TierCritical, "ignore the symptoms"),
	phrase(TierCritical, "honey to a newborn"),

	phrase(TierMedicalClaim, "cure all diseases"),
	phrase(TierMedicalClaim, "cures all diseases"),
	phrase(TierMedicalClaim, "guaranteed cure"),
	phrase(TierMedicalClaim, "guaranteed to cure"),
	phrase(TierMedicalClaim, "miracle cure"),
	phrase(TierMedicalClaim, "100% effective"),
	phrase(TierMedicalClaim, "never get sick again"),
	phrase(TierMedicalClaim, "包治百病"),

	pattern(TierPrescription, "dose per interval", `\d+(?:mg|ml|milligrams?|milliliters?)(?:kg)?(?:every|each|per|times|x)`),
	phrase(TierPrescription, "i prescribe"),
	phrase(TierPrescription, "your dose should be"),
	phrase(TierPrescription, "double the dose"),
	phrase(TierPrescription, "increase the dose"),
}

// Verdict is the result of scanning the buffer.
type Verdict struct {
	Aborted  bool
	Tier     string
	Rule     string
	Fallback string
}

// Filter holds the scan state of one stream. It is not safe for concurrent
// use; each stream owns its own Filter.
type Filter struct {
	rules   []Rule
	buf     strings.Builder
	verdict Verdict
}

// NewFilter returns a filter over rules, or DefaultRules when none are given.
func NewFilter(rules ...Rule) *Filter {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Filter{rules: rules}
}

// Feed appends chunk and scans the whole buffer. Once aborted, every later
// call returns the same verdict.
func (f *Filter) Feed(chunk string) Verdict {
	if f.verdict.Aborted {
		return f.verdict
	}
	f.buf.WriteString(compact(chunk))
	scanned := f.buf.String()
	for _, r := range f.rules {
		if r.Pattern.MatchString(scanned) {
			f.verdict = Verdict{Aborted: true, Tier: r.Tier, Rule: r.Label, Fallback: Fallback}
			return f.verdict
		}
	}
	return Verdict{}
}

// Aborted reports whether a rule has matched.
func (f *Filter) Aborted() bool {
	return f.verdict.Aborted
}

// Reset clears the buffer and verdict for reuse.
func (f *Filter) Reset() {
	f.buf = strings.Builder{}
	f.verdict = Verdict{}
}

// compact lower-cases s and drops whitespace and punctuation, so "5 mg, every"
// and "5mg every" scan the same.
func compact(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
