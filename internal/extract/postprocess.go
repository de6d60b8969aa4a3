package extract

import (
	"regexp"
	"strings"

	"github.com/elliotchance/pie/v2"

	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/normalize"
)

// correction rewrites a symptom tag that is commonly confused with another
// when the raw text carries a disambiguating keyword.
type correction struct {
	from     string
	keywords *regexp.Regexp
	to       string
}

var corrections = []correction{
	{from: "abdominal pain", keywords: regexp.MustCompile(`(?i)\b(diarrh(o)?ea|loose|watery)\b`), to: "diarrhea"},
	{from: "abdominal pain", keywords: regexp.MustCompile(`(?i)\b(vomit\w*|throw(ing)? up|threw up|puk\w*)\b`), to: "vomiting"},
	{from: "cough", keywords: regexp.MustCompile(`(?i)\bwheez\w*`), to: "wheezing"},
}

// PostProcess canonicalizes an extraction against the raw text it came from.
// It applies to remote and local results alike.
func PostProcess(ex domain.Extraction, text string) domain.Extraction {
	if ex.Entities == nil {
		ex.Entities = map[string]string{}
	}
	entities := make(map[string]string, len(ex.Entities))
	for k, v := range ex.Entities {
		k = strings.TrimSpace(strings.ToLower(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" || strings.EqualFold(v, "null") || strings.EqualFold(v, "unknown") {
			continue
		}
		entities[k] = v
	}

	if s, ok := entities["symptom"]; ok {
		symptom := normalize.Symptom(s)
		for _, c := range corrections {
			if symptom == c.from && c.keywords.MatchString(text) {
				symptom = c.to
				break
			}
		}
		if isNegatedIn(text, symptom) {
			delete(entities, "symptom")
		} else {
			entities["symptom"] = symptom
		}
	}

	if acc, ok := entities["accompanying_symptoms"]; ok {
		var items []string
		for _, part := range strings.FieldsFunc(acc, func(r rune) bool { return r == ',' || r == ';' || r == '、' }) {
			item := normalize.Symptom(part)
			if item != "" && item != entities["symptom"] {
				items = append(items, item)
			}
		}
		if items = pie.Sort(pie.Unique(items)); len(items) > 0 {
			entities["accompanying_symptoms"] = strings.Join(items, ", ")
		} else {
			delete(entities, "accompanying_symptoms")
		}
	}

	ex.Entities = entities
	if ex.Confidence < 0 {
		ex.Confidence = 0
	}
	if ex.Confidence > 1 {
		ex.Confidence = 1
	}
	if ex.Intent == "" {
		ex.Intent = domain.IntentUnknown
	}
	return ex
}

// isNegatedIn reports whether every mention of symptom in text is negated.
// A symptom that is not mentioned at all is never treated as negated.
func isNegatedIn(text, symptom string) bool {
	lower := " " + strings.ToLower(text) + " "
	mentioned, affirmed := false, false
	for _, form := range normalize.SymptomForms() {
		if normalize.Symptom(form) != symptom {
			continue
		}
		from := 0
		for {
			i := strings.Index(lower[from:], form)
			if i < 0 {
				break
			}
			start := from + i
			from = start + len(form)
			if !isBoundary(lower, start-1) || !isBoundary(lower, from) {
				continue
			}
			mentioned = true
			if !negated(lower[:start]) {
				affirmed = true
			}
		}
	}
	return mentioned && !affirmed
}
