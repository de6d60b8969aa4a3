package extract

import (
	"regexp"
	"strings"

	"github.com/elliotchance/pie/v2"

	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/normalize"
)

// Confidence assigned by the local paths. The remote path always wins when
// it is available.
const (
	confidenceGreeting = 0.6
	confidenceTriage   = 0.55
	confidenceSlotFill = 0.5
	confidenceConsult  = 0.4
	confidenceUnknown  = 0.2
	confidenceFastPath = 0.9
)

var (
	greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|hiya|good (morning|afternoon|evening)|thanks|thank you|你好|您好|谢谢)[\s!.,~]*(there|doctor|doc)?[\s!.,~]*$`)

	keyValuePattern = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z _]{1,30}?)\s*[:：=]\s*(.+?)\s*$`)

	agePattern = regexp.MustCompile(
		`(?i)\b(\d+(?:\.\d+)?|one|two|three|four|five|six|seven|eight|nine|ten|an|a)[\s-]*(years?|yrs?|months?|mos?|weeks?|wks?|days?)[\s-]*old\b`)

	degreeMention  = regexp.MustCompile(`(?i)\b(\d{2,3}(?:\.\d+)?)\s*(?:°\s*[cf]?|degrees?(?:\s*[cf]\b)?|[cf]\b)`)
	contextMention = regexp.MustCompile(`(?i)\b(?:temp(?:erature)?|fever|thermometer)\D{0,15}(\d{2,3}(?:\.\d+)?)`)

	questionPattern = regexp.MustCompile(`(?i)(\?|？)\s*$|^\s*(how|what|why|when|which|can|could|should|is|are|do|does)\b`)
)

// mentalStateTerms maps surface phrases to mental_state options, most severe
// first so "sleepy and won't wake" reads as unresponsive.
var mentalStateTerms = []struct {
	pattern *regexp.Regexp
	value   string
}{
	{regexp.MustCompile(`(?i)\b(unresponsive|won'?t wake|can'?t wake|not waking|hard to wake)\b`), "unresponsive"},
	{regexp.MustCompile(`(?i)\b(lethargic|floppy|limp|listless|very (sleepy|drowsy))\b`), "lethargic"},
	{regexp.MustCompile(`(?i)\b(irritable|fussy|cranky|inconsolable)\b`), "irritable"},
	{regexp.MustCompile(`(?i)\b(playful|active|alert|acting (normal|fine)|in good spirits)\b`), "normal"},
}

// keyAliases maps the labels caregivers type in "key: value" replies to
// slot names.
var keyAliases = map[string]string{
	"age":         "age_months",
	"age months":  "age_months",
	"temp":        "temperature",
	"temperature": "temperature",
	"duration":    "duration_hours",
	"how long":    "duration_hours",
	"symptom":     "symptom",
	"symptoms":    "symptom",
	"mood":        "mental_state",
	"mental":      "mental_state",
	"alertness":   "mental_state",
	"medicine":    "medications",
	"medication":  "medications",
	"medications": "medications",
	"allergy":     "allergies",
	"allergies":   "allergies",
}

// Local reads an utterance with regular expressions only. It never fails and
// never calls out.
func Local(text string) domain.Extraction {
	out := domain.Extraction{Entities: map[string]string{}, Source: domain.SourceLocal}
	symptoms := scanSymptoms(text)

	if len(symptoms) == 0 && greetingPattern.MatchString(text) {
		out.Intent = domain.IntentGreeting
		out.Confidence = confidenceGreeting
		return out
	}

	structured := false
	for _, m := range keyValuePattern.FindAllStringSubmatch(text, -1) {
		key := strings.Join(strings.Fields(strings.ToLower(m[1])), " ")
		if alias, ok := keyAliases[key]; ok {
			key = alias
		} else {
			key = strings.ReplaceAll(key, " ", "_")
		}
		out.Entities[key] = m[2]
		structured = true
	}

	if len(symptoms) > 0 {
		if _, ok := out.Entities["symptom"]; !ok {
			out.Entities["symptom"] = symptoms[0]
			symptoms = symptoms[1:]
		}
		if len(symptoms) > 0 {
			out.Entities["accompanying_symptoms"] = strings.Join(symptoms, ", ")
		}
	}

	rest := text
	if m := agePattern.FindStringSubmatch(text); m != nil {
		if months, ok := normalize.AgeMonths(m[0]); ok {
			if _, set := out.Entities["age_months"]; !set {
				out.Entities["age_months"] = normalize.FormatNumber(months)
			}
		}
		rest = strings.Replace(rest, m[0], " ", 1)
	}
	// Structured "key: value" replies win over mentions found in free text.
	setIfAbsent := func(key, value string) {
		if _, set := out.Entities[key]; !set {
			out.Entities[key] = value
		}
	}
	if t, ok := temperatureMention(rest); ok {
		setIfAbsent("temperature", normalize.FormatNumber(t))
	}
	if h, ok := normalize.Duration(rest); ok {
		setIfAbsent("duration_hours", normalize.FormatNumber(h))
	}
	for _, term := range mentalStateTerms {
		if term.pattern.MatchString(text) {
			setIfAbsent("mental_state", term.value)
			break
		}
	}

	switch {
	case structured:
		out.Intent, out.Confidence = domain.IntentSlotFill, confidenceSlotFill
	case out.Entities["symptom"] != "":
		out.Intent, out.Confidence = domain.IntentTriage, confidenceTriage
	case len(out.Entities) > 0:
		out.Intent, out.Confidence = domain.IntentSlotFill, confidenceSlotFill
	case questionPattern.MatchString(text):
		out.Intent, out.Confidence = domain.IntentConsult, confidenceConsult
	default:
		out.Intent, out.Confidence = domain.IntentUnknown, confidenceUnknown
	}
	return out
}

// scanSymptoms returns the canonical symptoms mentioned in text in order of
// appearance, matching multi-word forms before their parts and skipping
// negated mentions ("no fever").
func scanSymptoms(text string) []string {
	lower := " " + strings.ToLower(text) + " "
	type hit struct {
		pos  int
		term string
	}
	var hits []hit
	taken := make([]bool, len(lower))
	for _, form := range normalize.SymptomForms() {
		from := 0
		for {
			i := strings.Index(lower[from:], form)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(form)
			from = end
			if !isBoundary(lower, start-1) || !isBoundary(lower, end) || overlaps(taken, start, end) {
				continue
			}
			for j := start; j < end; j++ {
				taken[j] = true
			}
			if negated(lower[:start]) {
				continue
			}
			hits = append(hits, hit{pos: start, term: normalize.Symptom(form)})
		}
	}
	hits = pie.SortUsing(hits, func(a, b hit) bool { return a.pos < b.pos })
	terms := make([]string, 0, len(hits))
	for _, h := range hits {
		if !pie.Contains(terms, h.term) {
			terms = append(terms, h.term)
		}
	}
	return terms
}

var negationSuffix = regexp.MustCompile(`(?i)\b(no|not|without|denies|never)\s+(?:have\s+|has\s+|had\s+)?(?:a\s+|any\s+)?(?:high\s+)?$`)

func negated(prefix string) bool {
	return negationSuffix.MatchString(prefix)
}

func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}

func overlaps(taken []bool, start, end int) bool {
	for j := start; j < end; j++ {
		if taken[j] {
			return true
		}
	}
	return false
}

func temperatureMention(text string) (float64, bool) {
	for _, p := range []*regexp.Regexp{degreeMention, contextMention} {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if t, ok := normalize.Temperature(m[0]); ok {
				return t, true
			}
		}
	}
	return 0, false
}

var (
	bareNumber   = regexp.MustCompile(`^\s*[-+]?\d+(?:\.\d+)?\s*(?:°\s*[cf]?|degrees?)?\s*$`)
	bareNumeral  = regexp.MustCompile(`(?i)^\s*(zero|one|two|three|four|five|six|seven|eight|nine|ten)\s*$`)
	bareDuration = regexp.MustCompile(
		`(?i)^\s*(?:about|around|for|since)?\s*(\d+(?:\.\d+)?|zero|one|two|three|four|five|six|seven|eight|nine|ten|an|a)\s*(minutes?|mins?|hours?|hrs?|h|days?|d|weeks?|wks?|w)\s*(?:now|ago)?\s*[.!]?\s*$`)
	bareAge = regexp.MustCompile(
		`(?i)^\s*(\d+(?:\.\d+)?|one|two|three|four|five|six|seven|eight|nine|ten|an|a)\s*(years?|yrs?|months?|mos?|weeks?|wks?)(?:\s*old)?\s*[.!]?\s*$`)
)

// FastPath answers the common one-token reply to a pending numeric slot
// without calling out. ok is false when text is anything but a bare number,
// numeral or duration.
func FastPath(text, pendingSlot string) (domain.Extraction, bool) {
	if pendingSlot == "" || len(text) > 40 {
		return domain.Extraction{}, false
	}
	var value string
	switch {
	case bareDuration.MatchString(text) && pendingSlot == "duration_hours":
		h, ok := normalize.Duration(text)
		if !ok {
			return domain.Extraction{}, false
		}
		value = normalize.FormatNumber(h)
	case bareAge.MatchString(text) && pendingSlot == "age_months":
		m, ok := normalize.AgeMonths(text)
		if !ok {
			return domain.Extraction{}, false
		}
		value = normalize.FormatNumber(m)
	case bareNumber.MatchString(text) && pendingSlot == "temperature":
		t, ok := normalize.Temperature(text)
		if !ok {
			return domain.Extraction{}, false
		}
		value = normalize.FormatNumber(t)
	case bareNumber.MatchString(text), bareNumeral.MatchString(text):
		n, ok := normalize.Number(text)
		if !ok {
			return domain.Extraction{}, false
		}
		value = normalize.FormatNumber(n)
	default:
		return domain.Extraction{}, false
	}
	return domain.Extraction{
		Intent:     domain.IntentSlotFill,
		Confidence: confidenceFastPath,
		Entities:   map[string]string{pendingSlot: value},
		Source:     domain.SourceFastPath,
	}, true
}
