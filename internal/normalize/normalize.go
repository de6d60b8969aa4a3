// Package normalize canonicalizes symptom terms, durations and numeric values
// extracted from caregiver messages.
package normalize

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// symptomSynonyms maps every known surface form to its canonical term.
var symptomSynonyms = map[string]string{
	"fever":                "fever",
	"feverish":             "fever",
	"febrile":              "fever",
	"pyrexia":              "fever",
	"high temperature":     "fever",
	"temperature":          "fever",
	"burning up":           "fever",
	"running a fever":      "fever",
	"cough":                "cough",
	"coughing":             "cough",
	"barking cough":        "cough",
	"hacking cough":        "cough",
	"diarrhea":             "diarrhea",
	"diarrhoea":            "diarrhea",
	"loose stool":          "diarrhea",
	"loose stools":         "diarrhea",
	"watery stool":         "diarrhea",
	"watery stools":        "diarrhea",
	"runny poop":           "diarrhea",
	"vomiting":             "vomiting",
	"vomit":                "vomiting",
	"vomited":              "vomiting",
	"throwing up":          "vomiting",
	"threw up":             "vomiting",
	"puking":               "vomiting",
	"rash":                 "rash",
	"spots":                "rash",
	"hives":                "rash",
	"red bumps":            "rash",
	"runny nose":           "runny nose",
	"stuffy nose":          "runny nose",
	"nasal congestion":     "runny nose",
	"snotty nose":          "runny nose",
	"abdominal pain":       "abdominal pain",
	"stomach ache":         "abdominal pain",
	"stomachache":          "abdominal pain",
	"tummy ache":           "abdominal pain",
	"belly pain":           "abdominal pain",
	"convulsion":           "convulsion",
	"seizure":              "convulsion",
	"febrile seizure":      "convulsion",
	"wheezing":             "wheezing",
	"wheeze":               "wheezing",
	"difficulty breathing": "breathing difficulty",
	"trouble breathing":    "breathing difficulty",
	"shortness of breath":  "breathing difficulty",
	"ear pain":             "ear pain",
	"earache":              "ear pain",
	"sore throat":          "sore throat",
}

// Symptom returns the canonical term for text. Unknown input is returned
// lower-cased and trimmed so callers can still match it literally.
func Symptom(text string) string {
	key := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if canonical, ok := symptomSynonyms[key]; ok {
		return canonical
	}
	return key
}

// IsSymptom reports whether text is a known symptom form.
func IsSymptom(text string) bool {
	_, ok := symptomSynonyms[strings.Join(strings.Fields(strings.ToLower(text)), " ")]
	return ok
}

// SymptomForms returns all known surface forms, longest first, so scanners
// can match multi-word terms before their parts.
func SymptomForms() []string {
	forms := make([]string, 0, len(symptomSynonyms))
	for form := range symptomSynonyms {
		forms = append(forms, form)
	}
	sort.Slice(forms, func(i, j int) bool {
		if len(forms[i]) != len(forms[j]) {
			return len(forms[i]) > len(forms[j])
		}
		return forms[i] < forms[j]
	})
	return forms
}

var numberWords = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"a": 1, "an": 1,
}

var unitHours = map[string]float64{
	"minute": 1.0 / 60, "minutes": 1.0 / 60, "min": 1.0 / 60, "mins": 1.0 / 60,
	"hour": 1, "hours": 1, "hr": 1, "hrs": 1, "h": 1,
	"day": 24, "days": 24, "d": 24,
	"week": 168, "weeks": 168, "wk": 168, "wks": 168, "w": 168,
}

// durationPattern has two arms. Digits take any unit including the one-letter
// forms ("2h", "3 d"). Numeral words need whitespace and a spelled-out unit,
// so "and" or "ah" never read as a duration.
var durationPattern = regexp.MustCompile(
	`(?i)\b(?:(\d+(?:\.\d+)?)\s*(minutes?|mins?|hours?|hrs?|h|days?|d|weeks?|wks?|w)|(zero|one|two|three|four|five|six|seven|eight|nine|ten|an|a)[\s-]+(minutes?|mins?|hours?|hrs?|days?|weeks?|wks?))\b`)

// Duration converts a free-text duration into hours. Several mentions are
// summed ("1 day 6 hours" is 30). ok is false when nothing parses.
func Duration(text string) (hours float64, ok bool) {
	for _, m := range durationPattern.FindAllStringSubmatch(text, -1) {
		num, unit := m[1], m[2]
		if num == "" {
			num, unit = m[3], m[4]
		}
		n, numOK := parseNumberToken(num)
		if !numOK {
			continue
		}
		mult, unitOK := unitHours[strings.ToLower(unit)]
		if !unitOK {
			continue
		}
		hours += n * mult
		ok = true
	}
	if !ok {
		return 0, false
	}
	return round(hours, 4), true
}

var leadingNumber = regexp.MustCompile(`^[-+]?\d+(?:\.\d+)?`)

// Number coerces a rule operand or entity value to a float. It accepts plain
// digits, digits followed by a unit ("38.5°C", "12 months") and the numeral
// words zero through ten.
func Number(text string) (float64, bool) {
	s := strings.TrimSpace(strings.ToLower(text))
	if s == "" {
		return 0, false
	}
	if m := leadingNumber.FindString(s); m != "" {
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	first := strings.Fields(s)[0]
	if first == "a" || first == "an" {
		return 0, false
	}
	if n, ok := numberWords[first]; ok {
		return n, true
	}
	return 0, false
}

var temperaturePattern = regexp.MustCompile(`(?i)(\d{2,3}(?:\.\d+)?)\s*(?:°|degrees?|deg)?\s*(c|f|celsius|fahrenheit)?\b`)

// Temperature parses a body temperature and returns it in Celsius.
// Values above 50 are taken as Fahrenheit.
func Temperature(text string) (float64, bool) {
	for _, m := range temperaturePattern.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		unit := strings.ToLower(m[2])
		if strings.HasPrefix(unit, "f") || (unit == "" && v > 50) {
			v = (v - 32) * 5 / 9
		}
		if v < 30 || v > 45 {
			continue
		}
		return round(v, 1), true
	}
	return 0, false
}

var agePattern = regexp.MustCompile(
	`(?i)\b(?:(\d+(?:\.\d+)?)[\s-]*(years?|yrs?|y|months?|mos?|mo|weeks?|wks?|days?)|(one|two|three|four|five|six|seven|eight|nine|ten|an|a)[\s-]+(years?|yrs?|months?|mos?|weeks?|wks?|days?))\b`)

// AgeMonths parses an age such as "2 months", "3 years" or "six weeks" into
// months.
func AgeMonths(text string) (float64, bool) {
	m := agePattern.FindStringSubmatch(text)
	if m == nil {
		if n, ok := Number(text); ok {
			return n, true
		}
		return 0, false
	}
	num, unit := m[1], m[2]
	if num == "" {
		num, unit = m[3], m[4]
	}
	n, ok := parseNumberToken(num)
	if !ok {
		return 0, false
	}
	unit = strings.ToLower(unit)
	switch {
	case strings.HasPrefix(unit, "y"):
		n *= 12
	case strings.HasPrefix(unit, "w"):
		n = n * 7 / 30
	case strings.HasPrefix(unit, "d"):
		n /= 30
	}
	return round(n, 1), true
}

// FormatNumber renders f without trailing zeros.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseNumberToken(tok string) (float64, bool) {
	tok = strings.ToLower(tok)
	if n, ok := numberWords[tok]; ok {
		return n, true
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
