// Package triage evaluates accumulated conversation facts against the danger,
// slot-completeness and decision rules.
package triage

import (
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/normalize"
)

// SymptomKey is the entity that selects the symptom-specific rule tables.
const SymptomKey = "symptom"

const emergencyAction = "Call emergency services or go to the nearest emergency department now."

// Result is the outcome of one evaluation. Exactly one of Danger, Missing or
// a non-emergency Snapshot describes the next step.
type Result struct {
	Symptom  string
	Danger   *domain.DangerSignal
	Missing  []string
	Relaxed  string
	Snapshot *domain.TriageSnapshot
}

// Decided reports whether the evaluation produced a snapshot.
func (r Result) Decided() bool {
	return r.Snapshot != nil
}

// Engine evaluates entities against the active rule set. The rule set is
// immutable and swapped as a whole on reload.
type Engine struct {
	cfg    atomic.Pointer[Config]
	logger *slog.Logger
}

// NewEngine returns an engine over cfg.
func NewEngine(cfg *Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("triage: config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	e.cfg.Store(cfg)
	return e, nil
}

// Config returns the active rule set.
func (e *Engine) Config() *Config {
	return e.cfg.Load()
}

// Reload validates the rule file at path and swaps it in. On error the
// active rule set is kept.
func (e *Engine) Reload(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	e.cfg.Store(cfg)
	e.logger.Info("triage rules reloaded", "path", path)
	return nil
}

// Evaluate runs the danger check, the slot check and the decision over
// entities. It never fails; values that cannot be interpreted make only
// their own condition false.
func (e *Engine) Evaluate(entities domain.Entities, now time.Time) Result {
	cfg := e.cfg.Load()
	symptom := ""
	if s, ok := entities.String(SymptomKey); ok {
		symptom = normalize.Symptom(s)
	}
	res := Result{Symptom: symptom}

	if rule := cfg.matchDanger(symptom, entities); rule != nil {
		res.Danger = &domain.DangerSignal{RuleID: rule.ID, Message: rule.Message, DetectedAt: now}
		res.Snapshot = &domain.TriageSnapshot{
			Level:     domain.LevelEmergency,
			Reason:    rule.Message,
			Action:    emergencyAction,
			RuleID:    rule.ID,
			DecidedAt: now,
		}
		return res
	}

	if symptom == "" {
		res.Missing = []string{SymptomKey}
		return res
	}

	res.Missing = cfg.MissingSlots(symptom, entities)
	if len(res.Missing) > 0 {
		relax := cfg.matchRelaxation(symptom, entities)
		if relax == nil {
			return res
		}
		res.Missing = nil
		res.Relaxed = relax.ID
	}

	res.Snapshot = cfg.decide(symptom, entities, now)
	return res
}

// MissingSlots returns the required slots for symptom that entities does not
// yet hold, in definition order.
func (c *Config) MissingSlots(symptom string, entities domain.Entities) []string {
	var missing []string
	for _, slot := range c.SlotsFor(symptom).Required {
		if !entities.Has(slot) {
			missing = append(missing, slot)
		}
	}
	return missing
}

func (c *Config) matchDanger(symptom string, entities domain.Entities) *DangerRule {
	for i := range c.GlobalDanger {
		if matchAll(c.GlobalDanger[i].Conditions, entities) {
			return &c.GlobalDanger[i]
		}
	}
	rules := c.SymptomDanger[symptom]
	for i := range rules {
		if matchAll(rules[i].Conditions, entities) {
			return &rules[i]
		}
	}
	return nil
}

func (c *Config) matchRelaxation(symptom string, entities domain.Entities) *Relaxation {
	for i := range c.Relaxations {
		r := &c.Relaxations[i]
		if r.Symptom == symptom && matchAll(r.Conditions, entities) {
			return r
		}
	}
	return nil
}

func (c *Config) decide(symptom string, entities domain.Entities, now time.Time) *domain.TriageSnapshot {
	for _, rule := range c.Decisions[symptom] {
		if matchAll(rule.Conditions, entities) {
			return &domain.TriageSnapshot{
				Level:     rule.Level,
				Reason:    rule.Reason,
				Action:    rule.Action,
				RuleID:    rule.ID,
				DecidedAt: now,
			}
		}
	}
	if h := matchHeuristic(symptom, entities); h != nil {
		return &domain.TriageSnapshot{
			Level:     h.level,
			Reason:    h.reason,
			Action:    h.action,
			RuleID:    h.id,
			DecidedAt: now,
		}
	}
	return &domain.TriageSnapshot{
		Level:     domain.LevelObserve,
		Reason:    "No warning signs were found in the information provided.",
		Action:    "Keep observing at home and come back if symptoms change or new ones appear.",
		RuleID:    "default_observe",
		DecidedAt: now,
	}
}

// Match reports whether the condition holds for entities. An absent field
// or a value that cannot be compared makes the condition false.
func (c Condition) Match(entities domain.Entities) bool {
	values := entities.List(c.Field)
	if len(values) == 0 {
		return false
	}
	want := strings.TrimSpace(c.Value)

	switch c.Op {
	case OpContains:
		needle := strings.ToLower(want)
		for _, v := range values {
			if strings.Contains(strings.ToLower(v), needle) {
				return true
			}
		}
		return false
	case OpEq:
		for _, v := range values {
			if equalValues(v, want) {
				return true
			}
		}
		return false
	case OpLt, OpLte, OpGt, OpGte:
		got, ok := numericValue(c.Field, values[0])
		if !ok {
			return false
		}
		limit, ok := normalize.Number(want)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLt:
			return got < limit
		case OpLte:
			return got <= limit
		case OpGt:
			return got > limit
		default:
			return got >= limit
		}
	}
	return false
}

func matchAll(conds []Condition, entities domain.Entities) bool {
	for _, c := range conds {
		if !c.Match(entities) {
			return false
		}
	}
	return len(conds) > 0
}

func equalValues(got, want string) bool {
	got = strings.TrimSpace(got)
	if a, ok := singleNumber(got); ok {
		if b, ok := singleNumber(want); ok {
			return a == b
		}
	}
	return strings.EqualFold(got, want)
}

// singleNumber coerces a one-token value such as "3" or "three", so that
// "3 days" is never equal to "3".
func singleNumber(s string) (float64, bool) {
	if len(strings.Fields(s)) != 1 {
		return 0, false
	}
	return normalize.Number(s)
}

func numericValue(field, raw string) (float64, bool) {
	switch field {
	case "temperature":
		if t, ok := normalize.Temperature(raw); ok {
			return t, true
		}
	case "duration_hours":
		if h, ok := normalize.Duration(raw); ok {
			return h, true
		}
	case "age_months":
		return normalize.AgeMonths(raw)
	}
	return normalize.Number(raw)
}

type heuristic struct {
	id     string
	level  domain.TriageLevel
	reason string
	action string
	match  func(domain.Entities) bool
}

func atLeast(field string, limit float64) func(domain.Entities) bool {
	return func(e domain.Entities) bool {
		v, ok := e.String(field)
		if !ok {
			return false
		}
		n, ok := numericValue(field, v)
		return ok && n >= limit
	}
}

func below(field string, limit float64) func(domain.Entities) bool {
	return func(e domain.Entities) bool {
		v, ok := e.String(field)
		if !ok {
			return false
		}
		n, ok := numericValue(field, v)
		return ok && n < limit
	}
}

// Heuristics apply after the configured decision rules and before the
// default disposition. Symptom-specific entries run before the general ones.
var symptomHeuristics = map[string][]heuristic{
	"fever": {
		{
			id:     "fever_persistent",
			level:  domain.LevelOnline,
			reason: "Fever lasting three days or more.",
			action: "Book a consultation so a doctor can look for the cause.",
			match:  atLeast("duration_hours", 72),
		},
		{
			id:     "fever_high",
			level:  domain.LevelOnline,
			reason: "Temperature of 39.5°C or higher.",
			action: "Give fluids, consider a fever reducer and book an online consultation.",
			match:  atLeast("temperature", 39.5),
		},
	},
	"diarrhea": {
		{
			id:     "diarrhea_persistent",
			level:  domain.LevelOnline,
			reason: "Diarrhea lasting more than two days.",
			action: "Book a consultation and keep offering oral rehydration solution.",
			match:  atLeast("duration_hours", 48),
		},
	},
}

var generalHeuristics = []heuristic{
	{
		id:     "young_infant",
		level:  domain.LevelOnline,
		reason: "Symptoms in a baby under 6 months.",
		action: "Book an online consultation to have a doctor review the symptoms.",
		match:  below("age_months", 6),
	},
	{
		id:     "prolonged_symptoms",
		level:  domain.LevelOnline,
		reason: "Symptoms lasting a week or more.",
		action: "Book a consultation to review the ongoing symptoms.",
		match:  atLeast("duration_hours", 168),
	},
}

func matchHeuristic(symptom string, entities domain.Entities) *heuristic {
	for i := range symptomHeuristics[symptom] {
		if h := &symptomHeuristics[symptom][i]; h.match(entities) {
			return h
		}
	}
	for i := range generalHeuristics {
		if h := &generalHeuristics[i]; h.match(entities) {
			return h
		}
	}
	return nil
}

// Coerce validates value against the active rule set's slot schema.
func (e *Engine) Coerce(key, value string) (string, bool) {
	return e.cfg.Load().Coerce(key, value)
}
