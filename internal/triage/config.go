package triage

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/normalize"
)

//go:embed rules.yaml
var defaultRules []byte

// Op is a condition operator.
type Op string

const (
	OpEq       Op = "eq"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpContains Op = "contains"
)

// Field types understood by the slot schema.
const (
	FieldNumber   = "number"
	FieldDuration = "duration"
	FieldChoice   = "choice"
	FieldText     = "text"
)

// Condition compares one entity against a literal.
type Condition struct {
	Field string `yaml:"field" validate:"required"`
	Op    Op     `yaml:"op" validate:"required,oneof=eq lt lte gt gte contains"`
	Value string `yaml:"value"`
}

// DangerRule short-circuits triage to an emergency when all its conditions
// hold.
type DangerRule struct {
	ID         string      `yaml:"id" validate:"required"`
	Priority   int         `yaml:"priority"`
	Conditions []Condition `yaml:"conditions" validate:"required,min=1,dive"`
	Message    string      `yaml:"message" validate:"required"`
}

// DecisionRule maps a complete set of slots to a disposition.
type DecisionRule struct {
	ID         string             `yaml:"id" validate:"required"`
	Priority   int                `yaml:"priority"`
	Conditions []Condition        `yaml:"conditions" validate:"required,min=1,dive"`
	Level      domain.TriageLevel `yaml:"level" validate:"required,oneof=emergency urgent observe online self_care"`
	Reason     string             `yaml:"reason" validate:"required"`
	Action     string             `yaml:"action" validate:"required"`
}

// Relaxation lets a clearly light case skip the remaining slot prompts.
type Relaxation struct {
	ID         string      `yaml:"id" validate:"required"`
	Symptom    string      `yaml:"symptom" validate:"required"`
	Conditions []Condition `yaml:"conditions" validate:"required,min=1,dive"`
}

// FieldSpec describes how a slot is validated and rendered to the user.
type FieldSpec struct {
	Type    string            `yaml:"type" validate:"required,oneof=number duration choice text"`
	Label   string            `yaml:"label" validate:"required"`
	Prompt  string            `yaml:"prompt"`
	Options []string          `yaml:"options" validate:"required_if=Type choice"`
	Aliases map[string]string `yaml:"aliases"`
	Min     *float64          `yaml:"min"`
	Max     *float64          `yaml:"max"`
	Step    float64           `yaml:"step"`
}

// SlotDefinition lists the slots a symptom needs before a decision.
type SlotDefinition struct {
	Required []string `yaml:"required" validate:"required,min=1"`
	Optional []string `yaml:"optional"`
}

// Config is the immutable rule set. It is loaded once and only ever replaced
// as a whole.
type Config struct {
	Fields        map[string]FieldSpec      `yaml:"fields" validate:"required,dive"`
	Slots         map[string]SlotDefinition `yaml:"slots" validate:"required,dive"`
	GlobalDanger  []DangerRule              `yaml:"global_danger" validate:"dive"`
	SymptomDanger map[string][]DangerRule   `yaml:"symptom_danger" validate:"dive,dive"`
	Decisions     map[string][]DecisionRule `yaml:"decisions" validate:"dive,dive"`
	Relaxations   []Relaxation              `yaml:"relaxations" validate:"dive"`
}

// DefaultSlotKey is used for symptoms without their own slot definition.
const DefaultSlotKey = "default"

// ConfigurationError reports an invalid rule file. It is only ever returned at
// load time; a config that fails validation is never partially applied.
type ConfigurationError struct {
	Source string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("triage: invalid configuration %s: %v", e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// DefaultConfig returns the embedded rule set.
func DefaultConfig() (*Config, error) {
	return ParseConfig(defaultRules, "embedded:rules.yaml")
}

// LoadConfig reads and validates a rule file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Source: path, Err: oops.In("triage").With("path", path).Wrapf(err, "read rules")}
	}
	return ParseConfig(data, path)
}

// ParseConfig decodes, validates and sorts a rule document.
func ParseConfig(data []byte, source string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigurationError{Source: source, Err: oops.In("triage").With("source", source).Wrapf(err, "parse rules")}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigurationError{Source: source, Err: oops.In("triage").With("source", source).Wrapf(err, "validate rules")}
	}
	if err := cfg.crossCheck(); err != nil {
		return nil, &ConfigurationError{Source: source, Err: err}
	}

	sortDanger(cfg.GlobalDanger)
	for k := range cfg.SymptomDanger {
		sortDanger(cfg.SymptomDanger[k])
	}
	for k := range cfg.Decisions {
		rules := cfg.Decisions[k]
		sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	}
	return &cfg, nil
}

// crossCheck enforces references the struct tags cannot express.
func (c *Config) crossCheck() error {
	if _, ok := c.Slots[DefaultSlotKey]; !ok {
		return oops.In("triage").Errorf("slots.%s is required", DefaultSlotKey)
	}
	var errs []error
	for symptom, def := range c.Slots {
		for _, slot := range append(append([]string(nil), def.Required...), def.Optional...) {
			if _, ok := c.Fields[slot]; !ok {
				errs = append(errs, oops.In("triage").With("symptom", symptom).Errorf("slot %q has no field spec", slot))
			}
		}
	}
	seen := map[string]bool{}
	checkID := func(id string) {
		if seen[id] {
			errs = append(errs, oops.In("triage").With("rule", id).Errorf("duplicate rule id %q", id))
		}
		seen[id] = true
	}
	for _, r := range c.GlobalDanger {
		checkID(r.ID)
	}
	for _, rules := range c.SymptomDanger {
		for _, r := range rules {
			checkID(r.ID)
		}
	}
	for _, rules := range c.Decisions {
		for _, r := range rules {
			checkID(r.ID)
		}
	}
	for _, r := range c.Relaxations {
		checkID(r.ID)
	}
	for name, f := range c.Fields {
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			errs = append(errs, oops.In("triage").With("field", name).Errorf("min greater than max"))
		}
	}
	return errors.Join(errs...)
}

func sortDanger(rules []DangerRule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
}

// SlotsFor returns the slot definition for symptom, falling back to the
// default definition.
func (c *Config) SlotsFor(symptom string) SlotDefinition {
	if def, ok := c.Slots[symptom]; ok {
		return def
	}
	return c.Slots[DefaultSlotKey]
}

// Coerce validates a raw value for a known slot and returns its canonical
// form. Unknown keys pass through unchanged. ok is false when a known key
// holds a value outside its spec.
func (c *Config) Coerce(key, value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	spec, known := c.Fields[key]
	if !known {
		return value, true
	}

	switch spec.Type {
	case FieldNumber:
		var n float64
		var ok bool
		switch key {
		case "temperature":
			n, ok = normalize.Temperature(value)
			if !ok {
				n, ok = normalize.Number(value)
			}
		case "age_months":
			n, ok = normalize.AgeMonths(value)
		default:
			n, ok = normalize.Number(value)
		}
		if !ok || !spec.inRange(n) {
			return "", false
		}
		return normalize.FormatNumber(n), true
	case FieldDuration:
		h, ok := normalize.Duration(value)
		if !ok {
			h, ok = normalize.Number(value)
		}
		if !ok || !spec.inRange(h) {
			return "", false
		}
		return normalize.FormatNumber(h), true
	case FieldChoice:
		v := strings.ToLower(value)
		if alias, ok := spec.Aliases[v]; ok {
			v = alias
		}
		for _, opt := range spec.Options {
			if strings.EqualFold(opt, v) {
				return opt, true
			}
		}
		return "", false
	}
	return value, true
}

func (f FieldSpec) inRange(n float64) bool {
	if f.Min != nil && n < *f.Min {
		return false
	}
	if f.Max != nil && n > *f.Max {
		return false
	}
	return true
}
