package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DialogueState is the per-conversation state of the triage dialogue.
type DialogueState string

const (
	StateInitial         DialogueState = "initial"
	StateCollectingSlots DialogueState = "collecting_slots"
	StateReadyForTriage  DialogueState = "ready_for_triage"
	StateTriageComplete  DialogueState = "triage_complete"
	StateDangerDetected  DialogueState = "danger_detected"
	StateRAGQuery        DialogueState = "rag_query"
	StateGreeting        DialogueState = "greeting"
)

// TriageLevel is the disposition of a triage decision, most severe first.
type TriageLevel string

const (
	LevelEmergency TriageLevel = "emergency"
	LevelUrgent    TriageLevel = "urgent"
	LevelObserve   TriageLevel = "observe"
	LevelOnline    TriageLevel = "online"
	LevelSelfCare  TriageLevel = "self_care"
)

// ValidLevel reports whether l is one of the known triage levels.
func ValidLevel(l TriageLevel) bool {
	switch l {
	case LevelEmergency, LevelUrgent, LevelObserve, LevelOnline, LevelSelfCare:
		return true
	}
	return false
}

// TriageSnapshot is an immutable decision record. It is always replaced as a
// whole, never edited field by field.
type TriageSnapshot struct {
	Level     TriageLevel `json:"level"`
	Reason    string      `json:"reason"`
	Action    string      `json:"action"`
	RuleID    string      `json:"rule_id,omitempty"`
	DecidedAt time.Time   `json:"decided_at"`
}

// DangerSignal records the danger rule that fired for a conversation.
type DangerSignal struct {
	RuleID     string    `json:"rule_id"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

// ConversationContext is the accumulated state of one conversation.
// It is owned by the entity store; callers mutate it only through Merge and
// Update.
type ConversationContext struct {
	ConversationID   string          `json:"conversation_id"`
	UserID           string          `json:"user_id"`
	State            DialogueState   `json:"dialogue_state"`
	CurrentIntent    string          `json:"current_intent"`
	ChiefComplaint   string          `json:"chief_complaint"`
	Entities         Entities        `json:"merged_entities"`
	DangerSignal     *DangerSignal   `json:"danger_signal,omitempty"`
	Triage           *TriageSnapshot `json:"triage_snapshot,omitempty"`
	TurnCount        int             `json:"turn_count"`
	RecentUtterances []string        `json:"recent_utterances,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewConversationContext returns an empty context in the initial state.
func NewConversationContext(conversationID, userID string, now time.Time) *ConversationContext {
	return &ConversationContext{
		ConversationID: conversationID,
		UserID:         userID,
		State:          StateInitial,
		Entities:       Entities{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy so cached values are never shared with callers.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Entities = c.Entities.Clone()
	if c.DangerSignal != nil {
		d := *c.DangerSignal
		out.DangerSignal = &d
	}
	if c.Triage != nil {
		t := *c.Triage
		out.Triage = &t
	}
	out.RecentUtterances = append([]string(nil), c.RecentUtterances...)
	return &out
}

// Remember appends a raw user utterance, keeping at most limit entries.
func (c *ConversationContext) Remember(text string, limit int) {
	text = strings.TrimSpace(text)
	if text == "" || limit <= 0 {
		return
	}
	c.RecentUtterances = append(c.RecentUtterances, text)
	if len(c.RecentUtterances) > limit {
		c.RecentUtterances = c.RecentUtterances[len(c.RecentUtterances)-limit:]
	}
}

// Entities maps slot names to extracted values. Each value is either a
// string or a []string for accumulating fields.
type Entities map[string]any

// Clone returns a deep copy of e.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		if list, ok := v.([]string); ok {
			out[k] = append([]string(nil), list...)
			continue
		}
		out[k] = v
	}
	return out
}

// String returns the scalar value for key. List values are joined with ", ".
func (e Entities) String(key string) (string, bool) {
	switch v := e[key].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	case []string:
		if len(v) == 0 {
			return "", false
		}
		return strings.Join(v, ", "), true
	}
	return "", false
}

// List returns the values for key as a slice.
func (e Entities) List(key string) []string {
	switch v := e[key].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	}
	return nil
}

// Has reports whether key holds a non-empty value.
func (e Entities) Has(key string) bool {
	_, ok := e.String(key)
	return ok
}

// Keys returns the entity names in sorted order.
func (e Entities) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flatten renders the entities as plain strings, joining lists.
func (e Entities) Flatten() map[string]string {
	out := make(map[string]string, len(e))
	for k := range e {
		if v, ok := e.String(k); ok {
			out[k] = v
		}
	}
	return out
}

// UnmarshalJSON restores list values as []string instead of []any.
func (e *Entities) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Entities, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case []any:
			list := make([]string, 0, len(val))
			for _, item := range val {
				list = append(list, fmt.Sprint(item))
			}
			out[k] = list
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	*e = out
	return nil
}
