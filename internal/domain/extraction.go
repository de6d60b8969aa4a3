package domain

// Intents recognised by extraction.
const (
	IntentGreeting = "greeting"
	IntentTriage   = "triage"
	IntentSlotFill = "slot_fill"
	IntentConsult  = "consult"
	IntentUnknown  = "unknown"
)

// Extraction sources.
const (
	SourceRemote   = "remote"
	SourceLocal    = "local"
	SourceFastPath = "fastpath"
)

// Extraction is the structured reading of one utterance.
type Extraction struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
	Source     string            `json:"-"`
}

// ExtractionHints carry the dialogue context an extractor may use to
// interpret short replies.
type ExtractionHints struct {
	State       DialogueState     `json:"state,omitempty"`
	PendingSlot string            `json:"pending_slot,omitempty"`
	Symptom     string            `json:"symptom,omitempty"`
	Known       map[string]string `json:"known,omitempty"`
}
