package domain

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one message of a model prompt. Answer generation and
// extraction both build their prompts from it.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
