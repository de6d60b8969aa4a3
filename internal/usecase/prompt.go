package usecase

import (
	"fmt"
	"strings"

	"pediatric-assistant/internal/domain"
)

const maxReferenceChars = 1200

func buildAnswerMessages(question string, entities domain.Entities, results []domain.RetrievalResult) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildPolicyPrompt()},
		{Role: domain.RoleSystem, Content: buildReferencePrompt(results)},
	}
	if facts := buildChildFactsPrompt(entities); facts != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: facts})
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: question})
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a pediatric health information assistant talking to a parent or caregiver.",
		"",
		"Task:",
		"Answer the caregiver's question using the reference material provided in this request.",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current question.",
		"2) Use only the numbered reference material and the child facts as sources.",
		"3) Never give medication doses, dosing intervals or prescriptions.",
		"4) Never promise a cure or state that something is guaranteed to work.",
		"5) If the references do not cover the question, say so and suggest asking the child's doctor.",
		"6) Tell the caregiver to seek urgent care for breathing difficulty, unresponsiveness or seizures.",
	}, "\n")
}

func outputContract() string {
	return "Reply in plain text, in the language of the question, in at most 150 words. " +
		"Cite the references you used as [1], [2] or [3]."
}

func buildReferencePrompt(results []domain.RetrievalResult) string {
	if len(results) == 0 {
		return "Reference Material:\n(none found)"
	}
	var b strings.Builder
	b.WriteString("Reference Material:")
	for i, r := range results {
		if r.Entry == nil {
			continue
		}
		fmt.Fprintf(&b, "\n\n[%d] %s\n%s", i+1, r.Entry.Title, truncate(normalizePromptInput(r.Entry.Content), maxReferenceChars))
	}
	return b.String()
}

func buildChildFactsPrompt(entities domain.Entities) string {
	if len(entities) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entities))
	for _, k := range entities.Keys() {
		if v, ok := entities.String(k); ok {
			lines = append(lines, fmt.Sprintf("- %s: %s", k, normalizePromptInput(v)))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Child Facts:\n" + strings.Join(lines, "\n")
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
