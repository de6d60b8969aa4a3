package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"pediatric-assistant/internal/domain"
)

const extractionTemperature = 0.1

const extractionPrompt = `You read messages from parents about a sick child and return structured data.
Classify the intent as one of: greeting, triage (a new health problem), slot_fill (answering a
question we asked), consult (a general question, not about a current illness), unknown.
Extract only facts stated in the message. Use these keys when they apply: symptom, age_months,
temperature (Celsius), duration_hours, mental_state, breathing, cough_type, stool_frequency,
vomit_frequency, urine_output, vomit_content, rash_appearance, accompanying_symptoms, medications,
allergies, medical_history. Convert ages to months and durations to hours. Never guess values.
Set confidence between 0 and 1.`

// extractionPayload mirrors the response schema. Entities come back as a list
// because strict schemas cannot describe open maps.
type extractionPayload struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Entities   []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"entities"`
}

func extractionResponseFormat() *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchemaConfig{
			Name:   "triage_extraction",
			Strict: true,
			Schema: json.RawMessage(`{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"intent":{"type":"string","enum":["greeting","triage","slot_fill","consult","unknown"]},
					"confidence":{"type":"number"},
					"entities":{
						"type":"array",
						"items":{
							"type":"object",
							"additionalProperties":false,
							"properties":{
								"key":{"type":"string"},
								"value":{"type":"string"}
							},
							"required":["key","value"]
						}
					}
				},
				"required":["intent","confidence","entities"]
			}`),
		},
	}
}

// Extract classifies text and pulls slot entities out of it. The dialogue
// hints tell the model which slot was asked for and what is already known.
func (c *Client) Extract(ctx context.Context, text string, hints domain.ExtractionHints) (domain.Extraction, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.Extraction{}, err
	}

	hintJSON, err := json.Marshal(hints)
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("openai: marshal hints: %w", err)
	}
	temperature := extractionTemperature
	body, err := json.Marshal(chatRequest{
		Model: c.chatModel,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: extractionPrompt},
			{Role: domain.RoleSystem, Content: "Conversation state: " + string(hintJSON)},
			{Role: domain.RoleUser, Content: text},
		},
		Temperature:    &temperature,
		ResponseFormat: extractionResponseFormat(),
	})
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.Extraction{}, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.Extraction{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return domain.Extraction{}, errors.New("openai: no choices in response")
	}
	return parseExtraction(payload.Choices[0].Message.Content)
}

// parseExtraction decodes the model's JSON, repairing truncated or sloppy
// output first.
func parseExtraction(content string) (domain.Extraction, error) {
	content = strings.TrimSpace(content)
	var p extractionPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			return domain.Extraction{}, fmt.Errorf("openai: repair extraction JSON: %w", repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &p); err != nil {
			return domain.Extraction{}, fmt.Errorf("openai: decode extraction: %w", err)
		}
	}

	ex := domain.Extraction{
		Intent:     p.Intent,
		Confidence: p.Confidence,
		Entities:   make(map[string]string, len(p.Entities)),
	}
	for _, e := range p.Entities {
		if k := strings.TrimSpace(e.Key); k != "" {
			ex.Entities[k] = e.Value
		}
	}
	return ex, nil
}
