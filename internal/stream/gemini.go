package stream

import (
	"encoding/json"
)

// GeminiHandler implements Handler for the Gemini streamGenerateContent
// Gemini SSE format.
type GeminiHandler struct{}

func NewGeminiHandler() *GeminiHandler { return &GeminiHandler{} }

type geminiPart struct {
	Text         string `json:"text"`
	Thought      bool   `json:"thought"`
	FunctionCall *struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall"`
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (h *GeminiHandler) HandleFrame(eventType, data string) []Event {
	var chunk geminiChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}

	var events []Event

	for _, cand := range chunk.Candidates {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				events = append(events, FunctionCallEvent(FunctionCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				}))
			case part.Thought:
				events = append(events, ThoughtEvent(part.Text))
			case part.Text != "":
				events = append(events, ContentEvent(part.Text))
			}
		}

		if cand.FinishReason != "" {
			events = append(events, DoneEvent(map[string]string{"finishReason": cand.FinishReason}))
		}
	}

	if chunk.UsageMetadata != nil {
		events = append(events, UsageEvent(Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}))
	}

	return events
}
