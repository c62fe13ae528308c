package stream

import (
	"encoding/json"
	"strings"
)

type openAIChatToolAccum struct {
	id        string
	name      strings.Builder
	arguments strings.Builder
}

// OpenAIChatHandler implements Handler for the OpenAI Chat Completions
// OpenAI Chat streaming format.
type OpenAIChatHandler struct {
	text  strings.Builder
	tools map[int]*openAIChatToolAccum
	order []int
}

func NewOpenAIChatHandler() *OpenAIChatHandler {
	return &OpenAIChatHandler{tools: make(map[int]*openAIChatToolAccum)}
}

type openAIChatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (h *OpenAIChatHandler) HandleFrame(eventType, data string) []Event {
	if strings.TrimSpace(data) == "[DONE]" {
		return nil
	}

	var chunk openAIChatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}

	var events []Event

	if chunk.Usage != nil {
		events = append(events, UsageEvent(Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}))
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			h.text.WriteString(choice.Delta.Content)
			events = append(events, ContentEvent(choice.Delta.Content))
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := h.tools[tc.Index]
			if !ok {
				acc = &openAIChatToolAccum{}
				h.tools[tc.Index] = acc
				h.order = append(h.order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			acc.name.WriteString(tc.Function.Name)
			acc.arguments.WriteString(tc.Function.Arguments)
		}

		switch choice.FinishReason {
		case "tool_calls":
			events = append(events, FunctionCallEvent(h.assembledCalls()...))
			events = append(events, DoneEvent(map[string]string{"finish_reason": "tool_calls"}))
		case "stop":
			events = append(events, DoneEvent(map[string]string{"finish_reason": "stop"}))
		}
	}

	return events
}

func (h *OpenAIChatHandler) assembledCalls() []FunctionCall {
	calls := make([]FunctionCall, 0, len(h.order))
	for _, idx := range h.order {
		acc := h.tools[idx]
		calls = append(calls, FunctionCall{
			ID:        acc.id,
			Name:      acc.name.String(),
			Arguments: acc.arguments.String(),
		})
	}
	return calls
}
