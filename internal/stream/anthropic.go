package stream

import (
	"encoding/json"
	"strings"
)

type anthropicToolAccum struct {
	id    string
	name  string
	input strings.Builder
}

// AnthropicHandler implements Handler for the Anthropic Messages
// Anthropic streaming format.
type AnthropicHandler struct {
	openBlocks map[int]*anthropicToolAccum
}

func NewAnthropicHandler() *AnthropicHandler {
	return &AnthropicHandler{openBlocks: make(map[int]*anthropicToolAccum)}
}

func (h *AnthropicHandler) HandleFrame(eventType, data string) []Event {
	switch eventType {
	case "message_start":
		return h.handleMessageStart(data)
	case "content_block_start":
		return h.handleBlockStart(data)
	case "content_block_delta":
		return h.handleBlockDelta(data)
	case "content_block_stop":
		return h.handleBlockStop(data)
	case "message_delta":
		return h.handleMessageDelta(data)
	case "message_stop":
		return []Event{DoneEvent(nil)}
	default:
		return nil
	}
}

func (h *AnthropicHandler) handleMessageStart(data string) []Event {
	var payload struct {
		Message struct {
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}
	return []Event{UsageEvent(Usage{
		PromptTokens:     payload.Message.Usage.InputTokens,
		CompletionTokens: payload.Message.Usage.OutputTokens,
		TotalTokens:      payload.Message.Usage.InputTokens + payload.Message.Usage.OutputTokens,
	})}
}

func (h *AnthropicHandler) handleBlockStart(data string) []Event {
	var payload struct {
		Index        int `json:"index"`
		ContentBlock struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}
	if payload.ContentBlock.Type == "tool_use" {
		h.openBlocks[payload.Index] = &anthropicToolAccum{
			id:   payload.ContentBlock.ID,
			name: payload.ContentBlock.Name,
		}
	}
	return nil
}

func (h *AnthropicHandler) handleBlockDelta(data string) []Event {
	var payload struct {
		Index int `json:"index"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}

	switch payload.Delta.Type {
	case "text_delta":
		return []Event{ContentEvent(payload.Delta.Text)}
	case "input_json_delta":
		if acc, ok := h.openBlocks[payload.Index]; ok {
			acc.input.WriteString(payload.Delta.PartialJSON)
		}
	}
	return nil
}

func (h *AnthropicHandler) handleBlockStop(data string) []Event {
	var payload struct {
		Index int `json:"index"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}

	acc, ok := h.openBlocks[payload.Index]
	if !ok {
		return nil
	}
	delete(h.openBlocks, payload.Index)

	raw := acc.input.String()
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}
	reencoded, err := json.Marshal(parsed)
	if err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}

	return []Event{FunctionCallEvent(FunctionCall{
		ID:        acc.id,
		Name:      acc.name,
		Arguments: string(reencoded),
	})}
}

func (h *AnthropicHandler) handleMessageDelta(data string) []Event {
	var payload struct {
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}
	return []Event{UsageEvent(Usage{CompletionTokens: payload.Usage.OutputTokens})}
}
