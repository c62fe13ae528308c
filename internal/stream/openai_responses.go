package stream

import (
	"encoding/json"
	"strings"
)

// openAICall tracks one in-flight function_call item being assembled
// across response.function_call_arguments.delta events.
type openAICall struct {
	id        string
	callID    string
	name      string
	arguments strings.Builder
}

// OpenAIResponsesHandler implements Handler for the OpenAI Responses API
// OpenAI Responses event stream.
type OpenAIResponsesHandler struct {
	openCalls map[string]*openAICall // keyed by item.id

	// reasoning-JSON detector: some models stream a JSON object
	// `{"reasoning":...,"answer":...}` as if it were plain text content.
	reasoningBuf    strings.Builder
	reasoningGaveUp bool
}

// NewOpenAIResponsesHandler returns a fresh handler for one in-flight turn.
func NewOpenAIResponsesHandler() *OpenAIResponsesHandler {
	return &OpenAIResponsesHandler{openCalls: make(map[string]*openAICall)}
}

func (h *OpenAIResponsesHandler) HandleFrame(eventType, data string) []Event {
	switch eventType {
	case "response.output_text.delta", "response.message_content.delta":
		return h.handleTextDelta(deltaField(data))
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return []Event{ThoughtEvent(deltaField(data))}
	case "response.output_item.added":
		return h.handleItemAdded(data)
	case "response.function_call_arguments.delta":
		return h.handleArgsDelta(data)
	case "response.output_item.done":
		return h.handleItemDone(data)
	case "response.completed":
		return h.handleCompleted(data)
	case "response.failed":
		return h.handleFailed(data)
	default:
		return nil
	}
}

func (h *OpenAIResponsesHandler) handleTextDelta(delta string) []Event {
	if delta == "" {
		return nil
	}

	if h.reasoningGaveUp {
		return []Event{ContentEvent(delta)}
	}

	if h.reasoningBuf.Len() == 0 {
		trimmed := strings.TrimSpace(delta)
		if trimmed == "" {
			return nil
		}
		if trimmed[0] != '{' {
			h.reasoningGaveUp = true
			return []Event{ContentEvent(delta)}
		}
	}

	h.reasoningBuf.WriteString(delta)

	var parsed struct {
		Reasoning   string `json:"reasoning"`
		Answer      string `json:"answer"`
		Response    string `json:"response"`
		NextSpeaker string `json:"next_speaker"`
	}
	if err := json.Unmarshal([]byte(h.reasoningBuf.String()), &parsed); err != nil {
		// still assembling; emit nothing until the JSON object completes
		// or it proves to not be JSON after all.
		if !looksLikeJSONPrefix(h.reasoningBuf.String()) {
			// Not valid JSON and will never become valid: flush as content.
			h.reasoningGaveUp = true
			flushed := h.reasoningBuf.String()
			h.reasoningBuf.Reset()
			return []Event{ContentEvent(flushed)}
		}
		return nil
	}

	h.reasoningBuf.Reset()
	events := make([]Event, 0, 2)
	if parsed.Reasoning != "" {
		events = append(events, ContentEvent("Thinking: "+parsed.Reasoning+"\n\n"))
	}
	answer := parsed.Answer
	if answer == "" {
		answer = parsed.Response
	}
	if answer != "" {
		events = append(events, ContentEvent(answer))
	}
	return events
}

// looksLikeJSONPrefix is a best-effort check that buf could still be a
// prefix of valid JSON (balanced enough to keep buffering).
func looksLikeJSONPrefix(buf string) bool {
	trimmed := strings.TrimSpace(buf)
	return strings.HasPrefix(trimmed, "{")
}

func (h *OpenAIResponsesHandler) handleItemAdded(data string) []Event {
	var payload struct {
		Item struct {
			Type   string `json:"type"`
			ID     string `json:"id"`
			CallID string `json:"call_id"`
			Name   string `json:"name"`
		} `json:"item"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}
	if payload.Item.Type != "function_call" {
		return nil
	}
	h.openCalls[payload.Item.ID] = &openAICall{
		id:     payload.Item.ID,
		callID: payload.Item.CallID,
		name:   payload.Item.Name,
	}
	return nil
}

func (h *OpenAIResponsesHandler) handleArgsDelta(data string) []Event {
	var payload struct {
		ItemID string `json:"item_id"`
		Delta  string `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}
	if call, ok := h.openCalls[payload.ItemID]; ok {
		call.arguments.WriteString(payload.Delta)
	}
	return nil
}

func (h *OpenAIResponsesHandler) handleItemDone(data string) []Event {
	var payload struct {
		Item struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"item"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}
	if payload.Item.Type != "function_call" {
		return nil
	}
	call, ok := h.openCalls[payload.Item.ID]
	if !ok {
		return nil
	}
	delete(h.openCalls, payload.Item.ID)
	return []Event{FunctionCallEvent(FunctionCall{
		ID:        call.callID,
		Name:      call.name,
		Arguments: call.arguments.String(),
	})}
}

func (h *OpenAIResponsesHandler) handleCompleted(data string) []Event {
	var payload struct {
		Response struct {
			ID    string `json:"id"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
				TotalTokens  int `json:"total_tokens"`
			} `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return []Event{ErrorEvent("parse failure", "")}
	}
	return []Event{
		UsageEvent(Usage{
			PromptTokens:     payload.Response.Usage.InputTokens,
			CompletionTokens: payload.Response.Usage.OutputTokens,
			TotalTokens:      payload.Response.Usage.TotalTokens,
		}),
		DoneEvent(map[string]string{"response_id": payload.Response.ID}),
	}
}

func (h *OpenAIResponsesHandler) handleFailed(data string) []Event {
	var payload struct {
		Response struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"response"`
	}
	_ = json.Unmarshal([]byte(data), &payload)
	reason := payload.Response.Error.Message
	if reason == "" {
		reason = "response.failed"
	}
	return []Event{ErrorEvent(reason, "")}
}

func deltaField(data string) string {
	var payload struct {
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return ""
	}
	return payload.Delta
}
