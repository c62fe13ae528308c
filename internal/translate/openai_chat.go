package translate

import (
	"encoding/json"
	"fmt"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
)

const openAIChatURL = "https://api.openai.com/v1/chat/completions"

// OpenAIChatTranslator implements Translator for the legacy OpenAI
// OpenAI Chat Completions API.
type OpenAIChatTranslator struct{}

type chatFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// chatBodyWire is the Chat Completions request body, including the
// stream_options wrapper needed to receive a final usage chunk.
type chatBodyWire struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Tools      []chatTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
	Stream     bool          `json:"stream"`
	MaxTokens  int           `json:"max_tokens,omitempty"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

func (t OpenAIChatTranslator) Translate(chat canon.Chat, opts Options) (Request, error) {
	if err := chat.Validate(); err != nil {
		return Request{}, err
	}

	wire := chatBodyWire{
		Model:     opts.Model,
		Messages:  buildChatMessages(chat),
		Stream:    true,
		MaxTokens: opts.MaxTokens,
	}
	wire.StreamOptions.IncludeUsage = true

	if len(chat.Tools) > 0 {
		wire.ToolChoice = "auto"
		for _, tool := range chat.Tools {
			wire.Tools = append(wire.Tools, chatTool{
				Type: "function",
				Function: chatFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  canon.SanitizeToolSchema(tool.ParametersSchema, false),
				},
			})
		}
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return Request{}, fmt.Errorf("openai chat: marshal request: %w", err)
	}

	headers := []Header{
		{Name: "Authorization", Value: "Bearer " + opts.Token},
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Accept", Value: "text/event-stream"},
	}
	if opts.UserAgent != "" {
		headers = append(headers, Header{Name: "User-Agent", Value: opts.UserAgent})
	}

	return Request{
		Method:              "POST",
		URL:                 openAIChatURL,
		Headers:             headers,
		Body:                raw,
		ExpectedContentType: "text/event-stream",
	}, nil
}

// buildChatMessages renders the canonical chat into Chat Completions'
// flat message array. Each canonical message's text blocks and
// tool_call blocks collapse into one wire message (assistant tool-call
// batches become one assistant message carrying multiple tool_calls),
// followed by one "tool" wire message per tool_result block.
// canon.Chat.Validate does not keep tool_call and tool_result blocks
// out of the same message; if both appear, the tool results follow.
func buildChatMessages(chat canon.Chat) []chatMessage {
	out := make([]chatMessage, 0, len(chat.Messages))

	for _, m := range chat.Messages {
		var text string
		var calls []chatToolCall
		var results []chatMessage

		for _, b := range m.Content {
			switch b.Kind {
			case canon.BlockText:
				text += b.Text
			case canon.BlockToolCall:
				tc := chatToolCall{ID: b.ToolCallID, Type: "function"}
				tc.Function.Name = b.ToolName
				tc.Function.Arguments = b.ArgumentsRaw
				calls = append(calls, tc)
			case canon.BlockToolResult:
				results = append(results, chatMessage{
					Role:       string(canon.RoleTool),
					Content:    b.Output,
					ToolCallID: b.ToolResultCallID,
				})
			}
		}

		if text != "" || len(calls) > 0 {
			out = append(out, chatMessage{
				Role:      string(m.Role),
				Content:   text,
				ToolCalls: calls,
			})
		}
		out = append(out, results...)
	}

	return out
}
