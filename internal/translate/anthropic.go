package translate

import (
	"encoding/json"
	"fmt"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
)

const anthropicMessagesURL = "https://api.anthropic.com/v1/messages"

// AnthropicTranslator implements Translator for the Anthropic Messages
// Anthropic Messages API, including the OAuth system-prompt
// consistency fix-up and first-turn llxprt primer injection.
type AnthropicTranslator struct{}

type anthropicSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolUseBlock struct {
	Type  string                 `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

type anthropicToolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicMessage struct {
	Role    string        `json:"role"`
	Content []interface{} `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type anthropicBody struct {
	Model       string                 `json:"model"`
	System      []anthropicSystemBlock `json:"system,omitempty"`
	Messages    []anthropicMessage     `json:"messages"`
	Tools       []anthropicTool        `json:"tools,omitempty"`
	ToolChoice  map[string]interface{} `json:"tool_choice,omitempty"`
	MaxTokens   int                    `json:"max_tokens"`
	Stream      bool                   `json:"stream"`
}

func (t AnthropicTranslator) Translate(chat canon.Chat, opts Options) (Request, error) {
	if err := chat.Validate(); err != nil {
		return Request{}, err
	}

	isOAuth := opts.AuthMode == AuthOAuth

	body := anthropicBody{
		Model:     opts.Model,
		MaxTokens: nonZeroOr(opts.MaxTokens, 4096),
		Stream:    true,
	}

	if isOAuth {
		// The Anthropic OAuth endpoint rejects anything but this exact
		// system block; a caller-supplied system message is dropped,
		// never appended alongside it.
		body.System = []anthropicSystemBlock{{Type: "text", Text: AnthropicOAuthSystemPrompt}}
	} else if system := extractSystemText(chat); system != "" {
		body.System = []anthropicSystemBlock{{Type: "text", Text: system}}
	}

	body.Messages = buildAnthropicMessages(chat)

	injectPrimer := isOAuth
	if !opts.AnthropicInjectPrimer && isOAuth {
		injectPrimer = false
	}
	if injectPrimer && !anthropicAlreadyHasPrimer(body.Messages) {
		body.Messages = append([]anthropicMessage{
			{Role: "user", Content: []interface{}{anthropicTextBlock{Type: "text", Text: AnthropicOAuthFirstTurnUserPrimer}}},
			{Role: "assistant", Content: []interface{}{anthropicTextBlock{Type: "text", Text: AnthropicOAuthFirstTurnAssistantAck}}},
		}, body.Messages...)
	}

	if opts.ToolChoiceAuto && len(chat.Tools) > 0 {
		body.ToolChoice = map[string]interface{}{"type": "auto"}
	}

	for _, tool := range chat.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: canon.SanitizeToolSchema(tool.ParametersSchema, false),
		})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	headers := []Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Accept", Value: "text/event-stream"},
		{Name: "anthropic-version", Value: "2023-06-01"},
	}
	if isOAuth {
		headers = append(headers, Header{Name: "Authorization", Value: "Bearer " + opts.Token})
		headers = append(headers, Header{Name: "anthropic-beta", Value: "oauth-2025-04-20"})
	} else {
		headers = append(headers, Header{Name: "x-api-key", Value: opts.Token})
	}
	if opts.UserAgent != "" {
		headers = append(headers, Header{Name: "User-Agent", Value: opts.UserAgent})
	}

	return Request{
		Method:              "POST",
		URL:                 anthropicMessagesURL,
		Headers:             headers,
		Body:                raw,
		ExpectedContentType: "text/event-stream",
	}, nil
}

func extractSystemText(chat canon.Chat) string {
	for _, m := range chat.Messages {
		if m.Role != canon.RoleSystem {
			continue
		}
		var text string
		for _, b := range m.Content {
			if b.Kind == canon.BlockText {
				text += b.Text
			}
		}
		return text
	}
	return ""
}

func anthropicAlreadyHasPrimer(msgs []anthropicMessage) bool {
	if len(msgs) == 0 {
		return false
	}
	first := msgs[0]
	if first.Role != "user" || len(first.Content) == 0 {
		return false
	}
	block, ok := first.Content[0].(anthropicTextBlock)
	return ok && block.Text == AnthropicOAuthFirstTurnUserPrimer
}

// buildAnthropicMessages renders the canonical messages and then fixes
// up any assistant tool_use left unanswered by a later tool_result
// (an interrupted turn resumed from persisted history): Anthropic's
// API 400s on a dangling tool_use, so a synthetic tool_result is
// injected immediately after the message that produced it.
func buildAnthropicMessages(chat canon.Chat) []anthropicMessage {
	answered := map[string]bool{}
	for _, m := range chat.Messages {
		for _, b := range m.Content {
			if b.Kind == canon.BlockToolResult {
				answered[b.ToolResultCallID] = true
			}
		}
	}

	out := make([]anthropicMessage, 0, len(chat.Messages))

	for _, m := range chat.Messages {
		if m.Role == canon.RoleSystem {
			continue
		}

		var blocks []interface{}
		var unanswered []string
		for _, b := range m.Content {
			switch b.Kind {
			case canon.BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropicTextBlock{Type: "text", Text: b.Text})
				}
			case canon.BlockToolCall:
				var input map[string]interface{}
				if err := json.Unmarshal([]byte(b.ArgumentsRaw), &input); err != nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropicToolUseBlock{
					Type:  "tool_use",
					ID:    b.ToolCallID,
					Name:  b.ToolName,
					Input: input,
				})
				if !answered[b.ToolCallID] {
					unanswered = append(unanswered, b.ToolCallID)
				}
			case canon.BlockToolResult:
				output := b.Output
				if output == "" {
					output = SyntheticInterruptedToolResult
				}
				blocks = append(blocks, anthropicToolResultBlock{
					Type:      "tool_result",
					ToolUseID: b.ToolResultCallID,
					Content:   output,
				})
			}
		}

		if len(blocks) == 0 {
			continue
		}

		role := string(m.Role)
		if m.Role == canon.RoleTool {
			role = "user"
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})

		for _, id := range unanswered {
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []interface{}{anthropicToolResultBlock{
					Type:      "tool_result",
					ToolUseID: id,
					Content:   SyntheticInterruptedToolResult,
				}},
			})
		}
	}

	return out
}

func nonZeroOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
