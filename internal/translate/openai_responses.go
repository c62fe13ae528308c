package translate

import (
	"encoding/json"
	"fmt"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
)

const (
	openAIResponsesAPIKeyURL = "https://api.openai.com/v1/responses"
	openAIResponsesOAuthURL  = "https://chatgpt.com/backend-api/codex/responses"
)

// OpenAIResponsesTranslator implements Translator for the OpenAI
// OpenAI Responses API.
type OpenAIResponsesTranslator struct{}

type responsesInputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesRoleMessage struct {
	Role    string               `json:"role"`
	Content []responsesInputText `json:"content"`
}

type responsesFunctionCall struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responsesFunctionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responsesTool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Strict      bool                   `json:"strict,omitempty"`
}

type responsesBody struct {
	Model             string                 `json:"model"`
	Instructions      string                 `json:"instructions,omitempty"`
	Input             []interface{}          `json:"input"`
	Tools             []responsesTool        `json:"tools,omitempty"`
	ToolChoice        string                 `json:"tool_choice"`
	ParallelToolCalls bool                   `json:"parallel_tool_calls"`
	Stream            bool                   `json:"stream"`
	Store             bool                   `json:"store"`
	Include           []string               `json:"include,omitempty"`
	Reasoning         map[string]interface{} `json:"reasoning,omitempty"`
	Text              map[string]interface{} `json:"text,omitempty"`
	PromptCacheKey    string                 `json:"prompt_cache_key,omitempty"`
}

func (t OpenAIResponsesTranslator) Translate(chat canon.Chat, opts Options) (Request, error) {
	if err := chat.Validate(); err != nil {
		return Request{}, err
	}

	body := responsesBody{
		Model:             opts.Model,
		Input:             buildResponsesInput(chat),
		ToolChoice:        "auto",
		ParallelToolCalls: false,
		Stream:            true,
	}

	for _, m := range chat.Messages {
		if m.Role == canon.RoleSystem {
			for _, b := range m.Content {
				if b.Kind == canon.BlockText {
					body.Instructions = b.Text
				}
			}
		}
	}

	isOAuthChatGPT := opts.AuthMode == AuthOAuth
	body.Store = opts.StoreResponses
	if isOAuthChatGPT {
		body.Store = false
	}

	if !body.Store && opts.ReasoningEffort != "" {
		body.Include = []string{"reasoning.encrypted_content"}
	}
	if opts.ReasoningEffort != "" {
		body.Reasoning = map[string]interface{}{"effort": opts.ReasoningEffort}
	}

	for _, tool := range chat.Tools {
		body.Tools = append(body.Tools, responsesTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  canon.SanitizeToolSchema(tool.ParametersSchema, true),
			Strict:      tool.Strict,
		})
	}
	if opts.WebSearchEnabled {
		body.Tools = append(body.Tools, responsesTool{Type: "web_search"})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("openai responses: marshal request: %w", err)
	}

	url := openAIResponsesAPIKeyURL
	if isOAuthChatGPT {
		url = openAIResponsesOAuthURL
	}

	headers := []Header{
		{Name: "Authorization", Value: "Bearer " + opts.Token},
		{Name: "Content-Type", Value: "application/json; charset=utf-8"},
		{Name: "Accept", Value: "text/event-stream"},
		{Name: "OpenAI-Beta", Value: "responses=experimental"},
		{Name: "session_id", Value: opts.SessionID},
		{Name: "originator", Value: firstNonEmpty(opts.Originator, "codex_cli_rs")},
	}
	if opts.UserAgent != "" {
		headers = append(headers, Header{Name: "User-Agent", Value: opts.UserAgent})
	}
	if isOAuthChatGPT && opts.ChatGPTAccountID != "" {
		headers = append(headers, Header{Name: "chatgpt-account-id", Value: opts.ChatGPTAccountID})
	}

	return Request{
		Method:              "POST",
		URL:                 url,
		Headers:             headers,
		Body:                raw,
		ExpectedContentType: "text/event-stream",
	}, nil
}

// buildResponsesInput flattens the canonical chat into the Responses
// API's ordered input[] array: role messages, function_call items, and
// function_call_output items interleaved in conversation order.
func buildResponsesInput(chat canon.Chat) []interface{} {
	input := make([]interface{}, 0, len(chat.Messages))

	for _, m := range chat.Messages {
		if m.Role == canon.RoleSystem {
			continue // carried via top-level "instructions"
		}

		var textBlocks []responsesInputText
		for _, b := range m.Content {
			switch b.Kind {
			case canon.BlockText:
				textType := "input_text"
				if m.Role == canon.RoleAssistant {
					textType = "output_text"
				}
				if b.Text != "" {
					textBlocks = append(textBlocks, responsesInputText{Type: textType, Text: b.Text})
				}
			case canon.BlockToolCall:
				input = append(input, responsesFunctionCall{
					Type:      "function_call",
					CallID:    b.ToolCallID,
					Name:      b.ToolName,
					Arguments: b.ArgumentsRaw,
				})
			case canon.BlockToolResult:
				input = append(input, responsesFunctionCallOutput{
					Type:   "function_call_output",
					CallID: b.ToolResultCallID,
					Output: b.Output,
				})
			}
		}

		if len(textBlocks) > 0 {
			input = append(input, responsesRoleMessage{Role: string(m.Role), Content: textBlocks})
		}
	}

	return input
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
