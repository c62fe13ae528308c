package translate

import (
	"encoding/json"
	"fmt"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
)

const (
	geminiAPIKeyURLFmt = "https://generativelanguage.googleapis.com/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s"
	geminiOAuthURL     = "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse"
)

// GeminiTranslator implements Translator for Gemini's
// streamGenerateContent endpoint, including the OAuth Code Assist
// envelope.
type GeminiTranslator struct{}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiPartOut struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string          `json:"role"`
	Parts []geminiPartOut `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiToolDecl struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	Tools             []geminiToolDecl `json:"tools,omitempty"`
}

// geminiOAuthEnvelope wraps geminiRequest for the Cloud Code Assist
// OAuth backend, which expects project/model alongside the request.
type geminiOAuthEnvelope struct {
	Model   string        `json:"model"`
	Project string        `json:"project,omitempty"`
	Request geminiRequest `json:"request"`
}

func (t GeminiTranslator) Translate(chat canon.Chat, opts Options) (Request, error) {
	if err := chat.Validate(); err != nil {
		return Request{}, err
	}

	req := geminiRequest{Contents: buildGeminiContents(chat)}

	if system := extractSystemText(chat); system != "" {
		req.SystemInstruction = &geminiContent{Role: "user", Parts: []geminiPartOut{{Text: system}}}
	}

	if len(chat.Tools) > 0 {
		decl := geminiToolDecl{}
		for _, tool := range chat.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, geminiFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  canon.SanitizeToolSchema(tool.ParametersSchema, false),
			})
		}
		req.Tools = []geminiToolDecl{decl}
	}

	isOAuth := opts.AuthMode == AuthOAuth

	var raw []byte
	var err error
	var url string
	headers := []Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Accept", Value: "text/event-stream"},
	}

	if isOAuth {
		envelope := geminiOAuthEnvelope{
			Model:   opts.Model,
			Project: opts.GeminiProjectID,
			Request: req,
		}
		raw, err = json.Marshal(envelope)
		url = geminiOAuthURL
		headers = append(headers, Header{Name: "Authorization", Value: "Bearer " + opts.Token})
		if opts.GeminiUserPromptID != "" {
			headers = append(headers, Header{Name: "x-goog-user-project", Value: opts.GeminiUserPromptID})
		}
	} else {
		raw, err = json.Marshal(req)
		url = fmt.Sprintf(geminiAPIKeyURLFmt, opts.Model, opts.Token)
	}
	if err != nil {
		return Request{}, fmt.Errorf("gemini: marshal request: %w", err)
	}
	if opts.UserAgent != "" {
		headers = append(headers, Header{Name: "User-Agent", Value: opts.UserAgent})
	}

	return Request{
		Method:              "POST",
		URL:                 url,
		Headers:             headers,
		Body:                raw,
		ExpectedContentType: "text/event-stream",
	}, nil
}

func buildGeminiContents(chat canon.Chat) []geminiContent {
	out := make([]geminiContent, 0, len(chat.Messages))

	for _, m := range chat.Messages {
		if m.Role == canon.RoleSystem {
			continue
		}

		var parts []geminiPartOut
		for _, b := range m.Content {
			switch b.Kind {
			case canon.BlockText:
				if b.Text != "" {
					parts = append(parts, geminiPartOut{Text: b.Text})
				}
			case canon.BlockToolCall:
				var args map[string]interface{}
				if err := json.Unmarshal([]byte(b.ArgumentsRaw), &args); err != nil {
					args = map[string]interface{}{}
				}
				parts = append(parts, geminiPartOut{FunctionCall: &geminiFunctionCall{Name: b.ToolName, Args: args}})
			case canon.BlockToolResult:
				var response map[string]interface{}
				if err := json.Unmarshal([]byte(b.Output), &response); err != nil {
					response = map[string]interface{}{"output": b.Output}
				}
				parts = append(parts, geminiPartOut{FunctionResponse: &geminiFunctionResponse{Name: b.ToolResultCallID, Response: response}})
			}
		}

		if len(parts) == 0 {
			continue
		}

		role := "user"
		if m.Role == canon.RoleAssistant {
			role = "model"
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}

	return out
}
