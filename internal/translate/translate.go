// Package translate maps the canonical chat representation into each
// provider's on-wire request shape. Every function here is
// pure: no I/O, no hidden state — the same (chat, tools, options) in
// always yields the same Request out.
package translate

import "github.com/jkimmerling/the-maestro-sub006/internal/canon"

// Provider identifies which wire format to translate into.
type Provider string

const (
	ProviderOpenAIResponses Provider = "openai_responses"
	ProviderOpenAIChat      Provider = "openai_chat"
	ProviderAnthropic       Provider = "anthropic"
	ProviderGemini          Provider = "gemini"
)

// AuthMode distinguishes API-key auth from OAuth, which changes base
// URLs, headers, and (for Anthropic) message shaping.
type AuthMode string

const (
	AuthAPIKey AuthMode = "api_key"
	AuthOAuth  AuthMode = "oauth"
)

// Options carries the subset of runtime configuration that affects
// request shaping.
type Options struct {
	Model                string
	Token                string // bearer token or api key, already resolved
	AuthMode             AuthMode
	ChatGPTAccountID     string // OpenAI OAuth only
	SessionID            string // OpenAI Responses session_id header (uuid v4)
	Originator           string // OpenAI Responses originator header
	UserAgent            string
	StoreResponses       bool // caller default; forced false on OAuth-ChatGPT
	ReasoningEffort      string
	WebSearchEnabled     bool // Responses only
	ParallelToolCalls    bool
	MaxTokens            int // max_tokens for Anthropic (4096 when zero) and OpenAI Chat (omitted when zero)
	GeminiProjectID      string // Gemini OAuth Code Assist only
	GeminiUserPromptID   string // Gemini OAuth Code Assist only
	AnthropicInjectPrimer bool // OAuth only; Runtime fills a false value from its config
	ToolChoiceAuto       bool
}

// Header is an ordered HTTP header pair; translators preserve field
// order where the wire format makes it contractual (e.g. the OpenAI
// PKCE authorization URL's parameter order, mirrored here for request
// headers where providers are known to be order-sensitive in fixtures).
type Header struct {
	Name  string
	Value string
}

// Request is the provider-agnostic output of a Translator: everything
// the Agent Turn Loop needs to issue one streaming HTTP POST.
type Request struct {
	Method              string
	URL                 string
	Headers             []Header
	Body                []byte
	ExpectedContentType string
}

// Translator is the common interface every per-provider translator
// satisfies.
type Translator interface {
	Translate(chat canon.Chat, opts Options) (Request, error)
}
