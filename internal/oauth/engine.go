package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/translate"
)

const (
	anthropicClientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicRedirectURI = "https://console.anthropic.com/oauth/code/callback"

	openAIClientID    = "app_EMoamEEZ73f0CkXaXp7hrann"
	openAIRedirectURI = "http://localhost:1455/auth/callback"
)

// These are vars rather than consts so tests can redirect them at a
// httptest.Server; production code never reassigns them.
var (
	anthropicAuthorizeURL = "https://console.anthropic.com/oauth/authorize"
	anthropicTokenURL     = "https://console.anthropic.com/v1/oauth/token"

	openAIAuthorizeURL = "https://auth.openai.com/oauth/authorize"
	openAITokenURL     = "https://auth.openai.com/oauth/token"
)

// Token is the result of a successful exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	APIKey       string // OpenAI api_key mode only
	Scope        string
	TokenType    string // always "Bearer"
	ExpiresAt    *time.Time
}

// Engine drives the per-provider OAuth flows. HTTPClient is injectable
// for testing; it defaults to http.DefaultClient.
type Engine struct {
	HTTPClient *http.Client
}

func New() *Engine {
	return &Engine{HTTPClient: http.DefaultClient}
}

func (e *Engine) httpClient() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

// AuthorizationURL builds the provider's login URL and the PKCE
// parameters the caller must retain for ExchangeCode.
func (e *Engine) AuthorizationURL(provider translate.Provider) (string, PKCEParams, error) {
	pkce, err := NewPKCEParams()
	if err != nil {
		return "", PKCEParams{}, err
	}

	switch provider {
	case translate.ProviderAnthropic:
		// Anthropic's reference client emits these parameters in this
		// exact order; some deployments validate it literally.
		q := []string{
			"code=true",
			"client_id=" + anthropicClientID,
			"response_type=code",
			"redirect_uri=" + url.QueryEscape(anthropicRedirectURI),
			"scope=" + url.QueryEscape("org:create_api_key user:profile user:inference"),
			"code_challenge=" + pkce.CodeChallenge,
			"code_challenge_method=" + pkce.Method,
			"state=" + pkce.State,
		}
		return anthropicAuthorizeURL + "?" + strings.Join(q, "&"), pkce, nil

	case translate.ProviderOpenAIResponses, translate.ProviderOpenAIChat:
		state, err := randomBase64URL(16)
		if err != nil {
			return "", PKCEParams{}, fmt.Errorf("oauth: generate openai state: %w", err)
		}
		pkce.State = state
		// codex's reference client emits these parameters in this exact
		// order; url.Values.Encode would alphabetize them instead.
		q := []string{
			"response_type=code",
			"client_id=" + openAIClientID,
			"redirect_uri=" + url.QueryEscape(openAIRedirectURI),
			"scope=" + url.QueryEscape("openid profile email offline_access"),
			"code_challenge=" + pkce.CodeChallenge,
			"code_challenge_method=" + pkce.Method,
			"id_token_add_organizations=true",
			"codex_cli_simplified_flow=true",
			"state=" + state,
		}
		return openAIAuthorizeURL + "?" + strings.Join(q, "&"), pkce, nil

	default:
		return "", PKCEParams{}, fmt.Errorf("%w: %s", canon.ErrUnsupportedProvider, provider)
	}
}

// ExchangeCode trades an authorization code for tokens.
func (e *Engine) ExchangeCode(ctx context.Context, provider translate.Provider, codeInput string, pkce PKCEParams) (Token, error) {
	switch provider {
	case translate.ProviderAnthropic:
		return e.exchangeAnthropic(ctx, codeInput, pkce)
	case translate.ProviderOpenAIResponses, translate.ProviderOpenAIChat:
		return e.exchangeOpenAI(ctx, codeInput, pkce)
	default:
		return Token{}, fmt.Errorf("%w: %s", canon.ErrUnsupportedProvider, provider)
	}
}

func (e *Engine) exchangeAnthropic(ctx context.Context, codeInput string, pkce PKCEParams) (Token, error) {
	code, state := codeInput, pkce.State
	if idx := strings.IndexByte(codeInput, '#'); idx >= 0 {
		code, state = codeInput[:idx], codeInput[idx+1:]
	}

	body := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         state,
		"client_id":     anthropicClientID,
		"redirect_uri":  anthropicRedirectURI,
		"code_verifier": pkce.CodeVerifier,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Token{}, fmt.Errorf("oauth: marshal anthropic exchange: %w", err)
	}

	var resp anthropicTokenResponse
	if err := e.postJSON(ctx, anthropicTokenURL, raw, &resp); err != nil {
		return Token{}, err
	}

	return Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAtFromSeconds(resp.ExpiresIn),
	}, nil
}

type anthropicTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (e *Engine) exchangeOpenAI(ctx context.Context, code string, pkce PKCEParams) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", openAIRedirectURI)
	form.Set("client_id", openAIClientID)
	form.Set("code_verifier", pkce.CodeVerifier)

	var resp openAITokenResponse
	if err := e.postForm(ctx, openAITokenURL, form, &resp); err != nil {
		return Token{}, err
	}

	tok := Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAtFromSeconds(resp.ExpiresIn),
	}

	planType, err := openAIPlanTypeClaim(resp.IDToken)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %s", canon.ErrInvalidResponse, err)
	}
	if planType != "chatgpt" {
		apiKeyTok, err := e.tokenExchangeForAPIKey(ctx, resp.IDToken)
		if err != nil {
			return Token{}, err
		}
		tok.APIKey = apiKeyTok
	}

	return tok, nil
}

type openAITokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// tokenExchangeForAPIKey performs the second OpenAI token-exchange
// request that API-key-mode accounts require.
func (e *Engine) tokenExchangeForAPIKey(ctx context.Context, idToken string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:token-exchange")
	form.Set("client_id", openAIClientID)
	form.Set("requested_token", "openai-api-key")
	form.Set("subject_token", idToken)
	form.Set("subject_token_type", "urn:ietf:params:oauth:token-type:id_token")

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := e.postForm(ctx, openAITokenURL, form, &resp); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Refresh exchanges a refresh_token for a fresh access token. The
// caller is responsible for persisting the result via the
// Credential Store.
func (e *Engine) Refresh(ctx context.Context, provider translate.Provider, refreshToken string) (Token, error) {
	switch provider {
	case translate.ProviderAnthropic:
		body := map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     anthropicClientID,
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return Token{}, fmt.Errorf("oauth: marshal anthropic refresh: %w", err)
		}
		var resp anthropicTokenResponse
		if err := e.postJSON(ctx, anthropicTokenURL, raw, &resp); err != nil {
			return Token{}, err
		}
		if resp.AccessToken == "" {
			return Token{}, canon.ErrInvalidRefreshToken
		}
		return Token{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			TokenType:    "Bearer",
			ExpiresAt:    expiresAtFromSeconds(resp.ExpiresIn),
		}, nil

	case translate.ProviderOpenAIResponses, translate.ProviderOpenAIChat:
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)
		form.Set("client_id", openAIClientID)

		var resp openAITokenResponse
		if err := e.postForm(ctx, openAITokenURL, form, &resp); err != nil {
			return Token{}, err
		}
		if resp.AccessToken == "" {
			return Token{}, canon.ErrInvalidRefreshToken
		}
		return Token{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			IDToken:      resp.IDToken,
			TokenType:    "Bearer",
			ExpiresAt:    expiresAtFromSeconds(resp.ExpiresIn),
		}, nil

	default:
		return Token{}, fmt.Errorf("%w: %s", canon.ErrUnsupportedProvider, provider)
	}
}

func (e *Engine) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("%w: %s", canon.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, out)
}

func (e *Engine) postForm(ctx context.Context, rawURL string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %s", canon.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req, out)
}

func (e *Engine) do(req *http.Request, out interface{}) error {
	resp, err := e.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", canon.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s", canon.ErrNetwork, err)
	}

	if resp.StatusCode >= 300 {
		if resp.StatusCode == 429 {
			return fmt.Errorf("%w: %s", canon.ErrRateLimited, string(raw))
		}
		if resp.StatusCode == 400 || resp.StatusCode == 401 {
			return fmt.Errorf("%w: %s", canon.ErrInvalidCode, string(raw))
		}
		return &canon.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s", canon.ErrInvalidResponse, err)
	}
	return nil
}

func expiresAtFromSeconds(seconds int) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := time.Now().Add(time.Duration(seconds) * time.Second)
	return &t
}

// openAIPlanTypeClaim decodes the unverified JWT id_token payload and
// extracts the ChatGPT-plan-type claim used to pick chatgpt vs api_key
// mode. Signature verification is the issuer's job; the Engine
// only needs the claim to route the flow.
func openAIPlanTypeClaim(idToken string) (string, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed id_token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode id_token payload: %w", err)
	}

	var claims struct {
		PlanType string `json:"https://api.openai.com/auth.chatgpt_plan_type"`
		Issuer   string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("unmarshal id_token claims: %w", err)
	}
	if claims.PlanType == "" {
		return "api_key", nil
	}
	return claims.PlanType, nil
}

// NewSessionID generates the uuid-v4 the OpenAI Responses translator
// sends as its session_id header.
func NewSessionID() string {
	return uuid.NewString()
}
