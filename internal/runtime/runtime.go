// Package runtime wires the Credential Store, OAuth Engine, Refresh
// Scheduler, Translators, Agent Turn Loop, Tool Dispatcher, and
// Cancellation & Backpressure Supervisor together behind one public
// API surface: an explicit object callers construct and hold, rather
// than a process-wide mutable registry.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jkimmerling/the-maestro-sub006/internal/actor"
	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/credstore"
	"github.com/jkimmerling/the-maestro-sub006/internal/dispatch"
	"github.com/jkimmerling/the-maestro-sub006/internal/oauth"
	"github.com/jkimmerling/the-maestro-sub006/internal/refresh"
	"github.com/jkimmerling/the-maestro-sub006/internal/session"
	"github.com/jkimmerling/the-maestro-sub006/internal/sseframe"
	"github.com/jkimmerling/the-maestro-sub006/internal/stream"
	"github.com/jkimmerling/the-maestro-sub006/internal/supervisor"
	"github.com/jkimmerling/the-maestro-sub006/internal/translate"
	"github.com/jkimmerling/the-maestro-sub006/internal/turn"
)

// Config carries the option defaults a Runtime falls back to when
// a caller's Options leaves a field at its zero value.
type Config struct {
	MaxToolIterations          int
	IdleTimeout                time.Duration
	TurnTimeout                time.Duration
	ParallelToolCalls          bool
	StoreResponses             bool
	ReasoningEffort            string
	ToolsWebSearchEnabled      bool
	AnthropicOAuthInjectPrimer bool
}

func (c Config) orDefaults() Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 8
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 10 * time.Minute
	}
	return c
}

// Runtime is the provider-agnostic agent turn runtime's public entry
// point. A Runtime owns exactly one Credential Store and one
// Supervisor; callers share a single Runtime across every session.
type Runtime struct {
	creds        *credstore.Store
	oauthEng     *oauth.Engine
	actors       *actor.System
	scheduler    *refresh.Scheduler
	schedulerRef *actor.ActorRef
	supervisor   *supervisor.Supervisor
	dispatcher   *dispatch.Dispatcher
	httpClient   *http.Client
	cfg          Config

	mu       sync.Mutex
	pkceByID map[string]oauth.PKCEParams // in-flight login attempts, keyed by state
	models   map[string][]string        // provider -> cached model ids
}

// New constructs a Runtime. dispatcher holds the full set of
// dispatchable tool executors the Turn Loop may call; every session
// shares it.
func New(creds *credstore.Store, dispatcher *dispatch.Dispatcher, cfg Config) *Runtime {
	cfg = cfg.orDefaults()
	sup := supervisor.New()
	sup.IdleTimeout = cfg.IdleTimeout
	sup.TurnTimeout = cfg.TurnTimeout

	rt := &Runtime{
		creds:      creds,
		oauthEng:   oauth.New(),
		actors:     actor.NewSystem(),
		supervisor: sup,
		dispatcher: dispatcher,
		httpClient: &http.Client{},
		cfg:        cfg,
		pkceByID:   make(map[string]oauth.PKCEParams),
		models:     make(map[string][]string),
	}
	rt.scheduler = refresh.New("credential-refresh", rt.performScheduledRefresh)
	return rt
}

// Start spawns the Refresh Scheduler into the Runtime's actor.System,
// which supplies its mailbox, run loop, and health-check monitoring.
// Callers should call Stop on shutdown.
func (rt *Runtime) Start(ctx context.Context) error {
	ref, err := rt.actors.Spawn(ctx, rt.scheduler.ID(), rt.scheduler, 64)
	if err != nil {
		return err
	}
	rt.scheduler.BindRef(ref)
	rt.schedulerRef = ref
	return nil
}

func (rt *Runtime) Stop(ctx context.Context) error {
	return rt.actors.StopAll(ctx)
}

// SchedulerHealth reports the Refresh Scheduler's actor.System health
// check, the same mechanism any other spawned actor in the Runtime
// would be monitored through.
func (rt *Runtime) SchedulerHealth(ctx context.Context) (actor.HealthReport, error) {
	return rt.actors.GetActorHealth(ctx, rt.scheduler.ID())
}

// BeginLogin starts an OAuth authorization_code + PKCE flow for
// provider, returning the URL the caller should open in a browser.
// The PKCE verifier is held in memory, keyed by its own state value,
// until CreateSession completes the exchange.
func (rt *Runtime) BeginLogin(provider translate.Provider) (string, error) {
	url, pkce, err := rt.oauthEng.AuthorizationURL(provider)
	if err != nil {
		return "", err
	}
	rt.mu.Lock()
	rt.pkceByID[pkce.State] = pkce
	rt.mu.Unlock()
	return url, nil
}

// CreateSession creates a new session credential for both auth shapes:
// a bare API key, or an OAuth authorization code paired with the
// state value BeginLogin returned.
func (rt *Runtime) CreateSession(ctx context.Context, provider translate.Provider, authType credstore.AuthType, name string, apiKey string, oauthCode string, oauthState string) (string, error) {
	if name == "" {
		name = session.GenerateWordID()
	}
	normalized, err := credstore.NormalizeSessionName(name)
	if err != nil {
		return "", err
	}

	switch authType {
	case credstore.AuthTypeAPIKey:
		if apiKey == "" {
			return "", fmt.Errorf("%w: api_key sessions require a non-empty key", canon.ErrValidation)
		}
		rec := credstore.Record{
			Provider:    string(provider),
			AuthType:    authType,
			SessionName: normalized,
			Credentials: credstore.Credentials{APIKey: apiKey, TokenType: "Bearer"},
		}
		if err := rt.creds.Put(rec); err != nil {
			return "", err
		}
		return normalized, nil

	case credstore.AuthTypeOAuth:
		rt.mu.Lock()
		pkce, ok := rt.pkceByID[oauthState]
		delete(rt.pkceByID, oauthState)
		rt.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("%w: no pending login for state %q", canon.ErrValidation, oauthState)
		}

		token, err := rt.oauthEng.ExchangeCode(ctx, provider, oauthCode, pkce)
		if err != nil {
			return "", err
		}
		rec := credstore.Record{
			Provider:    string(provider),
			AuthType:    authType,
			SessionName: normalized,
			Credentials: credstore.Credentials{
				AccessToken:  token.AccessToken,
				RefreshToken: token.RefreshToken,
				IDToken:      token.IDToken,
				APIKey:       token.APIKey,
				Scope:        token.Scope,
				TokenType:    token.TokenType,
			},
			ExpiresAt: token.ExpiresAt,
		}
		if err := rt.creds.Put(rec); err != nil {
			return "", err
		}
		_ = rt.schedulerRef.Send(refresh.ScheduleMsg{Provider: string(provider), SessionName: normalized, ExpiresAt: token.ExpiresAt})
		return normalized, nil

	default:
		return "", fmt.Errorf("%w: unsupported auth_type %q", canon.ErrValidation, authType)
	}
}

// DeleteSession removes a session's stored credential.
func (rt *Runtime) DeleteSession(provider translate.Provider, authType credstore.AuthType, name string) error {
	normalized, err := credstore.NormalizeSessionName(name)
	if err != nil {
		return err
	}
	if rt.schedulerRef != nil {
		_ = rt.schedulerRef.Send(refresh.CancelMsg{Provider: string(provider), SessionName: normalized})
	}
	return rt.creds.Delete(string(provider), authType, normalized)
}

// RefreshTokens performs an explicit, caller-
// driven refresh outside the scheduler's own cadence (e.g. "log me in
// again now").
func (rt *Runtime) RefreshTokens(ctx context.Context, provider translate.Provider, name string) (string, error) {
	normalized, err := credstore.NormalizeSessionName(name)
	if err != nil {
		return "", err
	}
	if err := rt.performScheduledRefresh(ctx, string(provider), normalized); err != nil {
		return "", err
	}
	rec, err := rt.creds.Get(string(provider), credstore.AuthTypeOAuth, normalized)
	if err != nil {
		return "", err
	}
	return rec.Credentials.AccessToken, nil
}

// performScheduledRefresh is the refresh.RefreshFunc the Scheduler
// calls, and the same logic RefreshTokens uses for an on-demand call.
func (rt *Runtime) performScheduledRefresh(ctx context.Context, providerName, sessionName string) error {
	rec, err := rt.creds.Get(providerName, credstore.AuthTypeOAuth, sessionName)
	if err != nil {
		return err
	}
	token, err := rt.oauthEng.Refresh(ctx, translate.Provider(providerName), rec.Credentials.RefreshToken)
	if err != nil {
		return err
	}
	creds := rec.Credentials
	creds.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		creds.RefreshToken = token.RefreshToken
	}
	if err := rt.creds.RotateTokens(providerName, credstore.AuthTypeOAuth, sessionName, creds, token.ExpiresAt); err != nil {
		return err
	}
	_ = rt.schedulerRef.Send(refresh.ScheduleMsg{Provider: providerName, SessionName: sessionName, ExpiresAt: token.ExpiresAt})
	return nil
}

// resolveToken returns the bearer token or API key a translator should
// use for (provider, auth_type, name), refreshing first if the OAuth
// access token is already expired.
func (rt *Runtime) resolveToken(ctx context.Context, provider translate.Provider, authType credstore.AuthType, name string) (credstore.Record, error) {
	rec, err := rt.creds.Get(string(provider), authType, name)
	if err != nil {
		return credstore.Record{}, err
	}
	if authType == credstore.AuthTypeOAuth && rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		if err := rt.performScheduledRefresh(ctx, string(provider), name); err != nil {
			return credstore.Record{}, err
		}
		rec, err = rt.creds.Get(string(provider), authType, name)
		if err != nil {
			return credstore.Record{}, err
		}
	}
	return rec, nil
}

// applyConfigDefaults fills any Options field the caller left at its
// zero value from the Runtime's configuration. store_responses is
// forced false under OAuth-ChatGPT later, by the OpenAI Responses
// translator, not here.
func (rt *Runtime) applyConfigDefaults(opts *translate.Options) {
	if !opts.ParallelToolCalls {
		opts.ParallelToolCalls = rt.cfg.ParallelToolCalls
	}
	if !opts.StoreResponses {
		opts.StoreResponses = rt.cfg.StoreResponses
	}
	if opts.ReasoningEffort == "" {
		opts.ReasoningEffort = rt.cfg.ReasoningEffort
	}
	if !opts.WebSearchEnabled {
		opts.WebSearchEnabled = rt.cfg.ToolsWebSearchEnabled
	}
	if opts.AuthMode == translate.AuthOAuth && !opts.AnthropicInjectPrimer {
		opts.AnthropicInjectPrimer = rt.cfg.AnthropicOAuthInjectPrimer
	}
}

func newTranslator(provider translate.Provider) (translate.Translator, func() stream.Handler, error) {
	switch provider {
	case translate.ProviderOpenAIResponses:
		return &translate.OpenAIResponsesTranslator{}, func() stream.Handler { return stream.NewOpenAIResponsesHandler() }, nil
	case translate.ProviderOpenAIChat:
		return &translate.OpenAIChatTranslator{}, func() stream.Handler { return stream.NewOpenAIChatHandler() }, nil
	case translate.ProviderAnthropic:
		return &translate.AnthropicTranslator{}, func() stream.Handler { return stream.NewAnthropicHandler() }, nil
	case translate.ProviderGemini:
		return &translate.GeminiTranslator{}, func() stream.Handler { return stream.NewGeminiHandler() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", canon.ErrUnsupportedProvider, provider)
	}
}

// tokenRefresherAdapter satisfies turn.TokenRefresher by delegating to
// the Runtime's own refresh logic and persisting the result, keeping
// internal/turn free of any dependency on credstore/oauth.
type tokenRefresherAdapter struct {
	rt       *Runtime
	provider translate.Provider
	authType credstore.AuthType
	name     string
}

func (a tokenRefresherAdapter) Refresh(ctx context.Context) (string, error) {
	if a.authType != credstore.AuthTypeOAuth {
		return "", fmt.Errorf("%w: cannot refresh an api_key session", canon.ErrValidation)
	}
	if err := a.rt.performScheduledRefresh(ctx, string(a.provider), a.name); err != nil {
		return "", err
	}
	rec, err := a.rt.creds.Get(string(a.provider), a.authType, a.name)
	if err != nil {
		return "", err
	}
	return rec.Credentials.AccessToken, nil
}

// RunTurn resolves credentials, builds the translate.Options, and
// drives one Agent Turn Loop to completion.
func (rt *Runtime) RunTurn(ctx context.Context, provider translate.Provider, authType credstore.AuthType, name, model string, chat canon.Chat, opts translate.Options) (turn.Result, error) {
	if err := chat.Validate(); err != nil {
		return turn.Result{}, err
	}
	normalized, err := credstore.NormalizeSessionName(name)
	if err != nil {
		return turn.Result{}, err
	}

	rec, err := rt.resolveToken(ctx, provider, authType, normalized)
	if err != nil {
		return turn.Result{}, err
	}

	translator, newHandler, err := newTranslator(provider)
	if err != nil {
		return turn.Result{}, err
	}

	opts.Model = model
	if authType == credstore.AuthTypeOAuth {
		opts.AuthMode = translate.AuthOAuth
		opts.Token = rec.Credentials.AccessToken
	} else {
		opts.AuthMode = translate.AuthAPIKey
		opts.Token = rec.Credentials.APIKey
	}
	if opts.SessionID == "" {
		opts.SessionID = oauth.NewSessionID()
	}
	rt.applyConfigDefaults(&opts)

	handle, err := rt.supervisor.Start(ctx, normalized)
	if err != nil {
		return turn.Result{}, err
	}
	defer handle.Release()

	loop := &turn.Loop{
		Translator:        translator,
		NewHandler:        newHandler,
		Opener:            turn.NewHTTPOpener(rt.httpClient),
		Dispatcher:        rt.dispatcher,
		Refresher:         tokenRefresherAdapter{rt: rt, provider: provider, authType: authType, name: normalized},
		MaxToolIterations: rt.cfg.MaxToolIterations,
		ParallelToolCalls: opts.ParallelToolCalls,
	}
	if loop.MaxToolIterations <= 0 {
		loop.MaxToolIterations = 8
	}

	return loop.RunTurn(handle.Context(), chat, opts)
}

// staticModels is the model catalog returned when a provider has no
// locally cached list yet; it mirrors each provider's documented
// flagship lineup at time of writing. ListModels never fetches a live
// list from the provider, so this is the only source of model ids.
var staticModels = map[translate.Provider][]string{
	translate.ProviderOpenAIResponses: {"gpt-5", "gpt-5-mini", "o4-mini"},
	translate.ProviderOpenAIChat:      {"gpt-5", "gpt-5-mini", "o4-mini"},
	translate.ProviderAnthropic:       {"claude-opus-4-1", "claude-sonnet-4-5", "claude-haiku-4-5"},
	translate.ProviderGemini:          {"gemini-2.5-pro", "gemini-2.5-flash"},
}

// ListModels resolves credentials (and refreshes if needed) to confirm
// the session is usable, and serves the catalog from an in-memory
// cache seeded from staticModels; the provider is not queried. A session's model list is
// cheap to recompute on process restart, so no further persistence
// layer backs this cache.
func (rt *Runtime) ListModels(ctx context.Context, provider translate.Provider, authType credstore.AuthType, name string) ([]string, error) {
	normalized, err := credstore.NormalizeSessionName(name)
	if err != nil {
		return nil, err
	}
	if _, err := rt.resolveToken(ctx, provider, authType, normalized); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	key := string(provider)
	if cached, ok := rt.models[key]; ok {
		return cached, nil
	}
	models := staticModels[provider]
	rt.models[key] = models
	return models, nil
}

// StreamChat is a lower-level entry point
// than RunTurn that exposes the raw Normalized Stream Event sequence
// for exactly one HTTP exchange (no tool dispatch, no iteration) via a
// callback, letting callers build their own accumulation policy.
func (rt *Runtime) StreamChat(ctx context.Context, provider translate.Provider, authType credstore.AuthType, name, model string, chat canon.Chat, opts translate.Options, onEvent func(stream.Event)) error {
	if err := chat.Validate(); err != nil {
		return err
	}
	normalized, err := credstore.NormalizeSessionName(name)
	if err != nil {
		return err
	}

	rec, err := rt.resolveToken(ctx, provider, authType, normalized)
	if err != nil {
		return err
	}

	translator, newHandler, err := newTranslator(provider)
	if err != nil {
		return err
	}

	opts.Model = model
	if authType == credstore.AuthTypeOAuth {
		opts.AuthMode = translate.AuthOAuth
		opts.Token = rec.Credentials.AccessToken
	} else {
		opts.AuthMode = translate.AuthAPIKey
		opts.Token = rec.Credentials.APIKey
	}
	if opts.SessionID == "" {
		opts.SessionID = oauth.NewSessionID()
	}
	rt.applyConfigDefaults(&opts)

	req, err := translator.Translate(chat, opts)
	if err != nil {
		return err
	}

	handle, err := rt.supervisor.Start(ctx, normalized)
	if err != nil {
		return err
	}
	defer handle.Release()

	opener := turn.NewHTTPOpener(rt.httpClient)
	body, err := opener.Open(handle.Context(), req)
	if err != nil {
		return err
	}
	defer body.Close()

	handler := newHandler()
	buf := make([]byte, 32*1024)
	framer := sseframe.New()
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			handle.Touch()
			for _, ev := range framer.Feed(buf[:n]) {
				for _, nev := range handler.HandleFrame(ev.Type, ev.Data) {
					onEvent(nev)
				}
			}
		}
		if readErr != nil {
			for _, ev := range framer.Flush() {
				for _, nev := range handler.HandleFrame(ev.Type, ev.Data) {
					onEvent(nev)
				}
			}
			break
		}
	}
	onEvent(stream.DoneEvent(nil))
	return nil
}

var _ actor.Actor = (*refresh.Scheduler)(nil)
