// Command agentrun is a thin stdio front end over internal/runtime's
// public API surface: one JSON request per line in, one JSON
// response per line out. It exercises create_session, run_turn, and
// list_models end to end over a narrow protocol boundary.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/config"
	"github.com/jkimmerling/the-maestro-sub006/internal/credstore"
	"github.com/jkimmerling/the-maestro-sub006/internal/dispatch"
	"github.com/jkimmerling/the-maestro-sub006/internal/logger"
	"github.com/jkimmerling/the-maestro-sub006/internal/runtime"
	"github.com/jkimmerling/the-maestro-sub006/internal/translate"
)

// request is the stdio protocol envelope. op selects which runtime
// operation to invoke; the remaining fields are a superset of every
// operation's arguments, left empty where an op doesn't need them.
type request struct {
	Op         string          `json:"op"`
	Provider   string          `json:"provider"`
	AuthType   string          `json:"auth_type"`
	Name       string          `json:"name"`
	APIKey     string          `json:"api_key,omitempty"`
	OAuthCode  string          `json:"oauth_code,omitempty"`
	OAuthState string          `json:"oauth_state,omitempty"`
	Model      string          `json:"model,omitempty"`
	Messages   json.RawMessage `json:"messages,omitempty"`
	SystemText string          `json:"system,omitempty"`
	UserText   string          `json:"user,omitempty"`
}

type response struct {
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

func main() {
	credsDir := flag.String("creds-dir", "", "credential store directory (required)")
	credsPassword := flag.String("creds-password", "", "credential store encryption password (required)")
	logPath := flag.String("log-path", "", "log file path (blank disables file logging)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	configPath := flag.String("config", "", "config file path (uses defaults if blank or missing)")
	flag.Parse()

	if *credsDir == "" || *credsPassword == "" {
		fmt.Fprintln(os.Stderr, "agentrun: -creds-dir and -creds-password are required")
		os.Exit(2)
	}

	if err := logger.Init(parseLevel(*logLevel), *logPath); err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: logger init: %v\n", err)
		os.Exit(1)
	}

	store, err := credstore.Open(*credsDir, *credsPassword)
	if err != nil {
		logger.Error("agentrun: open credential store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	cfg, _ := config.Load(*configPath)
	rtCfg := runtime.Config{}
	if cfg != nil {
		rtCfg = runtime.Config{
			MaxToolIterations:          cfg.AgentRuntime.MaxToolIterations,
			IdleTimeout:                time.Duration(cfg.AgentRuntime.IdleTimeoutMS) * time.Millisecond,
			TurnTimeout:                time.Duration(cfg.AgentRuntime.TurnTimeoutMS) * time.Millisecond,
			ParallelToolCalls:          cfg.AgentRuntime.ParallelToolCalls,
			StoreResponses:             cfg.AgentRuntime.StoreResponses,
			ReasoningEffort:            cfg.AgentRuntime.ReasoningEffort,
			ToolsWebSearchEnabled:      cfg.AgentRuntime.ToolsWebSearchEnabled,
			AnthropicOAuthInjectPrimer: cfg.AgentRuntime.AnthropicOAuthInjectPrimer,
		}
	}

	dispatcher := dispatch.New()
	rt := runtime.New(store, dispatcher, rtCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		logger.Error("agentrun: start refresh scheduler: %v", err)
		os.Exit(1)
	}
	defer rt.Stop(context.Background())

	runLoop(ctx, rt)
}

func parseLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func runLoop(ctx context.Context, rt *runtime.Runtime) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(response{Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		enc.Encode(handle(ctx, rt, req))
	}
}

func handle(ctx context.Context, rt *runtime.Runtime, req request) response {
	provider := translate.Provider(req.Provider)
	authType := credstore.AuthType(req.AuthType)

	switch req.Op {
	case "create_session":
		name, err := rt.CreateSession(ctx, provider, authType, req.Name, req.APIKey, req.OAuthCode, req.OAuthState)
		if err != nil {
			return response{Error: err.Error()}
		}
		return response{OK: true, Result: map[string]string{"session_id": name}}

	case "delete_session":
		if err := rt.DeleteSession(provider, authType, req.Name); err != nil {
			return response{Error: err.Error()}
		}
		return response{OK: true}

	case "list_models":
		models, err := rt.ListModels(ctx, provider, authType, req.Name)
		if err != nil {
			return response{Error: err.Error()}
		}
		return response{OK: true, Result: models}

	case "refresh_tokens":
		token, err := rt.RefreshTokens(ctx, provider, req.Name)
		if err != nil {
			return response{Error: err.Error()}
		}
		return response{OK: true, Result: map[string]string{"access_token": token}}

	case "run_turn":
		chat, err := buildChat(req)
		if err != nil {
			return response{Error: err.Error()}
		}
		result, err := rt.RunTurn(ctx, provider, authType, req.Name, req.Model, chat, translate.Options{})
		if err != nil {
			return response{Error: err.Error()}
		}
		return response{OK: true, Result: result}

	default:
		return response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// buildChat assembles the canonical chat for run_turn: a full
// pre-built messages array when the caller supplies one, or a quick
// system+user shortcut for the common single-turn case.
func buildChat(req request) (canon.Chat, error) {
	if len(req.Messages) > 0 {
		var messages []canon.Message
		if err := json.Unmarshal(req.Messages, &messages); err != nil {
			return canon.Chat{}, fmt.Errorf("invalid messages: %w", err)
		}
		return canon.Chat{Messages: messages}, nil
	}

	var messages []canon.Message
	if req.SystemText != "" {
		messages = append(messages, canon.Message{Role: canon.RoleSystem, Content: []canon.ContentBlock{canon.TextBlock(req.SystemText)}})
	}
	messages = append(messages, canon.Message{Role: canon.RoleUser, Content: []canon.ContentBlock{canon.TextBlock(req.UserText)}})
	return canon.Chat{Messages: messages}, nil
}
