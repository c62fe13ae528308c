// Package turn implements the Agent Turn Loop: translate,
// stream, accumulate, dispatch any requested tools, and repeat until
// the model is done or max_tool_iterations is exhausted.
package turn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/dispatch"
	"github.com/jkimmerling/the-maestro-sub006/internal/logger"
	"github.com/jkimmerling/the-maestro-sub006/internal/sseframe"
	"github.com/jkimmerling/the-maestro-sub006/internal/stream"
	"github.com/jkimmerling/the-maestro-sub006/internal/translate"
	"golang.org/x/sync/errgroup"
)

const defaultMaxToolIterations = 8

// ToolUse is one completed tool invocation, as reported in Result.
type ToolUse struct {
	ID        string
	Name      string
	Arguments string
}

// Result is the outcome of one call to RunTurn.
type Result struct {
	FinalText string
	ToolsUsed []ToolUse
	Usage     stream.Usage
	ThreadID  string
	StreamID  string

	// Partial is set when the loop stopped early (max_tool_iterations
	// exhausted) rather than reaching a natural done.
	Partial bool
}

// StreamOpener issues the translated HTTP request and returns the
// response body to frame, or an error wrapping canon's transport
// taxonomy for non-2xx responses.
type StreamOpener interface {
	Open(ctx context.Context, req translate.Request) (io.ReadCloser, error)
}

// TokenRefresher lets the loop recover from an expired OAuth token
// without importing the OAuth Engine directly.
type TokenRefresher interface {
	Refresh(ctx context.Context) (token string, err error)
}

// Loop drives one logical turn for a single provider/session. A Loop
// is not safe for concurrent use by two turns at once; the
// Cancellation & Backpressure Supervisor enforces that upstream.
type Loop struct {
	Translator translate.Translator
	NewHandler func() stream.Handler
	Opener     StreamOpener
	Dispatcher *dispatch.Dispatcher
	Refresher  TokenRefresher // optional

	MaxToolIterations int // default 8
	ParallelToolCalls bool
}

type pendingCall struct {
	id        string
	name      string
	arguments string
}

// RunTurn executes the full translate-open-frame-handle-dispatch loop,
// repeating until the model stops calling tools or the iteration
// bound is reached.
func (l *Loop) RunTurn(ctx context.Context, chat canon.Chat, opts translate.Options) (Result, error) {
	maxIter := l.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxToolIterations
	}

	var usage stream.Usage
	var threadID, streamID string
	var allToolsUsed []ToolUse
	authRetryUsed := false

	for iteration := 0; ; iteration++ {
		if iteration >= maxIter {
			return Result{Usage: usage, ThreadID: threadID, StreamID: streamID, Partial: true},
				fmt.Errorf("%w: exceeded max_tool_iterations=%d", canon.ErrValidation, maxIter)
		}

		text, calls, turnUsage, meta, err := l.runOneStream(ctx, chat, opts)
		if err != nil {
			if !authRetryUsed && l.isAuthError(err) {
				newToken, refreshErr := l.Refresher.Refresh(ctx)
				if refreshErr != nil {
					return Result{Usage: usage}, fmt.Errorf("turn: refresh after auth error failed: %w", refreshErr)
				}
				authRetryUsed = true
				opts.Token = newToken
				iteration--
				continue
			}
			return Result{Usage: usage}, err
		}
		usage = mergeUsage(usage, turnUsage)
		if id, ok := meta["response_id"]; ok {
			streamID = id
		}
		if id, ok := meta["thread_id"]; ok {
			threadID = id
		}

		if len(calls) == 0 {
			return Result{
				FinalText: text,
				ToolsUsed: allToolsUsed,
				Usage:     usage,
				ThreadID:  threadID,
				StreamID:  streamID,
			}, nil
		}

		outputs, err := l.dispatchCalls(ctx, calls)
		if err != nil {
			return Result{Usage: usage}, err
		}
		for _, c := range calls {
			allToolsUsed = append(allToolsUsed, ToolUse{ID: c.id, Name: c.name, Arguments: c.arguments})
		}

		chat = appendToolRound(chat, calls, outputs)
	}
}

// dispatchCalls runs every pending tool call and collects its output
// string by id. Tools run sequentially unless ParallelToolCalls is
// set, in which case they fan out concurrently (Open Question 1: the
// loop never second-guesses the caller's choice here).
func (l *Loop) dispatchCalls(ctx context.Context, calls []pendingCall) (map[string]string, error) {
	outputs := make(map[string]string, len(calls))

	dispatchOne := func(c pendingCall) string {
		out, err := l.Dispatcher.Dispatch(ctx, stream.FunctionCall{ID: c.id, Name: c.name, Arguments: c.arguments})
		if err != nil {
			return fmt.Sprintf(`{"output":"","success":false,"error":%q,"metadata":{"exit_code":1,"duration_seconds":0}}`, err.Error())
		}
		return out
	}

	if !l.ParallelToolCalls {
		for _, c := range calls {
			outputs[c.id] = dispatchOne(c)
		}
		return outputs, nil
	}

	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for _, c := range calls {
		c := c
		g.Go(func() error {
			out := dispatchOne(c)
			mu.Lock()
			outputs[c.id] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // dispatchOne never returns an error; tool failures are encoded in the output string
	return outputs, nil
}

// runOneStream performs a single HTTP exchange:
// translate, open, frame, handle, accumulate.
func (l *Loop) runOneStream(ctx context.Context, chat canon.Chat, opts translate.Options) (text string, calls []pendingCall, usage stream.Usage, meta map[string]string, err error) {
	req, err := l.Translator.Translate(chat, opts)
	if err != nil {
		return "", nil, stream.Usage{}, nil, err
	}

	body, err := l.openWithBackoff(ctx, req)
	if err != nil {
		return "", nil, stream.Usage{}, nil, err
	}
	defer body.Close()

	framer := sseframe.New()
	handler := l.NewHandler()

	byID := map[string]*pendingCall{}
	order := []string{}
	var textBuf bytes.Buffer
	meta = map[string]string{}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range framer.Feed(buf[:n]) {
				handleNormalized(handler.HandleFrame(ev.Type, ev.Data), &textBuf, byID, &order, &usage, meta)
			}
		}
		if readErr == io.EOF {
			for _, ev := range framer.Flush() {
				handleNormalized(handler.HandleFrame(ev.Type, ev.Data), &textBuf, byID, &order, &usage, meta)
			}
			break
		}
		if readErr != nil {
			return "", nil, usage, meta, fmt.Errorf("%w: %s", canon.ErrNetwork, readErr)
		}
		if ctx.Err() != nil {
			return "", nil, usage, meta, fmt.Errorf("%w", canon.ErrCancelled)
		}
	}

	for _, id := range order {
		calls = append(calls, *byID[id])
	}
	return textBuf.String(), calls, usage, meta, nil
}

// handleNormalized folds a batch of Normalized Stream Events into the
// running accumulators, deduplicating function_call ids by keeping
// the first non-empty arguments seen for each id.
func handleNormalized(events []stream.Event, textBuf *bytes.Buffer, byID map[string]*pendingCall, order *[]string, usage *stream.Usage, meta map[string]string) {
	for _, ev := range events {
		switch ev.Kind {
		case stream.EventContent:
			textBuf.WriteString(ev.Content)
		case stream.EventThought:
			// thought content is forwarded by internal/runtime's
			// streaming callback, not accumulated into final_text.
		case stream.EventFunctionCall:
			for _, fc := range ev.FunctionCalls {
				existing, ok := byID[fc.ID]
				if !ok {
					byID[fc.ID] = &pendingCall{id: fc.ID, name: fc.Name, arguments: fc.Arguments}
					*order = append(*order, fc.ID)
					continue
				}
				if existing.arguments == "" && fc.Arguments != "" {
					existing.arguments = fc.Arguments
				}
			}
		case stream.EventUsage:
			*usage = mergeUsage(*usage, ev.Usage)
		case stream.EventDone:
			for k, v := range ev.DoneMetadata {
				meta[k] = v
			}
		case stream.EventError:
			logger.Warn("turn: stream error: %s", ev.ErrReason)
		}
	}
}

func mergeUsage(a, b stream.Usage) stream.Usage {
	if b.PromptTokens == 0 && b.CompletionTokens == 0 && b.TotalTokens == 0 {
		return a
	}
	return stream.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

// appendToolRound builds the follow-up canonical chat after a batch of
// tool calls completes: an assistant message
// carrying the tool_call blocks followed by a tool message carrying
// the matching tool_result blocks. Provider-specific shaping of these
// canonical blocks happens later, inside each Translator.
func appendToolRound(chat canon.Chat, calls []pendingCall, outputs map[string]string) canon.Chat {
	assistantBlocks := make([]canon.ContentBlock, 0, len(calls))
	for _, c := range calls {
		assistantBlocks = append(assistantBlocks, canon.ToolCallBlock(c.id, c.name, c.arguments))
	}

	toolBlocks := make([]canon.ContentBlock, 0, len(calls))
	for _, c := range calls {
		toolBlocks = append(toolBlocks, canon.ToolResultBlock(c.id, outputs[c.id]))
	}

	chat.Messages = append(chat.Messages,
		canon.Message{Role: canon.RoleAssistant, Content: assistantBlocks},
		canon.Message{Role: canon.RoleTool, Content: toolBlocks},
	)
	return chat
}

// openWithBackoff opens the stream, retrying on HTTP 429 with
// exponential backoff up to 5 attempts (the first try plus 4 retries).
func (l *Loop) openWithBackoff(ctx context.Context, req translate.Request) (io.ReadCloser, error) {
	var body io.ReadCloser

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	operation := func() error {
		b, err := l.Opener.Open(ctx, req)
		if err != nil {
			if isRateLimited(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		body = b
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func isRateLimited(err error) bool {
	return errors.Is(err, canon.ErrRateLimited)
}

// isAuthError reports whether err represents the 401/invalid-token
// pattern that warrants a one-shot refresh-and-retry.
func (l *Loop) isAuthError(err error) bool {
	if l.Refresher == nil {
		return false
	}
	var statusErr *canon.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == 401
}

// HTTPOpener is the production StreamOpener: a pooled *http.Client
// issuing the translated request and validating the response status.
type HTTPOpener struct {
	Client *http.Client
}

func NewHTTPOpener(client *http.Client) *HTTPOpener {
	if client == nil {
		client = &http.Client{Timeout: 0} // streaming: no blanket timeout, supervisor owns idle/turn timeouts
	}
	return &HTTPOpener{Client: client}
}

func (o *HTTPOpener) Open(ctx context.Context, req translate.Request) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", canon.ErrNetwork, err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Set(h.Name, h.Value)
	}

	resp, err := o.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w", canon.ErrCancelled)
		}
		return nil, fmt.Errorf("%w: %s", canon.ErrNetwork, err)
	}

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		statusErr := &canon.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
		if resp.StatusCode == 429 {
			statusErr.RetryAfter = resp.Header.Get("Retry-After")
		}
		return nil, statusErr
	}

	return resp.Body, nil
}
