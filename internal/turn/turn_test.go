package turn

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/dispatch"
	"github.com/jkimmerling/the-maestro-sub006/internal/stream"
	"github.com/jkimmerling/the-maestro-sub006/internal/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler interprets a tiny test-only mini-language so the loop's
// accumulation/dedup/iteration logic can be exercised without a real
// provider wire format: "content:X", "call:id:name:args", "done", or
// "usage:p:c:t", one directive per SSE data field.
type fakeHandler struct{}

func (fakeHandler) HandleFrame(eventType, data string) []stream.Event {
	parts := strings.SplitN(data, ":", 2)
	switch parts[0] {
	case "content":
		return []stream.Event{stream.ContentEvent(parts[1])}
	case "call":
		fields := strings.SplitN(parts[1], ":", 3)
		return []stream.Event{stream.FunctionCallEvent(stream.FunctionCall{ID: fields[0], Name: fields[1], Arguments: fields[2]})}
	case "done":
		return []stream.Event{stream.DoneEvent(nil)}
	case "usage":
		var p, c, tot int
		fmt.Sscanf(parts[1], "%d:%d:%d", &p, &c, &tot)
		return []stream.Event{stream.UsageEvent(stream.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: tot})}
	default:
		return nil
	}
}

func sseOf(directives ...string) string {
	var b strings.Builder
	for _, d := range directives {
		b.WriteString("data: " + d + "\n\n")
	}
	return b.String()
}

type openResult struct {
	body string
	err  error
}

type fakeOpener struct {
	mu      sync.Mutex
	queue   []openResult
	opened  int
	lastReq translate.Request
}

func (o *fakeOpener) Open(ctx context.Context, req translate.Request) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
	o.lastReq = req
	if len(o.queue) == 0 {
		return nil, fmt.Errorf("fakeOpener: no queued result for call %d", o.opened)
	}
	next := o.queue[0]
	o.queue = o.queue[1:]
	if next.err != nil {
		return nil, next.err
	}
	return io.NopCloser(strings.NewReader(next.body)), nil
}

type passthroughTranslator struct{}

func (passthroughTranslator) Translate(chat canon.Chat, opts translate.Options) (translate.Request, error) {
	return translate.Request{Method: "POST", URL: "https://example.invalid"}, nil
}

func newTestLoop(opener *fakeOpener, disp *dispatch.Dispatcher) *Loop {
	return &Loop{
		Translator: passthroughTranslator{},
		NewHandler: func() stream.Handler { return fakeHandler{} },
		Opener:     opener,
		Dispatcher: disp,
	}
}

func userChat() canon.Chat {
	return canon.Chat{Messages: []canon.Message{
		{Role: canon.RoleUser, Content: []canon.ContentBlock{canon.TextBlock("hi")}},
	}}
}

func TestRunTurnReturnsFinalTextWhenNoToolCalls(t *testing.T) {
	opener := &fakeOpener{queue: []openResult{{body: sseOf("content:hello ", "content:world", "done")}}}
	loop := newTestLoop(opener, dispatch.New())

	result, err := loop.RunTurn(context.Background(), userChat(), translate.Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.FinalText)
	assert.False(t, result.Partial)
	assert.Equal(t, 1, opener.opened)
}

func TestRunTurnDispatchesToolCallThenFollowsUpWithResult(t *testing.T) {
	disp := dispatch.New()
	require.NoError(t, disp.Register(canon.Tool{Name: "echo"}, func(ctx context.Context, args map[string]interface{}) (dispatch.Result, error) {
		return dispatch.Result{Output: fmt.Sprintf("%v", args["text"])}, nil
	}))

	opener := &fakeOpener{queue: []openResult{
		{body: sseOf(`call:call-1:echo:{"text":"hi"}`, "done")},
		{body: sseOf("content:ack", "done")},
	}}
	loop := newTestLoop(opener, disp)

	result, err := loop.RunTurn(context.Background(), userChat(), translate.Options{})
	require.NoError(t, err)
	assert.Equal(t, "ack", result.FinalText)
	require.Len(t, result.ToolsUsed, 1)
	assert.Equal(t, "echo", result.ToolsUsed[0].Name)
	assert.Equal(t, 2, opener.opened)
}

func TestRunTurnExhaustsMaxToolIterationsAndReturnsPartial(t *testing.T) {
	disp := dispatch.New()
	require.NoError(t, disp.Register(canon.Tool{Name: "loop_tool"}, func(ctx context.Context, args map[string]interface{}) (dispatch.Result, error) {
		return dispatch.Result{Output: "again"}, nil
	}))

	opener := &fakeOpener{queue: []openResult{
		{body: sseOf(`call:c1:loop_tool:{}`, "done")},
		{body: sseOf(`call:c2:loop_tool:{}`, "done")},
	}}
	loop := newTestLoop(opener, disp)
	loop.MaxToolIterations = 2

	result, err := loop.RunTurn(context.Background(), userChat(), translate.Options{})
	require.Error(t, err)
	assert.True(t, result.Partial)
	assert.Equal(t, 2, opener.opened)
}

func TestRunTurnDedupesDuplicateFunctionCallIDKeepingFirstNonEmptyArguments(t *testing.T) {
	disp := dispatch.New()
	var gotArgs string
	require.NoError(t, disp.Register(canon.Tool{Name: "echo"}, func(ctx context.Context, args map[string]interface{}) (dispatch.Result, error) {
		return dispatch.Result{Output: "ok"}, nil
	}))

	// two call events share id "call-1": the first carries empty
	// arguments, the second carries the real payload — the loop must
	// keep the first-seen id slot but backfill arguments once non-empty.
	opener := &fakeOpener{queue: []openResult{
		{body: sseOf(`call:call-1:echo:`, `call:call-1:echo:{"text":"hi"}`, "done")},
		{body: sseOf("content:done", "done")},
	}}
	loop := newTestLoop(opener, disp)

	result, err := loop.RunTurn(context.Background(), userChat(), translate.Options{})
	require.NoError(t, err)
	require.Len(t, result.ToolsUsed, 1)
	gotArgs = result.ToolsUsed[0].Arguments
	assert.Equal(t, `{"text":"hi"}`, gotArgs)
}

type tokenRefresherFunc func(ctx context.Context) (string, error)

func (f tokenRefresherFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

func TestRunTurnRetriesOnceOnAuthErrorThenSucceeds(t *testing.T) {
	opener := &fakeOpener{queue: []openResult{
		{err: &canon.HTTPStatusError{StatusCode: 401}},
		{body: sseOf("content:recovered", "done")},
	}}
	refreshed := false
	loop := newTestLoop(opener, dispatch.New())
	loop.Refresher = tokenRefresherFunc(func(ctx context.Context) (string, error) {
		refreshed = true
		return "new-token", nil
	})

	result, err := loop.RunTurn(context.Background(), userChat(), translate.Options{})
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, "recovered", result.FinalText)
	assert.Equal(t, 2, opener.opened)
}

func TestRunTurnAuthErrorWithoutRefresherIsNotRetried(t *testing.T) {
	opener := &fakeOpener{queue: []openResult{
		{err: &canon.HTTPStatusError{StatusCode: 401}},
	}}
	loop := newTestLoop(opener, dispatch.New())

	_, err := loop.RunTurn(context.Background(), userChat(), translate.Options{})
	require.Error(t, err)
	assert.Equal(t, 1, opener.opened)
}

func TestRunTurnParallelToolCallsCollectsAllOutputs(t *testing.T) {
	disp := dispatch.New()
	require.NoError(t, disp.Register(canon.Tool{Name: "a"}, func(ctx context.Context, args map[string]interface{}) (dispatch.Result, error) {
		return dispatch.Result{Output: "out-a"}, nil
	}))
	require.NoError(t, disp.Register(canon.Tool{Name: "b"}, func(ctx context.Context, args map[string]interface{}) (dispatch.Result, error) {
		return dispatch.Result{Output: "out-b"}, nil
	}))

	opener := &fakeOpener{queue: []openResult{
		{body: sseOf(`call:c1:a:{}`, `call:c2:b:{}`, "done")},
		{body: sseOf("content:done", "done")},
	}}
	loop := newTestLoop(opener, disp)
	loop.ParallelToolCalls = true

	result, err := loop.RunTurn(context.Background(), userChat(), translate.Options{})
	require.NoError(t, err)
	require.Len(t, result.ToolsUsed, 2)
}

func TestAppendToolRoundBuildsAssistantAndToolMessages(t *testing.T) {
	chat := userChat()
	calls := []pendingCall{{id: "c1", name: "echo", arguments: `{"x":1}`}}
	outputs := map[string]string{"c1": "result"}

	next := appendToolRound(chat, calls, outputs)
	require.Len(t, next.Messages, 3)
	assert.Equal(t, canon.RoleAssistant, next.Messages[1].Role)
	assert.Equal(t, canon.RoleTool, next.Messages[2].Role)
	assert.Equal(t, "c1", next.Messages[1].Content[0].ToolCallID)
	assert.Equal(t, "result", next.Messages[2].Content[0].Output)
}

func TestMergeUsageAccumulatesAcrossCalls(t *testing.T) {
	a := stream.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	b := stream.Usage{PromptTokens: 4, CompletionTokens: 5, TotalTokens: 9}
	assert.Equal(t, stream.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, mergeUsage(a, b))
}

func TestMergeUsageIgnoresEmptyDelta(t *testing.T) {
	a := stream.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	assert.Equal(t, a, mergeUsage(a, stream.Usage{}))
}
