package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoExecutor(ctx context.Context, args map[string]interface{}) (Result, error) {
	return Result{Output: fmt.Sprintf("%v", args["text"])}, nil
}

func TestDispatchSuccessEnvelope(t *testing.T) {
	d := New()
	require.NoError(t, d.Register(canon.Tool{Name: "echo"}, echoExecutor))

	out, err := d.Dispatch(context.Background(), stream.FunctionCall{ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`})
	require.NoError(t, err)

	var payload toolOutputPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.True(t, payload.Success)
	assert.Equal(t, "hi", payload.Output)
	assert.Empty(t, payload.Error)
}

func TestDispatchUnknownTool(t *testing.T) {
	d := New()
	_, err := d.Dispatch(context.Background(), stream.FunctionCall{Name: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, canon.ErrToolNotFound)
}

func TestDispatchInvalidArguments(t *testing.T) {
	d := New()
	require.NoError(t, d.Register(canon.Tool{Name: "echo"}, echoExecutor))

	_, err := d.Dispatch(context.Background(), stream.FunctionCall{Name: "echo", Arguments: `not json`})
	require.Error(t, err)
	assert.ErrorIs(t, err, canon.ErrToolArgumentsInvalid)
}

func TestDispatchEmptyArgumentsDefaultToObject(t *testing.T) {
	d := New()
	require.NoError(t, d.Register(canon.Tool{Name: "echo"}, echoExecutor))

	out, err := d.Dispatch(context.Background(), stream.FunctionCall{Name: "echo", Arguments: ""})
	require.NoError(t, err)

	var payload toolOutputPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.True(t, payload.Success)
}

func TestDispatchExecutorErrorSurfacesAsOutputNotError(t *testing.T) {
	d := New()
	require.NoError(t, d.Register(canon.Tool{Name: "boom"}, func(ctx context.Context, args map[string]interface{}) (Result, error) {
		return Result{}, fmt.Errorf("exploded")
	}))

	out, err := d.Dispatch(context.Background(), stream.FunctionCall{Name: "boom", Arguments: "{}"})
	require.NoError(t, err) // tool failures are never dispatcher errors

	var payload toolOutputPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.False(t, payload.Success)
	assert.Contains(t, payload.Error, "exploded")
	assert.Equal(t, 1, payload.Meta.ExitCode)
}

func TestDispatchResultErrorMsgSurfacesAsFailure(t *testing.T) {
	d := New()
	require.NoError(t, d.Register(canon.Tool{Name: "partial"}, func(ctx context.Context, args map[string]interface{}) (Result, error) {
		return Result{Output: "some output", ErrorMsg: "non-zero exit"}, nil
	}))

	out, err := d.Dispatch(context.Background(), stream.FunctionCall{Name: "partial", Arguments: "{}"})
	require.NoError(t, err)

	var payload toolOutputPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.False(t, payload.Success)
	assert.Equal(t, "non-zero exit", payload.Error)
	assert.Equal(t, "some output", payload.Output)
}

func TestTruncateLeavesSmallOutputUntouched(t *testing.T) {
	small := "line one\nline two"
	assert.Equal(t, small, truncate(small))
}

func TestTruncateAppliesHeadTailMarker(t *testing.T) {
	var lines []string
	for i := 0; i < 1000; i++ {
		lines = append(lines, fmt.Sprintf("line-%d", i))
	}
	out := truncate(strings.Join(lines, "\n"))
	assert.Contains(t, out, "omitted")
	assert.True(t, strings.HasPrefix(out, "line-0\n"))
	assert.True(t, strings.HasSuffix(out, "line-999"))
}

func TestTruncateCapsTotalBytes(t *testing.T) {
	huge := strings.Repeat("x", maxBytes*2)
	out := truncate(huge)
	assert.LessOrEqual(t, len(out), maxBytes)
}

func TestToolsReturnsRegisteredDeclarations(t *testing.T) {
	d := New()
	require.NoError(t, d.Register(canon.Tool{Name: "a"}, echoExecutor))
	require.NoError(t, d.Register(canon.Tool{Name: "b"}, echoExecutor))

	tools := d.Tools()
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
	}
	assert.True(t, names["a"])
	assert.True(t, names["b"])
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	d := New()
	err := d.Register(canon.Tool{Name: "bad name"}, echoExecutor)
	require.Error(t, err)
	assert.ErrorIs(t, err, canon.ErrValidation)
}
