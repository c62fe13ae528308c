// Package dispatch implements the Tool Dispatcher: a
// name→executor registry that validates arguments, runs the matching
// executor, and renders its result into the provider-convention output
// string the Agent Turn Loop folds back into the next translate call.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jkimmerling/the-maestro-sub006/internal/canon"
	"github.com/jkimmerling/the-maestro-sub006/internal/logger"
	"github.com/jkimmerling/the-maestro-sub006/internal/stream"
)

const (
	headLines = 256
	tailLines = 128
	maxBytes  = 64000
)

// Result is what an Executor returns: either a successful string
// output, or an error reason recorded as a non-fatal failure.
type Result struct {
	Output   string
	ErrorMsg string // non-empty means the tool itself failed (still a successful dispatch)
}

// Executor runs one tool invocation against parsed arguments. Errors
// returned here never abort the turn; they become a successful
// output string carrying success:false.
type Executor func(ctx context.Context, args map[string]interface{}) (Result, error)

type registration struct {
	tool     canon.Tool
	executor Executor
}

// Dispatcher owns the name→executor registry for one runtime.
type Dispatcher struct {
	registry map[string]registration
}

func New() *Dispatcher {
	return &Dispatcher{registry: make(map[string]registration)}
}

// Register adds a tool and its executor. Registering the same name
// twice replaces the prior registration.
func (d *Dispatcher) Register(tool canon.Tool, executor Executor) error {
	if err := canon.ValidateToolName(tool.Name); err != nil {
		return err
	}
	d.registry[tool.Name] = registration{tool: tool, executor: executor}
	return nil
}

// Tools returns the declarations of every registered tool, in the
// shape a Translator expects to advertise to the model.
func (d *Dispatcher) Tools() []canon.Tool {
	out := make([]canon.Tool, 0, len(d.registry))
	for _, r := range d.registry {
		out = append(out, r.tool)
	}
	return out
}

// toolOutputPayload is the JSON envelope every provider's text-mode
// tool output carries.
type toolOutputPayload struct {
	Output  string         `json:"output"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Meta    toolOutputMeta `json:"metadata"`
}

type toolOutputMeta struct {
	ExitCode     int     `json:"exit_code"`
	DurationSecs float64 `json:"duration_seconds"`
}

// Dispatch runs one tool call and returns the provider-convention
// output string for the given function call id, never an error for a
// tool-level failure (only for dispatcher-level problems: unknown
// tool, unparseable arguments).
func (d *Dispatcher) Dispatch(ctx context.Context, call stream.FunctionCall) (string, error) {
	reg, ok := d.registry[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", canon.ErrToolNotFound, call.Name)
	}

	var args map[string]interface{}
	raw := call.Arguments
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "", fmt.Errorf("%w: %s: %s", canon.ErrToolArgumentsInvalid, call.Name, err)
	}

	started := time.Now()
	result, err := reg.executor(ctx, args)
	elapsed := time.Since(started).Seconds()

	payload := toolOutputPayload{Meta: toolOutputMeta{DurationSecs: elapsed}}
	if err != nil {
		logger.Warn("tool %s failed: %v", call.Name, err)
		payload.Success = false
		payload.Error = err.Error()
		payload.Meta.ExitCode = 1
	} else if result.ErrorMsg != "" {
		payload.Success = false
		payload.Error = result.ErrorMsg
		payload.Meta.ExitCode = 1
		payload.Output = truncate(strings.ToValidUTF8(result.Output, "�"))
	} else {
		payload.Success = true
		payload.Output = truncate(strings.ToValidUTF8(result.Output, "�"))
	}

	encoded, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return "", fmt.Errorf("dispatch: marshal tool output: %w", marshalErr)
	}
	return string(encoded), nil
}

// truncate applies the output truncation policy: keep the first
// headLines and last tailLines lines, bounded additionally by
// maxBytes, inserting an omission marker when anything is dropped.
func truncate(s string) string {
	if len(s) <= maxBytes && strings.Count(s, "\n") <= headLines+tailLines {
		return s
	}

	lines := strings.Split(s, "\n")
	if len(lines) > headLines+tailLines {
		omitted := len(lines) - headLines - tailLines
		head := lines[:headLines]
		tail := lines[len(lines)-tailLines:]
		marker := fmt.Sprintf("[... omitted %d of %d lines ...]", omitted, len(lines))
		lines = append(append(head, marker), tail...)
		s = strings.Join(lines, "\n")
	}

	if len(s) > maxBytes {
		s = s[:maxBytes]
	}
	return s
}
