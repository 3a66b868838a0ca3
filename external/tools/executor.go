// Package tools runs tool calls requested by a model against the tool
// definitions declared on a bot. Only builtin handlers are executed; a
// declared tool without a handler yields an error result.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/llm"
)

var (
	ErrUndeclaredTool  = errors.New("tool is not declared")
	ErrNoHandler       = errors.New("tool has no handler")
	ErrInvalidArgument = errors.New("invalid tool argument")
)

// Handler runs one tool with arguments already validated against its
// declaration.
type Handler func(ctx context.Context, args map[string]any) (string, error)

type Executor struct {
	handlers map[string]Handler
}

func NewExecutor(handlers map[string]Handler) *Executor {
	return &Executor{handlers: handlers}
}

func (e *Executor) ExecuteTools(ctx context.Context, calls []llm.ToolCall, defs []bot.ToolDefinition) []llm.ToolResult {
	declared := make(map[string]bot.ToolDefinition, len(defs))
	for _, d := range defs {
		declared[d.Name] = d
	}
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		out, err := e.execute(ctx, call, declared)
		results = append(results, llm.ToolResult{CallID: call.ID, Name: call.Name, Output: out, Err: err})
	}
	return results
}

func (e *Executor) execute(ctx context.Context, call llm.ToolCall, declared map[string]bot.ToolDefinition) (string, error) {
	def, ok := declared[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUndeclaredTool, call.Name)
	}
	handler, ok := e.handlers[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, call.Name)
	}
	args, err := decodeArguments(call.Arguments, def.Parameters)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return handler(ctx, args)
}

func decodeArguments(raw string, params []bot.ToolParameter) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("%w: arguments are not a JSON object: %v", ErrInvalidArgument, err)
		}
	}
	known := make(map[string]struct{}, len(params))
	for _, p := range params {
		known[p.Name] = struct{}{}
		v, present := args[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, fmt.Errorf("%w: %s is required", ErrInvalidArgument, p.Name)
			}
			continue
		}
		if !matchesType(v, p.Type) {
			return nil, fmt.Errorf("%w: %s must be %s", ErrInvalidArgument, p.Name, p.Type)
		}
	}
	for name := range args {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%w: %s is not declared", ErrInvalidArgument, name)
		}
	}
	return args, nil
}

func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	default:
		return false
	}
}
