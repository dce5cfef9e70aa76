// Package tools implements the capability table and the batch executor the
// workflow phases call tools through, plus the failure-diagnosis heuristic
// that escalates sustained tool failure to a diagnostic detour.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chiseldev/chisel/internal/llm"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ToolCallResult is the uniform result shape for every invoked tool.
type ToolCallResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Status  Status `json:"status"`
}

// Handler is one registered capability. Invoke receives schema-validated args.
type Handler struct {
	Definition llm.ToolDefinition
	Invoke     func(ctx context.Context, args map[string]any) (string, error)

	schema *jsonschema.Schema
}

// Registry is the capability table, validated at registration time rather than
// resolved ad hoc per call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Handler{}}
}

func (r *Registry) Register(h Handler) error {
	if err := llm.ValidateToolName(h.Definition.Name); err != nil {
		return err
	}
	if h.Invoke == nil {
		return fmt.Errorf("tool %s missing invoke func", h.Definition.Name)
	}
	s, err := compileSchema(h.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", h.Definition.Name, err)
	}
	h.schema = s
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[h.Definition.Name] = h
	return nil
}

func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	return out
}

// Execute runs one call. Failures never propagate as errors: an unknown tool
// name yields a synthetic error result, malformed arguments yield a
// descriptive error result naming the expected schema, and handler errors are
// captured as status=error results.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCallData) ToolCallResult {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return ToolCallResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("unknown tool: %s", call.Name),
			Status:  StatusError,
		}
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return malformedArgsResult(call, t, fmt.Sprintf("invalid tool arguments JSON: %v", err))
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.schema.Validate(args); err != nil {
		return malformedArgsResult(call, t, fmt.Sprintf("tool arguments failed schema validation: %v", err))
	}

	content, err := t.Invoke(ctx, args)
	if err != nil {
		msg := strings.TrimSpace(content)
		if msg == "" {
			msg = err.Error()
		}
		return ToolCallResult{CallID: call.ID, Name: call.Name, Content: msg, Status: StatusError}
	}
	return ToolCallResult{CallID: call.ID, Name: call.Name, Content: content, Status: StatusSuccess}
}

func malformedArgsResult(call llm.ToolCallData, t Handler, reason string) ToolCallResult {
	expected := "{}"
	if b, err := json.Marshal(t.Definition.Parameters); err == nil {
		expected = string(b)
	}
	return ToolCallResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: fmt.Sprintf("%s; expected schema: %s", reason, expected),
		Status:  StatusError,
	}
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		// Default to empty object schema.
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
