package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallData is one tool invocation requested by the model.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a callable tool advertised to the model.
// Parameters is a JSON-schema object (type/properties/required).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []ToolCallData `json:"tool_calls,omitempty"`

	// ToolCallID/Name are set on role=tool messages to associate the result
	// with the originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`

	// IsError marks a tool result that carried status=error.
	IsError bool `json:"is_error,omitempty"`

	// Hidden messages stay in history for auditing but are excluded from
	// model input (e.g., unsafe reviewer commands filtered before execution).
	Hidden bool `json:"hidden,omitempty"`

	// Diagnosis marks messages produced during an error-diagnosis detour.
	// Tool results carrying this flag are excluded from failure grouping.
	Diagnosis bool `json:"diagnosis,omitempty"`
}

func System(text string) Message    { return Message{Role: RoleSystem, Content: text} }
func User(text string) Message     { return Message{Role: RoleUser, Content: text} }
func Assistant(text string) Message { return Message{Role: RoleAssistant, Content: text} }

func ToolResult(callID, name, content string, isErr bool) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content, IsError: isErr}
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Request struct {
	Provider string
	Model    string
	Messages []Message
	Tools    []ToolDefinition

	Temperature          *float64
	MaxTokens            *int
	ThinkingModel        bool
	ThinkingBudgetTokens int
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "messages must not be empty"}
	}
	return nil
}

type Response struct {
	Message Message
	Usage   Usage
}

func (r Response) Text() string { return r.Message.Content }

func (r Response) ToolCalls() []ToolCallData { return r.Message.ToolCalls }

// ProviderAdapter is the provider-agnostic chat-model contract. Adapters are
// registered on the Router by provider name.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// ValidateToolName enforces the common provider constraint on tool names.
func ValidateToolName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("tool name %q contains invalid character %q", name, r)
	}
	return nil
}
