// Package models contains the shared domain types exchanged between the
// agent runtime, providers, storage, and the RPC surface.
package models

import (
	"encoding/json"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// RawArgumentsKey is the reserved argument key under which providers stash
// unparseable streamed tool arguments instead of silently substituting an
// empty object. The skill layer may recover the fragment or report a precise
// validation error.
const RawArgumentsKey = "_raw_arguments"

// ParallelKey is the reserved argument key by which a provider opts a tool
// call batch into concurrent execution.
const ParallelKey = "_parallel"

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON returns the call arguments serialized as JSON. A nil
// arguments map serializes as an empty object.
func (tc ToolCall) ArgumentsJSON() json.RawMessage {
	if tc.Arguments == nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(tc.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// Parallel reports whether this call carries the _parallel flag.
func (tc ToolCall) Parallel() bool {
	v, ok := tc.Arguments[ParallelKey]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ToolResult represents the output of a tool execution. A result is
// successful iff Error is empty.
type ToolResult struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Success reports whether the execution produced no error.
func (tr ToolResult) Success() bool { return tr.Error == "" }

// ErrorResult builds a failed ToolResult from a format string.
func ErrorResult(format string, args ...any) ToolResult {
	return ToolResult{Error: fmt.Sprintf(format, args...)}
}

// Message is a single entry in an agent's conversation history.
//
// Invariant: a Tool message's ToolCallID matches the ID of some ToolCall in
// a preceding Assistant message within the same context window. The context
// manager enforces this across appends and truncation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Empty reports whether the message carries neither content nor tool calls.
// Empty assistant messages are rejected by the context manager so aborted
// provider streams cannot pollute history.
func (m Message) Empty() bool {
	return m.Content == "" && len(m.ToolCalls) == 0
}

// ToolDefinition describes a callable tool to the provider: a name, a human
// description, and a JSON schema for its parameters.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
