package core

import (
	"fmt"
)

// ToolCall represents a tool invocation issued by the model.
// Calls are immutable once issued; use Clone before mutating arguments.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Clone returns a copy with its own arguments map.
func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Arguments != nil {
		out.Arguments = make(map[string]interface{}, len(c.Arguments))
		for k, v := range c.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}

// ToolResult represents the outcome of one tool call. Execution results
// come from a harness; blocked results come from policy screening and
// are a distinct outcome, never a handler failure in disguise.
type ToolResult struct {
	ToolCallID string                 `json:"tool_call_id"`
	Content    string                 `json:"content,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Blocked    bool                   `json:"blocked,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// FailedResult builds a failed result for a call without invoking anything.
func FailedResult(callID string, err error) ToolResult {
	return ToolResult{
		ToolCallID: callID,
		Success:    false,
		Error:      err.Error(),
	}
}

// BlockedResult builds the policy-veto outcome for a call. The content
// tells the model why the call was refused so it can adjust course.
func BlockedResult(callID string, reason string) ToolResult {
	return ToolResult{
		ToolCallID: callID,
		Content:    fmt.Sprintf("tool call blocked by policy: %s", reason),
		Success:    false,
		Blocked:    true,
		Error:      reason,
	}
}

// ToolParameter describes a single schema parameter.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolSchema describes a tool to the model and to argument validation.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

// Validate checks the schema is well formed enough to register.
func (s ToolSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("tool description is required")
	}
	for _, p := range s.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s has a parameter without a name", s.Name)
		}
		if p.Type == "" {
			return fmt.Errorf("tool %s parameter %s has no type", s.Name, p.Name)
		}
	}
	return nil
}

// JSONSchema converts the parameter list into a JSON Schema document,
// the shape both providers and gojsonschema consume.
func (s ToolSchema) JSONSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Parameters))
	required := []string{}
	for _, p := range s.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
