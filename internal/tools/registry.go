// Package tools defines the tools the calendar agent can call.
//
// Tools that write to a user's calendar or task list run through the
// user's mutation serializer, so an agent write and a concurrent write from
// another request never interleave.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidInput is returned when tool input does not match the schema.
var ErrInvalidInput = errors.New("invalid tool input")

// Call is one invocation of a tool by the agent.
type Call struct {
	ID     string
	Name   string
	Input  json.RawMessage
	UserID string
}

// Tool is a function the agent may call.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	// Sensitive tools wait for the user's explicit approval before running.
	Sensitive bool
	// Icon and Progress label the progress_update shown while the tool runs.
	Icon     string
	Progress string
	Run      func(ctx context.Context, call Call) (any, error)
}

// Registry holds the tools offered to the agent.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...*Tool) *Registry {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return r
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []*Tool {
	if r == nil {
		return nil
	}
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v, nil
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
