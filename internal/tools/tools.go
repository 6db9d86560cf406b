// Package tools defines the tools the model may call during a turn and
// the registry that validates and dispatches those calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is one capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema of the arguments object.
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Spec is the published description of a tool.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds available tools. It is filled at startup and read by
// every turn; Register may be called concurrently with lookups.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds t, replacing any tool of the same name. The tool's schema
// must compile.
func (r *Registry) Register(t Tool) error {
	raw, err := json.Marshal(t.Schema())
	if err != nil {
		return fmt.Errorf("encode %s schema: %w", t.Name(), err)
	}
	schema, err := jsonschema.CompileString(t.Name()+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = &entry{tool: t, schema: schema}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Specs returns the specs of the named tools in the given order, skipping
// names that are not registered. With no names, every tool is returned.
func (r *Registry) Specs(names ...string) []Spec {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, Spec{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Schema(),
		})
	}
	return specs
}

// List returns the named tools in the function-declaration format the
// model service expects.
func (r *Registry) List(names ...string) []map[string]any {
	specs := r.Specs(names...)
	result := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.Parameters,
			},
		})
	}
	return result
}

// Catalogue renders specs as the markdown table placed in the system
// prompt.
func Catalogue(specs []Spec) string {
	var b strings.Builder
	b.WriteString("| tool | description |\n| --- | --- |\n")
	for _, s := range specs {
		fmt.Fprintf(&b, "| %s | %s |\n", s.Name, s.Description)
	}
	return b.String()
}

// Execute validates args against the tool's schema and runs it.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := validate(e.schema, args); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return e.tool.Execute(ctx, args)
}

// validate checks args in their JSON form, so values built in Go (such as
// []string) validate the same as decoded ones.
func validate(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

// Warning renders a tool failure as the result text handed back to the
// model.
func Warning(err error) string {
	return "⚠️ " + err.Error()
}

// stringArg returns args[key] if it is a string.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// stringsArg returns args[key] as a string slice, dropping non-strings.
func stringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
