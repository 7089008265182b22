package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stationops/quartermaster/pkg/models"
)

// Tool is the contract domain tools implement. The runtime never interprets
// tool semantics; it only reads the metadata and invokes Execute.
type Tool interface {
	// Name returns the tool name used in model function calling.
	Name() string

	// Description returns a natural language description for the model.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Risk returns the tool's declared risk level.
	Risk() models.RiskLevel

	// Execute runs the tool with arguments matching Schema.
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// ToolResult is the output of one tool execution. Errors the model should
// see and adapt to are communicated with IsError set, not as Go errors.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Argument size limit to prevent resource exhaustion
const maxToolArgsSize = 1 << 20

// Registry manages available tools with thread-safe registration and lookup.
// Tool argument schemas are compiled at registration so every call can be
// validated before execution.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool with the same name.
// A schema that fails to compile is rejected.
func (r *Registry) Register(tool Tool) error {
	compiled, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		return fmt.Errorf("register %s: %w", tool.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas[tool.Name()] = compiled
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// RiskOf returns the declared risk level for a tool name. Unknown names
// report critical, never a weaker default.
func (r *Registry) RiskOf(name string) models.RiskLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.tools[name]; ok {
		return tool.Risk()
	}
	return models.RiskCritical
}

// Definitions returns the provider-facing definitions of all registered
// tools, ordered by registration map iteration (providers treat the list as
// a set).
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// Execute runs a tool by name after validating the arguments against its
// schema. Not-found and invalid-input failures return categorized ToolErrors
// so the retry handler treats them as fatal.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	if len(args) > maxToolArgsSize {
		return nil, NewToolError(ToolErrorInvalidInput, name,
			fmt.Errorf("arguments exceed maximum size of %d bytes", maxToolArgsSize))
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewToolError(ToolErrorNotFound, name, ErrToolNotFound)
	}

	if schema != nil {
		var decoded any
		dec := json.NewDecoder(bytes.NewReader(args))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return nil, NewToolError(ToolErrorInvalidInput, name, err)
		}
		if err := schema.Validate(decoded); err != nil {
			return nil, NewToolError(ToolErrorInvalidInput, name, err)
		}
	}

	return tool.Execute(ctx, args)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
