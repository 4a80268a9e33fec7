// Package tool derives tool schemas from Go functions, keeps them in a
// registry and dispatches model-issued tool calls against it.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"llmproxy/internal/logging"
	"llmproxy/internal/models"
)

type entry struct {
	def  models.Tool
	exec Executor
}

// Registry maps tool names to their definitions and executors.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	frozen  bool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool under name. An empty def.Name takes name; a different
// one is rejected. Registering an existing name returns *DuplicateToolError and
// keeps the first definition.
func (r *Registry) Register(name string, def models.Tool, exec Executor) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("tool name must not be empty")
	}
	if exec == nil {
		return fmt.Errorf("tool %q: executor must not be nil", name)
	}
	if def.Name == "" {
		def.Name = name
	}
	if def.Name != name {
		return fmt.Errorf("tool %q: definition is named %q", name, def.Name)
	}
	if def.Parameters.Type == "" {
		def.Parameters.Type = typeObject
	}
	if def.Parameters.Type != typeObject {
		return &SchemaError{Tool: name, Reason: fmt.Sprintf("parameters must be an object schema, got %q", def.Parameters.Type)}
	}
	for _, req := range def.Parameters.Required {
		if _, ok := def.Parameters.Properties[req]; !ok {
			return &SchemaError{Tool: name, Param: req, Reason: "required parameter has no property"}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.entries[name]; exists {
		return &DuplicateToolError{Name: name}
	}
	r.entries[name] = entry{def: cloneTool(def), exec: exec}

	logging.Debug().Str("tool", name).Int("params", len(def.Parameters.Properties)).Msg("tool registered")
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, def models.Tool, exec Executor) {
	if err := r.Register(name, def, exec); err != nil {
		panic(err)
	}
}

// RegisterFunc derives the schema of fn and registers it. See NewFunc.
func (r *Registry) RegisterFunc(name, description string, fn any, paramNames ...string) error {
	def, exec, err := NewFunc(name, description, fn, paramNames...)
	if err != nil {
		return err
	}
	return r.Register(name, def, exec)
}

// Freeze rejects all further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (models.Tool, bool) {
	ent, ok := r.lookup(name)
	if !ok {
		return models.Tool{}, false
	}
	return cloneTool(ent.def), true
}

// ToolsByNames returns the definitions for names in input order.
// Unknown names are skipped, so callers detect them by comparing lengths.
func (r *Registry) ToolsByNames(names ...string) []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]models.Tool, 0, len(names))
	for _, name := range names {
		if ent, ok := r.entries[name]; ok {
			tools = append(tools, cloneTool(ent.def))
		}
	}
	return tools
}

// AllTools returns every registered definition sorted by name.
func (r *Registry) AllTools() []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]models.Tool, 0, len(r.entries))
	for _, ent := range r.entries {
		tools = append(tools, cloneTool(ent.def))
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.entries[name]
	return ent, ok
}

func cloneTool(def models.Tool) models.Tool {
	out := def
	out.Parameters.Required = append([]string(nil), def.Parameters.Required...)
	if out.Parameters.Required == nil {
		out.Parameters.Required = []string{}
	}
	out.Parameters.Properties = make(map[string]*models.PropertySchema, len(def.Parameters.Properties))
	for name, prop := range def.Parameters.Properties {
		out.Parameters.Properties[name] = cloneProperty(prop)
	}
	return out
}

func cloneProperty(prop *models.PropertySchema) *models.PropertySchema {
	if prop == nil {
		return nil
	}
	out := *prop
	out.Items = cloneProperty(prop.Items)
	return &out
}

var defaultRegistry = sync.OnceValue(NewRegistry)

// Default returns the process-wide registry used by the package-level helpers.
func Default() *Registry {
	return defaultRegistry()
}

// Register adds a tool to the default registry.
func Register(name string, def models.Tool, exec Executor) error {
	return Default().Register(name, def, exec)
}

// RegisterFunc derives and registers fn in the default registry.
func RegisterFunc(name, description string, fn any, paramNames ...string) error {
	return Default().RegisterFunc(name, description, fn, paramNames...)
}

// ToolsByNames resolves names against the default registry.
func ToolsByNames(names ...string) []models.Tool {
	return Default().ToolsByNames(names...)
}

// AllTools lists the default registry.
func AllTools() []models.Tool {
	return Default().AllTools()
}

// Execute dispatches against the default registry.
func Execute(ctx context.Context, name, argsJSON string) (string, error) {
	return Default().Execute(ctx, name, argsJSON)
}
