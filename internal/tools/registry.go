// ABOUTME: Thread-safe registry of named tool capabilities the workflow engine may invoke
// ABOUTME: Manages registration, lookup, and manifest-driven filtering

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrToolCollision indicates a tool name is already registered.
var ErrToolCollision = errors.New("tool name collision")

// ErrToolNotFound indicates the specified tool was not found.
var ErrToolNotFound = errors.New("tool not found")

// Param describes one typed input field of a tool.
type Param struct {
	Name        string `toml:"name"`
	Type        string `toml:"type"` // "string", "number", "boolean"
	Description string `toml:"description"`
	Required    bool   `toml:"required"`
}

// Definition declares a tool's name and typed input/output contract.
type Definition struct {
	Name        string  `toml:"name"`
	Description string  `toml:"description"`
	Params      []Param `toml:"params"`
	OutputType  string  `toml:"output_type"` // "string" unless stated otherwise
}

// Tool is a named capability with typed input/output. Input and output
// are JSON documents matching the Definition's contract. Invoke may
// suspend on I/O and must honor ctx cancellation.
type Tool interface {
	Definition() Definition
	Invoke(ctx context.Context, inputJSON string) (string, error)
}

// Registry is a thread-safe collection of tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tool-registry"),
	}
}

// Register adds a tool. Returns ErrToolCollision if the name is taken.
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition().Name
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolCollision, name)
	}
	r.tools[name] = tool
	r.logger.Debug("tool registered", "tool", name)
	return nil
}

// Lookup returns the tool with the given name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns all registered tool definitions sorted by name.
// The workflow engine hands these to the planner so it knows what it may
// invoke.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Restrict removes every tool not named in the manifest and overrides
// descriptions where the manifest provides one. Returns an error if the
// manifest names a tool that is not registered.
func (r *Registry) Restrict(manifest *Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := make(map[string]Definition, len(manifest.Tools))
	for _, def := range manifest.Tools {
		if _, ok := r.tools[def.Name]; !ok {
			return fmt.Errorf("%w: manifest declares %q", ErrToolNotFound, def.Name)
		}
		allowed[def.Name] = def
	}

	for name, tool := range r.tools {
		def, ok := allowed[name]
		if !ok {
			delete(r.tools, name)
			r.logger.Info("tool disabled by manifest", "tool", name)
			continue
		}
		if def.Description != "" {
			r.tools[name] = &describedTool{Tool: tool, description: def.Description}
		}
	}
	return nil
}

// describedTool overrides a tool's description with the manifest's.
type describedTool struct {
	Tool
	description string
}

func (t *describedTool) Definition() Definition {
	def := t.Tool.Definition()
	def.Description = t.description
	return def
}
