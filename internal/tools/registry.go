package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/parley/internal/observability"
)

// Tool argument limits to keep a misbehaving model from exhausting memory.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolArgsSize = 10 << 20
)

// registration is one registered tool with its parse-once schema artifacts.
type registration struct {
	tool      Tool
	origin    string
	schemaMap map[string]any
	compiled  *jsonschema.Schema
}

// Registry holds the callable tools for one runtime. Registration compiles
// each tool's schema exactly once; Execute runs the full argument pipeline
// (parse, normalize, validate, run) and always reports failures as error
// results rather than Go errors, so a bad tool call never aborts a turn.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registration
	logger *observability.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Registry{
		tools:  make(map[string]*registration),
		logger: logger,
	}
}

// Register adds a tool. A name collision is rejected: the first registration
// wins, a warning is logged, and an error is returned so the caller can
// surface it. The tool's schema is parsed and compiled here; a schema that
// does not compile also rejects the registration.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d characters", name[:32]+"...", MaxToolNameLength)
	}

	origin := "built-in"
	if o, ok := tool.(Originated); ok {
		origin = o.Origin()
	}

	var schemaMap map[string]any
	if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
		return fmt.Errorf("tool %s: parsing schema: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name, string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("tool %s: compiling schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[name]; ok {
		r.logger.Warn(context.Background(), "tool name collision, keeping first registration",
			"tool", name,
			"kept_origin", existing.origin,
			"rejected_origin", origin,
		)
		return fmt.Errorf("tool %s already registered (origin %s)", name, existing.origin)
	}

	r.tools[name] = &registration{
		tool:      tool,
		origin:    origin,
		schemaMap: schemaMap,
		compiled:  compiled,
	}
	return nil
}

// Unregister removes a tool by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// UnregisterOrigin removes every tool registered with the given origin.
// Used when an MCP server stops. Returns the removed names.
func (r *Registry) UnregisterOrigin(origin string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, reg := range r.tools {
		if reg.origin == origin {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// List returns the registered tools sorted by name, so provider payloads
// and listings are deterministic.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name].tool)
	}
	return out
}

// Definitions returns the public view of every registered tool, sorted by
// name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		defs = append(defs, Definition{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			Schema:      reg.tool.Schema(),
			Origin:      reg.origin,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool through the argument pipeline. Every failure
// mode (unknown tool, unparseable or invalid arguments, execution error)
// comes back as a Result with Success=false; the returned Result is never
// nil.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) *Result {
	if len(name) > MaxToolNameLength {
		return Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	if len(args) > MaxToolArgsSize {
		return r.finish(name, Errorf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize))
	}

	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		observability.ToolExecutionsTotal.WithLabelValues(name, "not_found").Inc()
		return Errorf("tool not found: %s", name)
	}

	// Parse once. Missing or empty arguments mean the empty object.
	parsed := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			observability.ToolExecutionsTotal.WithLabelValues(name, "invalid_args").Inc()
			return Errorf("arguments are not a JSON object: %v", err)
		}
		if parsed == nil {
			parsed = map[string]any{}
		}
	}

	parsed = normalizeArguments(reg.schemaMap, parsed)

	if err := reg.compiled.Validate(parsed); err != nil {
		observability.ToolExecutionsTotal.WithLabelValues(name, "invalid_args").Inc()
		return Errorf("arguments do not match schema for %s: %v", name, err)
	}

	normalized, err := json.Marshal(parsed)
	if err != nil {
		return r.finish(name, Errorf("re-encoding arguments: %v", err))
	}

	start := time.Now()
	result, err := reg.tool.Execute(ctx, normalized)
	observability.ToolExecutionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		observability.ToolExecutionsTotal.WithLabelValues(name, "error").Inc()
		r.logger.Warn(ctx, "tool execution failed", "tool", name, "error", err)
		return Errorf("%s: %v", name, err)
	}
	if result == nil {
		observability.ToolExecutionsTotal.WithLabelValues(name, "error").Inc()
		return Errorf("%s returned no result", name)
	}

	outcome := "ok"
	if !result.Success {
		outcome = "error"
	}
	observability.ToolExecutionsTotal.WithLabelValues(name, outcome).Inc()
	return result
}

func (r *Registry) finish(name string, res *Result) *Result {
	observability.ToolExecutionsTotal.WithLabelValues(name, "error").Inc()
	return res
}

// IsExclusive reports whether the named tool requires serial execution.
func (r *Registry) IsExclusive(name string) bool {
	tool, ok := r.Get(name)
	if !ok {
		return false
	}
	if ex, ok := tool.(Exclusive); ok {
		return ex.Exclusive()
	}
	return false
}
