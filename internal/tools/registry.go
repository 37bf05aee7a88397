package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
)

// Tool is a function the model may call.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema of the argument object
	Execute(ctx context.Context, args map[string]any) *Result
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema // nil when the declared schema does not compile
}

// Registry holds the tools available to the agent loop and executes calls.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*entry
	disabled map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*entry),
		disabled: make(map[string]bool),
	}
}

// Register adds or replaces a tool. A schema that fails to compile is logged
// and the tool is registered without argument validation.
func (r *Registry) Register(t Tool) {
	e := &entry{tool: t}
	schema, err := compileSchema(t.Name(), t.Parameters())
	if err != nil {
		slog.Warn("tools: parameter schema does not compile, skipping validation", "tool", t.Name(), "error", err)
	} else {
		e.schema = schema
	}

	r.mu.Lock()
	r.tools[t.Name()] = e
	r.mu.Unlock()
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// SetDisabled replaces the set of disabled tool names.
func (r *Registry) SetDisabled(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = make(map[string]bool, len(names))
	for _, n := range names {
		r.disabled[n] = true
	}
}

// List returns the enabled tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if !r.disabled[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns the schemas of the enabled tools, sorted by name.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for name, e := range r.tools {
		if r.disabled[name] {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        name,
				Description: e.tool.Description(),
				Parameters:  e.tool.Parameters(),
			},
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })
	return defs
}

// Clone returns a registry with the same tools minus the excluded names.
func (r *Registry) Clone(exclude ...string) *Registry {
	skip := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		skip[n] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for name, e := range r.tools {
		if !skip[name] {
			out.tools[name] = e
		}
	}
	for name := range r.disabled {
		out.disabled[name] = true
	}
	return out
}

// Execute runs a tool call. rawArgs is the model's JSON argument text: an
// empty or malformed value runs the tool with an empty object. Well-formed
// arguments are validated against the tool's schema first.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string, tc Context) (res *Result) {
	r.mu.RLock()
	e, ok := r.tools[name]
	disabled := r.disabled[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	if disabled {
		return ErrorResult(fmt.Sprintf("tool %s is disabled", name))
	}

	args, wellFormed := parseArgs(rawArgs)
	if !wellFormed {
		slog.Warn("tools: malformed arguments, using empty object",
			"tool", name, "group", tc.GroupID, "args", truncate(rawArgs, 200))
	} else if e.schema != nil {
		if err := e.schema.Validate(args); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("tools: tool panicked", "tool", name, "panic", p, "stack", string(debug.Stack()))
			res = ErrorResult(fmt.Sprintf("tool %s crashed", name))
		}
	}()

	res = e.tool.Execute(WithContext(ctx, tc), args)
	if res == nil {
		res = NewResult("")
	}
	return res
}

func parseArgs(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, true
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}, false
	}
	return args, true
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
