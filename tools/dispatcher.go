package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// BridgePrefix marks tool names routed to an external protocol bridge.
// The full form is bridge__<server>__<tool>.
const BridgePrefix = "bridge__"

// BridgeHandler connects the dispatcher to externally served tools.
type BridgeHandler interface {
	// Call invokes a remote tool on a server and returns its textual output.
	Call(ctx context.Context, server, tool string, arguments json.RawMessage) (string, error)
	// Describe returns the remote tool's schema, if the server knows it.
	Describe(server, tool string) (Definition, bool)
}

// Dispatcher is the single entry point for tool execution. It enforces the
// plan-mode gate, routes bridged names, and converts handler panics into
// structured failures. It never raises past its boundary.
type Dispatcher struct {
	registry *Registry
	bridge   BridgeHandler

	// discovered holds bridged tool definitions that have been used at
	// least once, so later schema sets include them.
	mu         sync.RWMutex
	discovered map[string]Definition
}

// NewDispatcher creates a dispatcher over a registry. bridge may be nil when
// no protocol bridge is configured.
func NewDispatcher(registry *Registry, bridge BridgeHandler) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		bridge:     bridge,
		discovered: make(map[string]Definition),
	}
}

// Registry returns the dispatcher's underlying registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Definitions returns the active tool schema set for the session mode:
// the full registry (or the read-only subset in plan mode) plus every
// discovered bridged tool.
func (d *Dispatcher) Definitions(planMode bool) []Definition {
	var defs []Definition
	for _, def := range d.registry.Definitions() {
		if planMode && !PlanAllowed(def.Name) {
			continue
		}
		defs = append(defs, def)
	}
	if !planMode {
		d.mu.RLock()
		for _, def := range d.discovered {
			defs = append(defs, def)
		}
		d.mu.RUnlock()
	}
	return defs
}

// Discovered returns the names of bridged tools used so far.
func (d *Dispatcher) Discovered() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.discovered))
	for name := range d.discovered {
		names = append(names, name)
	}
	return names
}

// Dispatch routes one tool call. The returned result is always non-nil; the
// error return is reserved for context cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, arguments json.RawMessage, inv *Invocation) *Result {
	if inv.Modes != nil && inv.Modes.PlanMode() && !PlanAllowed(name) {
		return &Result{
			Success:   false,
			PlanOnly:  true,
			ToolName:  name,
			Arguments: arguments,
			Error:     fmt.Sprintf("tool %q is not available in plan mode", name),
		}
	}

	if strings.HasPrefix(name, BridgePrefix) {
		return d.dispatchBridge(ctx, name, arguments)
	}

	tool := d.registry.Get(name)
	if tool == nil {
		return Failure(fmt.Sprintf("unknown tool %q", name))
	}

	return d.execute(ctx, tool, name, arguments, inv)
}

// execute runs a handler with panic recovery.
func (d *Dispatcher) execute(ctx context.Context, tool *RegisteredTool, name string, arguments json.RawMessage, inv *Invocation) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			inv.Log.Error().Str("tool", name).Interface("panic", r).Msg("tool handler panicked")
			result = Failure(fmt.Sprintf("tool %q panicked: %v", name, r))
		}
	}()

	res, err := tool.Executor(ctx, arguments, inv)
	if err != nil {
		return Failure(err.Error())
	}
	if res == nil {
		return Failure(fmt.Sprintf("tool %q returned no result", name))
	}
	return res
}

// dispatchBridge routes a bridge__<server>__<tool> call and records the
// tool's schema in the discovered set on success.
func (d *Dispatcher) dispatchBridge(ctx context.Context, name string, arguments json.RawMessage) *Result {
	if d.bridge == nil {
		return Failure("no protocol bridge is configured")
	}

	rest := strings.TrimPrefix(name, BridgePrefix)
	parts := strings.SplitN(rest, "__", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Failure(fmt.Sprintf("malformed bridged tool name %q", name))
	}
	server, tool := parts[0], parts[1]

	output, err := d.bridge.Call(ctx, server, tool, arguments)
	if err != nil {
		return Failure(fmt.Sprintf("bridged tool %s on %s failed: %v", tool, server, err))
	}

	if def, ok := d.bridge.Describe(server, tool); ok {
		def.Name = name
		d.mu.Lock()
		d.discovered[name] = def
		d.mu.Unlock()
	}

	return Ok(output)
}
