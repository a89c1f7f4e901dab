package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drover-dev/drover/tools"
)

// HandleStatus is a subagent's lifecycle state.
type HandleStatus string

const (
	SubagentRunning   HandleStatus = "running"
	SubagentCompleted HandleStatus = "completed"
	SubagentFailed    HandleStatus = "failed"
)

// defaultSubagentIterations caps a child run tighter than the parent.
const defaultSubagentIterations = 50

// defaultWaitTimeout bounds how long get_subagent_output blocks.
const defaultWaitTimeout = 60 * time.Second

// Handle tracks one spawned subagent.
type Handle struct {
	ID   string `json:"id"`
	Task string `json:"task"`

	mu      sync.Mutex
	status  HandleStatus
	outcome *Outcome
	err     error
	done    chan struct{}
}

// Status returns the handle's current status.
func (h *Handle) Status() HandleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// EventSink receives child-controller events. Forwarded events carry
// "depth" and "subagent" entries in Data identifying the nesting level and
// the handle they belong to.
type EventSink func(Event)

// Spawner creates child controllers with isolated histories. Children share
// the parent's approval gate, undo journal, and task supervisor through the
// copied invocation, but get their own registry and dispatcher.
type Spawner struct {
	client     CompletionClient
	baseConfig Config
	baseInv    *tools.Invocation
	bridge     tools.BridgeHandler
	maxDepth   int
	depth      int
	log        zerolog.Logger
	sink       EventSink

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewSpawner creates a spawner at depth 0.
func NewSpawner(client CompletionClient, baseConfig Config, baseInv *tools.Invocation, bridge tools.BridgeHandler, maxDepth int, log zerolog.Logger) *Spawner {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	return &Spawner{
		client:     client,
		baseConfig: baseConfig,
		baseInv:    baseInv,
		bridge:     bridge,
		maxDepth:   maxDepth,
		log:        log,
		handles:    make(map[string]*Handle),
	}
}

// SetEventSink registers the sink that receives forwarded child events.
// Nested spawners inherit it, so every level reports through the same sink.
// Set it before spawning.
func (s *Spawner) SetEventSink(sink EventSink) {
	s.sink = sink
}

// CanSpawn reports whether the nesting depth allows another level. At the
// limit the spawn tools are simply not registered.
func (s *Spawner) CanSpawn() bool {
	return s.depth < s.maxDepth
}

// Handles returns all known handles, stable by ID.
func (s *Spawner) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a handle by ID, or nil.
func (s *Spawner) Get(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

// newChild builds an isolated controller one level deeper. The child's
// dispatcher gets its own built-in registry plus nested spawn tools if depth
// still allows.
func (s *Spawner) newChild() *Controller {
	registry := tools.NewBuiltinRegistry()
	dispatcher := tools.NewDispatcher(registry, s.bridge)
	tools.RegisterBatchTool(dispatcher)

	inv := *s.baseInv
	inv.IsSubagent = true

	cfg := s.baseConfig
	if cfg.MaxIterations <= 0 || cfg.MaxIterations > defaultSubagentIterations {
		cfg.MaxIterations = defaultSubagentIterations
	}

	child := NewController(s.client, dispatcher, &inv, cfg, s.log)

	nested := &Spawner{
		client:     s.client,
		baseConfig: s.baseConfig,
		baseInv:    &inv,
		bridge:     s.bridge,
		maxDepth:   s.maxDepth,
		depth:      s.depth + 1,
		log:        s.log,
		sink:       s.sink,
		handles:    make(map[string]*Handle),
	}
	if nested.CanSpawn() {
		RegisterSubagentTools(dispatcher, nested)
	}

	return child
}

// Spawn runs a subagent. Foreground spawns block until the child finishes;
// background spawns return the handle immediately.
func (s *Spawner) Spawn(ctx context.Context, task string, background bool) (*Handle, error) {
	if !s.CanSpawn() {
		return nil, fmt.Errorf("agent: maximum subagent depth (%d) reached", s.maxDepth)
	}

	handle := &Handle{
		ID:     strings.ReplaceAll(uuid.New().String(), "-", "")[:7],
		Task:   task,
		status: SubagentRunning,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[handle.ID] = handle
	s.mu.Unlock()

	run := func() {
		child := s.newChild()

		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			s.forward(child.Events(), handle.ID)
		}()

		outcome, err := child.Run(ctx, task)

		// Drain remaining child events before the handle reports done.
		child.Close()
		<-forwarded

		handle.mu.Lock()
		if err != nil {
			handle.status = SubagentFailed
			handle.err = err
		} else {
			handle.status = SubagentCompleted
			handle.outcome = outcome
		}
		handle.mu.Unlock()
		close(handle.done)
	}

	if background {
		go run()
		return handle, nil
	}
	run()
	return handle, nil
}

// forward relays child events to the sink, tagging each with its nesting
// depth and the handle it belongs to. The loop also keeps the child's event
// channel drained when no sink is registered.
func (s *Spawner) forward(events <-chan Event, handleID string) {
	for ev := range events {
		if s.sink == nil {
			continue
		}
		data := make(map[string]interface{}, len(ev.Data)+2)
		for k, v := range ev.Data {
			data[k] = v
		}
		data["depth"] = s.depth + 1
		data["subagent"] = handleID
		ev.Data = data
		s.sink(ev)
	}
}

// Fold renders a finished handle into the single tool-result string the
// parent's conversation receives: the child's summary plus an audit of the
// tool calls it made.
func (h *Handle) Fold() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var b strings.Builder
	switch h.status {
	case SubagentRunning:
		fmt.Fprintf(&b, "Subagent %s is still running.", h.ID)
		return b.String()
	case SubagentFailed:
		fmt.Fprintf(&b, "Subagent %s failed: %v", h.ID, h.err)
		return b.String()
	}

	fmt.Fprintf(&b, "Subagent %s finished with status %s.\n\n%s\n", h.ID, h.outcome.Status, h.outcome.Summary)
	if len(h.outcome.ToolCallCounts) > 0 {
		names := make([]string, 0, len(h.outcome.ToolCallCounts))
		for name := range h.outcome.ToolCallCounts {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\nTool calls made:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %d\n", name, h.outcome.ToolCallCounts[name])
		}
	}
	return b.String()
}

// RegisterSubagentTools registers spawn_subagent, get_subagent_output, and
// list_subagents on the dispatcher's registry.
func RegisterSubagentTools(d *tools.Dispatcher, spawner *Spawner) {
	reg := d.Registry()

	reg.Register(tools.RegisteredTool{
		Definition: tools.Definition{
			Name:        "spawn_subagent",
			Description: "Delegate a scoped task to a nested agent. Foreground spawns block and return the result; background spawns return an ID to poll with get_subagent_output.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task": map[string]interface{}{
						"type":        "string",
						"description": "Natural language task description.",
					},
					"background": map[string]interface{}{
						"type":        "boolean",
						"description": "Run the subagent in the background. Default: false.",
					},
				},
				"required": []string{"task"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *tools.Invocation) (*tools.Result, error) {
			args, err := tools.ParseArguments(arguments)
			if err != nil {
				return tools.Failure(err.Error()), nil
			}
			task, ok := tools.StringArg(args, "task")
			if !ok || strings.TrimSpace(task) == "" {
				return tools.Failure("spawn_subagent requires a task"), nil
			}
			background, _ := tools.BoolArg(args, "background")

			handle, err := spawner.Spawn(ctx, task, background)
			if err != nil {
				return tools.Failure(err.Error()), nil
			}
			if background {
				return tools.Ok(fmt.Sprintf("Subagent %s started in the background. Use get_subagent_output to collect its result.", handle.ID)), nil
			}
			return tools.Ok(handle.Fold()), nil
		},
	})

	reg.Register(tools.RegisteredTool{
		Definition: tools.Definition{
			Name:        "get_subagent_output",
			Description: "Wait for a subagent to finish (bounded) and return its folded result.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"subagent_id": map[string]interface{}{
						"type":        "string",
						"description": "The subagent ID from spawn_subagent.",
					},
					"timeout_seconds": map[string]interface{}{
						"type":        "integer",
						"description": "How long to wait. Default: 60.",
					},
				},
				"required": []string{"subagent_id"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *tools.Invocation) (*tools.Result, error) {
			args, err := tools.ParseArguments(arguments)
			if err != nil {
				return tools.Failure(err.Error()), nil
			}
			id, _ := tools.StringArg(args, "subagent_id")
			handle := spawner.Get(id)
			if handle == nil {
				return tools.Failure(fmt.Sprintf("subagent %s not found", id)), nil
			}

			timeout := defaultWaitTimeout
			if secs, ok := tools.IntArg(args, "timeout_seconds"); ok && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}

			select {
			case <-handle.done:
			case <-time.After(timeout):
			case <-ctx.Done():
			}
			return tools.Ok(handle.Fold()), nil
		},
	})

	reg.Register(tools.RegisteredTool{
		Definition: tools.Definition{
			Name:        "list_subagents",
			Description: "List spawned subagents and their statuses.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *tools.Invocation) (*tools.Result, error) {
			handles := spawner.Handles()
			if len(handles) == 0 {
				return tools.Ok("No subagents have been spawned."), nil
			}
			var b strings.Builder
			for _, h := range handles {
				fmt.Fprintf(&b, "%s  %-9s  %s\n", h.ID, h.Status(), h.Task)
			}
			return tools.Ok(b.String()), nil
		},
	})
}
