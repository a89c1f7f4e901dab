package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drover-dev/drover/llm"
	"github.com/drover-dev/drover/tools"
)

// MaxNudges is the number of consecutive corrective nudges injected after a
// failed round before the loop gives up.
const MaxNudges = 3

// nudgeMessage is injected when the model stops calling tools right after a
// failure instead of fixing it or conceding.
const nudgeMessage = "The previous operation failed. Please fix the issue and try again, " +
	"or call task_complete with status='failed' if you cannot proceed."

// completionReminder is injected instead of accepting an implicit completion
// when the session requires an explicit task_complete call.
const completionReminder = "Please call task_complete with a status and summary to finish the task."

// maxParallelCalls caps concurrent tool execution when one response carries
// several calls.
const maxParallelCalls = 5

const taskCompleteName = "task_complete"

// CompletionClient is the LLM surface the controller needs. *llm.Client
// satisfies it; tests substitute a scripted implementation.
type CompletionClient interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Config holds controller settings.
type Config struct {
	Model        string
	Provider     string
	SystemPrompt string

	// MaxIterations caps loop rounds; 0 means the default of 100.
	MaxIterations int

	// ParallelToolCalls executes multi-call responses concurrently
	// (capped) instead of strictly in order.
	ParallelToolCalls bool

	// RequireExplicitCompletion rejects implicit completion: a quiet model
	// is reminded to call task_complete instead of ending the run.
	RequireExplicitCompletion bool

	ToolOutputLimits map[string]int
	ToolLineLimits   map[string]int
}

// Outcome is the result of one run. Interrupted runs keep the transcript
// accumulated so far and are not errors.
type Outcome struct {
	Status      tools.CompletionStatus `json:"status"`
	Summary     string                 `json:"summary"`
	Interrupted bool                   `json:"interrupted,omitempty"`
	Iterations  int                    `json:"iterations"`
	Usage       llm.Usage              `json:"usage"`

	// ToolCallCounts records how often each tool ran, for audit folding.
	ToolCallCounts map[string]int `json:"tool_call_counts,omitempty"`
}

// Controller owns one conversation and drives the tool-calling loop. It is
// single-threaded per run: tool calls only execute concurrently through the
// explicit parallel paths (multi-call responses and batch_tool).
type Controller struct {
	id         string
	client     CompletionClient
	dispatcher *tools.Dispatcher
	inv        *tools.Invocation
	config     Config
	emitter    *EventEmitter
	log        zerolog.Logger

	mu            sync.Mutex
	history       []Turn
	running       bool
	interrupted   bool
	steeringQueue []string
}

// NewController creates a controller over a client and dispatcher. The
// invocation carries the session collaborators shared by every tool call.
func NewController(client CompletionClient, dispatcher *tools.Dispatcher, inv *tools.Invocation, config Config, log zerolog.Logger) *Controller {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 100
	}
	id := uuid.New().String()
	return &Controller{
		id:         id,
		client:     client,
		dispatcher: dispatcher,
		inv:        inv,
		config:     config,
		emitter:    NewEventEmitter(id, 256),
		log:        log,
	}
}

// ID returns the controller's run identifier.
func (c *Controller) ID() string { return c.id }

// Events returns the event channel for the host application.
func (c *Controller) Events() <-chan Event { return c.emitter.Events() }

// Close releases the event channel.
func (c *Controller) Close() { c.emitter.Close() }

// History returns a copy of the conversation history.
func (c *Controller) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := make([]Turn, len(c.history))
	copy(h, c.history)
	return h
}

// Steer queues a message to be injected before the next LLM call.
func (c *Controller) Steer(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steeringQueue = append(c.steeringQueue, message)
}

// Interrupt requests a cooperative stop. The flag is checked at the loop top
// and between tool calls; the run returns an interrupted outcome, not an
// error.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = true
}

func (c *Controller) isInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// Run drives the loop for one user input. Only one run may be active at a
// time. Transport errors from the LLM are returned as-is; there is no retry
// at this layer.
func (c *Controller) Run(ctx context.Context, input string) (*Outcome, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("agent: a run is already in progress")
	}
	c.running = true
	c.interrupted = false
	c.history = append(c.history, NewUserTurn(input))
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.emitter.Emit(EventRunStart, map[string]interface{}{"input": input})

	var usage llm.Usage
	counts := make(map[string]int)
	nudges := 0
	lastRoundFailed := false

	for iteration := 0; ; iteration++ {
		if c.isInterrupted() || ctx.Err() != nil {
			return c.interruptedOutcome(iteration, usage, counts), nil
		}

		if iteration >= c.config.MaxIterations {
			c.emitter.Emit(EventIterationLimit, map[string]interface{}{"iteration": iteration})
			return &Outcome{
				Status:         tools.CompletionPartial,
				Summary:        fmt.Sprintf("Stopped after reaching the iteration limit of %d.", c.config.MaxIterations),
				Iterations:     iteration,
				Usage:          usage,
				ToolCallCounts: counts,
			}, nil
		}

		c.drainSteering()

		response, err := c.client.Complete(ctx, c.buildRequest())
		if err != nil {
			if c.isInterrupted() || ctx.Err() != nil {
				return c.interruptedOutcome(iteration, usage, counts), nil
			}
			c.emitter.Emit(EventError, map[string]interface{}{"error": err.Error()})
			return nil, fmt.Errorf("agent: llm request failed: %w", err)
		}
		usage = usage.Add(response.Usage)

		toolCalls := response.ToolCalls()
		c.mu.Lock()
		c.history = append(c.history, NewAssistantTurn(
			response.Text(), toolCalls, response.Reasoning(), response.Usage, response.ID))
		c.mu.Unlock()
		c.emitter.Emit(EventAssistantText, map[string]interface{}{"text": response.Text()})

		if len(toolCalls) == 0 {
			if lastRoundFailed {
				nudges++
				if nudges > MaxNudges {
					return &Outcome{
						Status:         tools.CompletionFailed,
						Summary:        fmt.Sprintf("Gave up after %d attempts to recover from a failed operation.", MaxNudges),
						Iterations:     iteration + 1,
						Usage:          usage,
						ToolCallCounts: counts,
					}, nil
				}
				c.mu.Lock()
				c.history = append(c.history, NewSteeringTurn(nudgeMessage))
				c.mu.Unlock()
				c.emitter.Emit(EventNudgeInjected, map[string]interface{}{"attempt": nudges})
				continue
			}
			if c.config.RequireExplicitCompletion {
				nudges++
				if nudges > MaxNudges {
					return &Outcome{
						Status:         tools.CompletionPartial,
						Summary:        response.Text(),
						Iterations:     iteration + 1,
						Usage:          usage,
						ToolCallCounts: counts,
					}, nil
				}
				c.mu.Lock()
				c.history = append(c.history, NewSteeringTurn(completionReminder))
				c.mu.Unlock()
				c.emitter.Emit(EventNudgeInjected, map[string]interface{}{"attempt": nudges})
				continue
			}
			// Implicit completion: the model stopped calling tools with
			// nothing broken, so its last text is the summary.
			return &Outcome{
				Status:         tools.CompletionSuccess,
				Summary:        response.Text(),
				Iterations:     iteration + 1,
				Usage:          usage,
				ToolCallCounts: counts,
			}, nil
		}
		nudges = 0

		// task_complete short-circuits the round: it runs alone and every
		// other call in the same response is dropped.
		if tc := findTaskComplete(toolCalls); tc != nil {
			res := c.executeCall(ctx, *tc, counts)
			c.mu.Lock()
			c.history = append(c.history, NewToolResultsTurn([]llm.ToolResult{res.toolResult}))
			c.mu.Unlock()

			if res.completion != nil {
				return &Outcome{
					Status:         res.completion.Status,
					Summary:        res.completion.Summary,
					Iterations:     iteration + 1,
					Usage:          usage,
					ToolCallCounts: counts,
				}, nil
			}
			// Invalid completion call (bad status, blank summary): feed the
			// failure back so the model can fix it.
			lastRoundFailed = true
			continue
		}

		results := c.executeCalls(ctx, toolCalls, counts)
		c.mu.Lock()
		c.history = append(c.history, NewToolResultsTurn(results))
		c.mu.Unlock()

		lastRoundFailed = false
		for _, r := range results {
			if r.IsError {
				lastRoundFailed = true
				break
			}
		}
	}
}

func (c *Controller) interruptedOutcome(iterations int, usage llm.Usage, counts map[string]int) *Outcome {
	c.emitter.Emit(EventInterrupted, nil)
	return &Outcome{
		Status:         tools.CompletionPartial,
		Summary:        "Run interrupted.",
		Interrupted:    true,
		Iterations:     iterations,
		Usage:          usage,
		ToolCallCounts: counts,
	}
}

func (c *Controller) buildRequest() llm.Request {
	planMode := c.inv.Modes != nil && c.inv.Modes.PlanMode()
	defs := c.dispatcher.Definitions(planMode)
	toolDefs := make([]llm.ToolDefinition, len(defs))
	for i, d := range defs {
		toolDefs[i] = llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}

	messages := []llm.Message{llm.SystemMessage(c.config.SystemPrompt)}
	messages = append(messages, HistoryToMessages(c.History())...)

	return llm.Request{
		Model:      c.config.Model,
		Provider:   c.config.Provider,
		Messages:   messages,
		Tools:      toolDefs,
		ToolChoice: &llm.ToolChoice{Mode: "auto"},
	}
}

func (c *Controller) drainSteering() {
	c.mu.Lock()
	messages := make([]string, len(c.steeringQueue))
	copy(messages, c.steeringQueue)
	c.steeringQueue = c.steeringQueue[:0]
	c.mu.Unlock()

	for _, msg := range messages {
		c.mu.Lock()
		c.history = append(c.history, NewSteeringTurn(msg))
		c.mu.Unlock()
		c.emitter.Emit(EventSteering, map[string]interface{}{"content": msg})
	}
}

func findTaskComplete(toolCalls []llm.ToolCall) *llm.ToolCall {
	for i := range toolCalls {
		if toolCalls[i].Name == taskCompleteName {
			return &toolCalls[i]
		}
	}
	return nil
}

// callResult pairs the history-bound tool result with the dispatch flags the
// loop needs.
type callResult struct {
	toolResult llm.ToolResult
	completion *tools.Completion
}

// executeCalls runs a round of tool calls and returns results in request
// order regardless of completion order.
func (c *Controller) executeCalls(ctx context.Context, toolCalls []llm.ToolCall, counts map[string]int) []llm.ToolResult {
	results := make([]llm.ToolResult, len(toolCalls))

	if c.config.ParallelToolCalls && len(toolCalls) > 1 {
		sem := make(chan struct{}, maxParallelCalls)
		var wg sync.WaitGroup
		for i, tc := range toolCalls {
			wg.Add(1)
			sem <- struct{}{}
			go func(idx int, call llm.ToolCall) {
				defer wg.Done()
				defer func() { <-sem }()
				results[idx] = c.executeCall(ctx, call, counts).toolResult
			}(i, tc)
		}
		wg.Wait()
		return results
	}

	for i, tc := range toolCalls {
		if c.isInterrupted() {
			for j := i; j < len(toolCalls); j++ {
				results[j] = llm.ToolResult{
					ToolCallID: toolCalls[j].ID,
					Content:    "Skipped: run interrupted.",
					IsError:    true,
				}
			}
			break
		}
		results[i] = c.executeCall(ctx, tc, counts).toolResult
	}
	return results
}

func (c *Controller) executeCall(ctx context.Context, call llm.ToolCall, counts map[string]int) callResult {
	c.emitter.Emit(EventToolCallStart, map[string]interface{}{
		"tool_name": call.Name,
		"call_id":   call.ID,
	})

	res := c.dispatcher.Dispatch(ctx, call.Name, call.Arguments, c.inv)

	c.mu.Lock()
	counts[call.Name]++
	c.mu.Unlock()

	raw := res.Text()
	truncated := TruncateToolOutput(raw, call.Name, c.config.ToolOutputLimits, c.config.ToolLineLimits)

	c.emitter.Emit(EventToolCallEnd, map[string]interface{}{
		"call_id": call.ID,
		"success": res.Success,
		"output":  raw,
	})

	return callResult{
		toolResult: llm.ToolResult{
			ToolCallID: call.ID,
			Content:    truncated,
			IsError:    !res.Success,
		},
		completion: res.Completion,
	}
}
