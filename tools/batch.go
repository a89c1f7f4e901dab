package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MaxParallelWorkers caps the batch worker pool regardless of how many
// invocations a batch carries.
const MaxParallelWorkers = 5

const batchToolName = "batch_tool"

type batchInvocation struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

type batchArgs struct {
	Invocations []batchInvocation `json:"invocations"`
	Mode        string            `json:"mode"`
}

type batchEntry struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// RegisterBatchTool registers batch_tool on the dispatcher's registry. The
// batch executor re-enters the dispatcher for each invocation, so it needs
// the dispatcher itself, not just the registry.
func RegisterBatchTool(d *Dispatcher) {
	d.Registry().Register(RegisteredTool{
		Definition: Definition{
			Name:        batchToolName,
			Description: "Run several tool invocations at once. mode 'parallel' runs up to 5 concurrently; 'serial' runs them in order. Results match input order.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"invocations": map[string]interface{}{
						"type":        "array",
						"description": "Tool invocations to run, each {tool, input}.",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"tool":  map[string]interface{}{"type": "string"},
								"input": map[string]interface{}{"type": "object"},
							},
							"required": []string{"tool"},
						},
					},
					"mode": map[string]interface{}{
						"type": "string",
						"enum": []string{"parallel", "serial"},
					},
				},
				"required": []string{"invocations"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			var args batchArgs
			if err := json.Unmarshal(arguments, &args); err != nil {
				return Failure(fmt.Sprintf("invalid batch arguments: %v", err)), nil
			}
			if len(args.Invocations) == 0 {
				return Failure("batch requires at least one invocation"), nil
			}
			for _, b := range args.Invocations {
				if b.Tool == batchToolName {
					return Failure("nested batch_tool invocations are not allowed"), nil
				}
			}

			entries := d.runBatch(ctx, args.Invocations, args.Mode == "serial", inv)
			out, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return Failure(fmt.Sprintf("failed to encode batch results: %v", err)), nil
			}
			// Batch success reflects that the mechanism ran, not that every
			// entry succeeded.
			return Ok(string(out)), nil
		},
	})
}

// runBatch executes invocations and writes each result into its input slot,
// so output order always matches input order.
func (d *Dispatcher) runBatch(ctx context.Context, invocations []batchInvocation, serial bool, inv *Invocation) []batchEntry {
	entries := make([]batchEntry, len(invocations))

	runOne := func(i int) {
		b := invocations[i]
		res := d.Dispatch(ctx, b.Tool, b.Input, inv)
		entries[i] = batchEntry{
			Tool:    b.Tool,
			Success: res.Success,
			Output:  res.Text(),
		}
	}

	if serial {
		for i := range invocations {
			runOne(i)
		}
		return entries
	}

	sem := make(chan struct{}, MaxParallelWorkers)
	var wg sync.WaitGroup
	for i := range invocations {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			runOne(i)
		}(i)
	}
	wg.Wait()
	return entries
}
