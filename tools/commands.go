package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"syscall"

	"github.com/drover-dev/drover/shell"
	"github.com/drover-dev/drover/undo"
)

// parseSignal maps a signal name to the syscall signal. Empty means the
// supervisor's default.
func parseSignal(name string) (syscall.Signal, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG") {
	case "":
		return 0, nil
	case "TERM":
		return syscall.SIGTERM, nil
	case "INT":
		return syscall.SIGINT, nil
	case "HUP":
		return syscall.SIGHUP, nil
	case "KILL":
		return syscall.SIGKILL, nil
	default:
		return 0, fmt.Errorf("unsupported signal %q", name)
	}
}

func runCommandTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "run_command",
			Description: "Run a shell command in the working directory and return its output. Long-running server commands are started in the background instead.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			command, ok := StringArg(args, "command")
			if !ok || strings.TrimSpace(command) == "" {
				return Failure("run_command requires a command"), nil
			}

			if inv.CommandsDisabled {
				return Failure("command execution is disabled in this session"), nil
			}
			if err := shell.CheckCommand(command); err != nil {
				return Failure(err.Error()), nil
			}

			res, blocked := requireApproval(ctx, inv, command)
			if blocked != nil {
				return blocked, nil
			}
			command = res

			// Server commands would block the loop forever; hand them to the
			// supervisor and report the task handle instead.
			if shell.IsServerCommand(command) && inv.Tasks != nil {
				task, err := inv.Tasks.Start(command, inv.WorkingDir)
				if err != nil {
					return Failure(err.Error()), nil
				}
				recordCommand(inv, command)
				return Ok(fmt.Sprintf("Server command started in the background as task %s. Use get_process_output to check on it.", task.ID)), nil
			}

			recordCommand(inv, command)

			runner := inv.Runner
			if runner == nil {
				runner = shell.NewRunner(inv.WorkingDir)
			}
			result, err := runner.Run(ctx, command, inv.notify)
			if err != nil {
				if ctx.Err() != nil {
					return &Result{Success: false, Interrupted: true, Error: "command interrupted"}, nil
				}
				return Failure(err.Error()), nil
			}
			if result.TimedOut {
				return Failure(fmt.Sprintf("%s\nPartial output:\n%s", result.TimeoutReason, result.Output)), nil
			}
			if result.ExitCode != 0 {
				return Failure(fmt.Sprintf("command exited with code %d\n%s", result.ExitCode, result.Output)), nil
			}
			if result.Output == "" {
				return Ok("(no output)"), nil
			}
			return Ok(result.Output), nil
		},
	}
}

// requireApproval runs a command through the approval gate. It returns the
// approved (possibly edited) command, or a non-nil blocking result.
func requireApproval(ctx context.Context, inv *Invocation, command string) (string, *Result) {
	if inv.Approvals == nil || shell.IsSafe(command) {
		return command, nil
	}
	decision, err := inv.Approvals.Require(ctx, command, inv.WorkingDir)
	if err != nil {
		return "", Failure(err.Error())
	}
	if !decision.Approved {
		// A declined command is an interruption of the model's plan, not a
		// runtime failure.
		return "", &Result{
			Success:     false,
			Interrupted: true,
			Error:       "command was declined by the user",
		}
	}
	return decision.Command, nil
}

func recordCommand(inv *Invocation, command string) {
	if inv.Journal == nil {
		return
	}
	if _, err := inv.Journal.Record(undo.Operation{
		Kind:     undo.KindCommand,
		Target:   command,
		Approved: true,
	}); err != nil {
		inv.Log.Warn().Err(err).Str("command", command).Msg("failed to record operation")
	}
}

func runBackgroundTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "run_background",
			Description: "Start a command in the background and return its task ID immediately.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			command, ok := StringArg(args, "command")
			if !ok || strings.TrimSpace(command) == "" {
				return Failure("run_background requires a command"), nil
			}
			if inv.CommandsDisabled {
				return Failure("command execution is disabled in this session"), nil
			}
			if inv.Tasks == nil {
				return Failure("background tasks are not available in this session"), nil
			}
			if err := shell.CheckCommand(command); err != nil {
				return Failure(err.Error()), nil
			}

			approved, blocked := requireApproval(ctx, inv, command)
			if blocked != nil {
				return blocked, nil
			}

			task, err := inv.Tasks.Start(approved, inv.WorkingDir)
			if err != nil {
				return Failure(err.Error()), nil
			}
			recordCommand(inv, approved)
			return Ok(fmt.Sprintf("Started background task %s (pid %d). Output: %s", task.ID, task.PID, task.OutputPath)), nil
		},
	}
}

func listProcessesTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "list_processes",
			Description: "List background tasks and their statuses.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			if inv.Tasks == nil {
				return Failure("background tasks are not available in this session"), nil
			}
			tasks := inv.Tasks.List()
			if len(tasks) == 0 {
				return Ok("No background tasks."), nil
			}
			var b strings.Builder
			for _, t := range tasks {
				fmt.Fprintf(&b, "%s  %-9s  %s\n", t.ID, t.Status(), t.Command)
			}
			return Ok(b.String()), nil
		},
	}
}

func getProcessOutputTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "get_process_output",
			Description: "Read the captured output of a background task, optionally only the last N lines.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task_id":    map[string]interface{}{"type": "string"},
					"tail_lines": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"task_id"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			id, ok := StringArg(args, "task_id")
			if !ok || id == "" {
				return Failure("get_process_output requires a task_id"), nil
			}
			if inv.Tasks == nil {
				return Failure("background tasks are not available in this session"), nil
			}
			tail, _ := IntArg(args, "tail_lines")
			out, err := inv.Tasks.ReadOutput(id, tail)
			if err != nil {
				return Failure(err.Error()), nil
			}
			task := inv.Tasks.Get(id)
			header := fmt.Sprintf("[task %s: %s]\n", id, task.Status())
			return Ok(header + out), nil
		},
	}
}

func killProcessTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "kill_process",
			Description: "Stop a background task. Killing an already finished task is a no-op.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task_id": map[string]interface{}{"type": "string"},
					"signal": map[string]interface{}{
						"type":        "string",
						"description": "Signal to send: TERM, INT, HUP, or KILL. Default: TERM.",
					},
				},
				"required": []string{"task_id"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			id, ok := StringArg(args, "task_id")
			if !ok || id == "" {
				return Failure("kill_process requires a task_id"), nil
			}
			if inv.Tasks == nil {
				return Failure("background tasks are not available in this session"), nil
			}
			sigName, _ := StringArg(args, "signal")
			sig, err := parseSignal(sigName)
			if err != nil {
				return Failure(err.Error()), nil
			}
			if err := inv.Tasks.Kill(id, sig); err != nil {
				return Failure(err.Error()), nil
			}
			return Ok(fmt.Sprintf("Task %s stopped.", id)), nil
		},
	}
}

func listOperationsTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "list_operations",
			Description: "List recent recorded operations, newest first.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"limit": map[string]interface{}{"type": "integer"},
				},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			if inv.Journal == nil {
				return Failure("the undo journal is not available in this session"), nil
			}
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			limit, _ := IntArg(args, "limit")
			ops := inv.Journal.List(limit)
			if len(ops) == 0 {
				return Ok("No recorded operations."), nil
			}
			var b strings.Builder
			for _, op := range ops {
				fmt.Fprintf(&b, "%s  %-7s  %-9s  %s\n", op.ID[:8], op.Kind, op.Status, op.Target)
			}
			return Ok(b.String()), nil
		},
	}
}

func undoLastTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "undo_last",
			Description: "Reverse the most recent reversible file operation.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			if inv.Journal == nil {
				return Failure("the undo journal is not available in this session"), nil
			}
			op, err := inv.Journal.UndoLast()
			if err != nil {
				return Failure(err.Error()), nil
			}
			return Ok(fmt.Sprintf("Undid %s of %s", op.Kind, op.Target)), nil
		},
	}
}

func taskCompleteTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "task_complete",
			Description: "Signal that the task is finished. status must be success, partial, or failed; summary is required.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"status": map[string]interface{}{
						"type": "string",
						"enum": []string{"success", "partial", "failed"},
					},
					"summary": map[string]interface{}{"type": "string"},
				},
				"required": []string{"status", "summary"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			statusStr, _ := StringArg(args, "status")
			status := CompletionStatus(statusStr)
			if !status.Valid() {
				return Failure(fmt.Sprintf("task_complete status must be success, partial, or failed (got %q)", statusStr)), nil
			}
			summary, _ := StringArg(args, "summary")
			if strings.TrimSpace(summary) == "" {
				return Failure("task_complete requires a non-empty summary"), nil
			}
			return &Result{
				Success:    true,
				Output:     summary,
				Completion: &Completion{Status: status, Summary: summary},
			}, nil
		},
	}
}
