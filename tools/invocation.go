package tools

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/drover-dev/drover/approval"
	"github.com/drover-dev/drover/bgtask"
	"github.com/drover-dev/drover/shell"
	"github.com/drover-dev/drover/undo"
)

// CompletionStatus is the outcome a model reports through task_complete.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionPartial CompletionStatus = "partial"
	CompletionFailed  CompletionStatus = "failed"
)

// Valid reports whether s is a recognized completion status.
func (s CompletionStatus) Valid() bool {
	switch s {
	case CompletionSuccess, CompletionPartial, CompletionFailed:
		return true
	}
	return false
}

// Completion is a task_complete signal carried on a tool result.
type Completion struct {
	Status  CompletionStatus `json:"status"`
	Summary string           `json:"summary"`
}

// Result is the envelope every tool execution produces.
type Result struct {
	Success     bool            `json:"success"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	PlanOnly    bool            `json:"plan_only,omitempty"`
	Interrupted bool            `json:"interrupted,omitempty"`
	Completion  *Completion     `json:"completion,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// Text renders the result as the string fed back to the model.
func (r *Result) Text() string {
	if r.Success {
		return r.Output
	}
	if r.Error != "" {
		return "Error: " + r.Error
	}
	return "Error: tool failed"
}

// Failure builds a failed result with a message.
func Failure(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

// Ok builds a successful result with output.
func Ok(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Invocation is the per-dispatch execution context. It is passed by
// reference through one dispatch and never persisted.
type Invocation struct {
	Modes      *ModeManager
	Approvals  *approval.Gate
	Journal    *undo.Journal
	Tasks      *bgtask.Supervisor
	Runner     *shell.Runner
	WorkingDir string
	Log        zerolog.Logger
	IsSubagent bool

	// CommandsDisabled turns every run_command into a structured failure.
	CommandsDisabled bool

	// Notify receives streamed tool output for a host UI. May be nil.
	Notify func(line string)
}

func (inv *Invocation) notify(line string) {
	if inv.Notify != nil {
		inv.Notify(line)
	}
}
