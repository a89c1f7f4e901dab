// Package approval gates command execution behind an explicit user decision.
// At most one request is awaiting a decision at any time, and each request
// resolves exactly once.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// State is the gate's lifecycle state.
type State string

// Resolution is atomic: the gate moves from awaiting back to idle inside
// resolve, so there is no observable in-between state.
const (
	StateIdle     State = "idle"
	StateAwaiting State = "awaiting"
)

// Request describes a command awaiting approval.
type Request struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	WorkingDir string    `json:"working_dir"`
	CreatedAt  time.Time `json:"created_at"`
}

// Decision is the outcome of an approval request. Command carries the
// (possibly edited) command text to run when approved.
type Decision struct {
	Approved bool   `json:"approved"`
	Remember bool   `json:"remember"`
	Command  string `json:"command,omitempty"`
}

// Gate mediates between tool execution and the user.
type Gate struct {
	mu         sync.Mutex
	state      State
	pending    *pendingRequest
	remembered map[string]bool
	patterns   []string
	onPrompt   func(Request)
}

type pendingRequest struct {
	req      Request
	ch       chan Decision
	resolved bool
}

// NewGate creates a gate. patterns are glob-style command patterns (for
// example "git *" or "npm run *") that are approved without prompting.
func NewGate(patterns []string) *Gate {
	return &Gate{
		state:      StateIdle,
		remembered: make(map[string]bool),
		patterns:   patterns,
	}
}

// SetPrompter registers the callback invoked when a request needs a user
// decision. The callback must not block; the user side later calls Resolve.
func (g *Gate) SetPrompter(fn func(Request)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onPrompt = fn
}

// State returns the current gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns the request currently awaiting a decision, if any.
func (g *Gate) Pending() *Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil
	}
	req := g.pending.req
	return &req
}

// rememberKey builds the remember-set key: first command word + working dir.
func rememberKey(command, workingDir string) string {
	prefix := ""
	if fields := strings.Fields(command); len(fields) > 0 {
		prefix = fields[0]
	}
	return prefix + "\x00" + workingDir
}

// preApproved reports whether the command may run without prompting.
func (g *Gate) preApproved(command, workingDir string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.remembered[rememberKey(command, workingDir)] {
		return true
	}
	for _, pattern := range g.patterns {
		if ok, err := doublestar.Match(pattern, command); err == nil && ok {
			return true
		}
	}
	return false
}

// Require blocks until the command is approved or declined. Remembered
// prefixes and configured patterns resolve immediately without a prompt.
// Context cancellation resolves the request as declined.
func (g *Gate) Require(ctx context.Context, command, workingDir string) (Decision, error) {
	if g.preApproved(command, workingDir) {
		return Decision{Approved: true, Command: command}, nil
	}

	g.mu.Lock()
	if g.state == StateAwaiting {
		g.mu.Unlock()
		return Decision{}, fmt.Errorf("approval: a request is already awaiting a decision")
	}

	pending := &pendingRequest{
		req: Request{
			ID:         uuid.New().String(),
			Command:    command,
			WorkingDir: workingDir,
			CreatedAt:  time.Now(),
		},
		ch: make(chan Decision, 1),
	}
	g.pending = pending
	g.state = StateAwaiting
	prompt := g.onPrompt
	req := pending.req
	g.mu.Unlock()

	if prompt != nil {
		prompt(req)
	}

	// The waiter only receives; every state transition belongs to resolve,
	// so a Require admitted right after resolution cannot be stomped here.
	var decision Decision
	select {
	case decision = <-pending.ch:
	case <-ctx.Done():
		g.resolve(pending, Decision{Approved: false})
		decision = <-pending.ch
	}
	return decision, nil
}

// Resolve delivers the decision for the pending request. Only the first
// resolution takes effect; later calls return false.
func (g *Gate) Resolve(decision Decision) bool {
	return g.resolve(nil, decision)
}

// resolve performs the full awaiting -> idle transition: deliver the
// decision, record the remember key, and clear the pending slot. A non-nil
// target resolves only that request, so a stale caller cannot decline a
// newer one.
func (g *Gate) resolve(target *pendingRequest, decision Decision) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil || g.pending.resolved {
		return false
	}
	if target != nil && g.pending != target {
		return false
	}

	p := g.pending
	p.resolved = true
	if decision.Command == "" {
		decision.Command = p.req.Command
	}
	if decision.Approved && decision.Remember {
		g.remembered[rememberKey(decision.Command, p.req.WorkingDir)] = true
	}
	g.pending = nil
	g.state = StateIdle
	p.ch <- decision
	return true
}

// Cancel resolves the pending request as declined. Safe to call when
// nothing is pending.
func (g *Gate) Cancel() bool {
	return g.Resolve(Decision{Approved: false})
}

// AutoDescription renders the "don't ask again" option description shown to
// the user.
func AutoDescription(command, workingDir string) string {
	prefix := ""
	if fields := strings.Fields(command); len(fields) > 0 {
		prefix = fields[0]
	}
	if prefix == "" {
		return fmt.Sprintf("Automatically approve future commands in %s.", workingDir)
	}
	return fmt.Sprintf("Automatically approve commands starting with '%s' in %s.", prefix, workingDir)
}
