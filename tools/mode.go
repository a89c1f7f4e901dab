package tools

import "sync"

// Mode is a session execution mode.
type Mode string

const (
	// ModeExecute allows the full tool set.
	ModeExecute Mode = "execute"
	// ModePlan restricts the session to the read-only allow-list.
	ModePlan Mode = "plan"
)

// planAllowed is the fixed allow-list for plan mode. Anything else is
// blocked before its handler runs.
var planAllowed = map[string]bool{
	"read_file":           true,
	"list_files":          true,
	"search":              true,
	"list_processes":      true,
	"get_process_output":  true,
	"list_operations":     true,
	"list_subagents":      true,
	"get_subagent_output": true,
	"spawn_subagent":      true,
	"task_complete":       true,
}

// PlanAllowed reports whether a tool may run in plan mode.
func PlanAllowed(name string) bool {
	return planAllowed[name]
}

// ModeManager holds the session's current mode. It is owned by the session,
// not package-global, so concurrent sessions stay isolated.
type ModeManager struct {
	mu   sync.RWMutex
	mode Mode
}

// NewModeManager creates a manager starting in execute mode.
func NewModeManager() *ModeManager {
	return &ModeManager{mode: ModeExecute}
}

// Mode returns the current mode.
func (m *ModeManager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode switches the session mode.
func (m *ModeManager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// PlanMode reports whether the session is in plan mode.
func (m *ModeManager) PlanMode() bool {
	return m.Mode() == ModePlan
}
