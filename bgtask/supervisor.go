// Package bgtask supervises long-running commands under a pseudo-terminal.
// Each task streams its output to a per-task file so callers can poll it
// without holding a pipe open.
package bgtask

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is a task's lifecycle state. Transitions are forward-only:
// running -> completed | failed | killed.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// terminal reports whether a status can never change again.
func (s Status) terminal() bool {
	return s != StatusRunning
}

// Task is one supervised command.
type Task struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	WorkingDir string    `json:"working_dir"`
	OutputPath string    `json:"output_path"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`

	mu            sync.Mutex
	status        Status
	exitCode      *int
	killRequested bool
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ExitCode returns the exit code once the task has finished, or nil.
func (t *Task) ExitCode() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Listener is notified after a task reaches a terminal status.
type Listener func(id string, status Status)

// Supervisor tracks background tasks.
type Supervisor struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	listeners []Listener
	outputDir string
	log       zerolog.Logger
}

// killGraceTimeout is how long a SIGTERM gets before escalating to SIGKILL.
const killGraceTimeout = 5 * time.Second

// NewSupervisor creates a supervisor whose task output files live under the
// system temp dir, namespaced by the working directory.
func NewSupervisor(workingDir string, log zerolog.Logger) *Supervisor {
	slug := strings.ReplaceAll(strings.TrimPrefix(workingDir, string(os.PathSeparator)), string(os.PathSeparator), "-")
	if slug == "" {
		slug = "root"
	}
	return &Supervisor{
		tasks:     make(map[string]*Task),
		outputDir: filepath.Join(os.TempDir(), "drover", slug, "tasks"),
		log:       log,
	}
}

// OutputDir returns where task output files are written.
func (s *Supervisor) OutputDir() string {
	return s.outputDir
}

// Subscribe registers a listener for terminal status changes.
func (s *Supervisor) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start launches command under a PTY and begins streaming its output.
func (s *Supervisor) Start(command, workingDir string) (*Task, error) {
	if err := os.MkdirAll(s.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("bgtask: failed to create output dir: %w", err)
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:7]
	outputPath := filepath.Join(s.outputDir, id+".output")

	outFile, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("bgtask: failed to create output file: %w", err)
	}

	cmd := exec.Command("/bin/bash", "-c", command)
	cmd.Dir = workingDir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		outFile.Close()
		os.Remove(outputPath)
		return nil, fmt.Errorf("bgtask: failed to start %q: %w", command, err)
	}

	task := &Task{
		ID:         id,
		Command:    command,
		WorkingDir: workingDir,
		OutputPath: outputPath,
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
		status:     StatusRunning,
	}

	s.mu.Lock()
	s.tasks[id] = task
	s.mu.Unlock()

	s.log.Debug().Str("task", id).Int("pid", task.PID).Str("command", command).Msg("background task started")

	go s.stream(task, cmd, ptmx, outFile)

	return task, nil
}

// stream copies PTY output to the task's file until the process exits, then
// records the terminal status.
func (s *Supervisor) stream(task *Task, cmd *exec.Cmd, ptmx *os.File, outFile *os.File) {
	buf := make([]byte, 4096)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			if _, err := outFile.Write(buf[:n]); err != nil {
				s.log.Warn().Str("task", task.ID).Err(err).Msg("output write failed")
			}
		}
		if readErr != nil {
			// EIO is the normal PTY close signal on Linux.
			break
		}
	}
	outFile.Close()
	ptmx.Close()

	waitErr := cmd.Wait()
	status, exitCode := classifyExit(task, waitErr)

	task.mu.Lock()
	changed := !task.status.terminal()
	if changed {
		task.status = status
		task.exitCode = &exitCode
	}
	task.mu.Unlock()

	s.log.Debug().Str("task", task.ID).Str("status", string(status)).Int("exit_code", exitCode).Msg("background task finished")

	if changed {
		s.notify(task.ID, status)
	}
}

// classifyExit maps the process exit to a terminal status. Exit 0 is
// completed; death by TERM or KILL is killed; everything else failed.
func classifyExit(task *Task, waitErr error) (Status, int) {
	task.mu.Lock()
	killRequested := task.killRequested
	task.mu.Unlock()

	if waitErr == nil {
		return StatusCompleted, 0
	}

	exitCode := -1
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal()
			if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
				return StatusKilled, exitCode
			}
		}
	}
	if killRequested {
		return StatusKilled, exitCode
	}
	return StatusFailed, exitCode
}

// notify calls listeners outside the supervisor lock, recovering panics so a
// bad listener cannot wedge the supervisor.
func (s *Supervisor) notify(id string, status Status) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn().Str("task", id).Interface("panic", r).Msg("task listener panicked")
				}
			}()
			fn(id, status)
		}()
	}
}

// Get returns a task by ID, or nil.
func (s *Supervisor) Get(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

// List returns all known tasks, oldest first.
func (s *Supervisor) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Running returns tasks that have not reached a terminal status.
func (s *Supervisor) Running() []*Task {
	var out []*Task
	for _, t := range s.List() {
		if t.Status() == StatusRunning {
			out = append(out, t)
		}
	}
	return out
}

// Kill stops a task with the given signal (SIGTERM when sig is 0). Killing a
// task that already finished is a success, not an error. A live task gets
// the signal on its process group, a grace period, then SIGKILL.
func (s *Supervisor) Kill(id string, sig syscall.Signal) error {
	task := s.Get(id)
	if task == nil {
		return fmt.Errorf("bgtask: task %s not found", id)
	}
	if sig <= 0 {
		sig = syscall.SIGTERM
	}

	task.mu.Lock()
	if task.status.terminal() {
		task.mu.Unlock()
		return nil
	}
	task.killRequested = true
	pid := task.PID
	task.mu.Unlock()

	// pty.Start puts the child in its own session, so -pid hits the group.
	if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("bgtask: failed to signal task %s: %w", id, err)
	}

	deadline := time.Now().Add(killGraceTimeout)
	for time.Now().Before(deadline) {
		if task.Status().terminal() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return nil
}

// KillAll kills every running task with the default signal.
func (s *Supervisor) KillAll() {
	for _, t := range s.Running() {
		_ = s.Kill(t.ID, 0)
	}
}

// ReadOutput returns a task's captured output. tailLines > 0 limits the
// result to the last N lines. Invalid UTF-8 is replaced, never dropped.
func (s *Supervisor) ReadOutput(id string, tailLines int) (string, error) {
	task := s.Get(id)
	if task == nil {
		return "", fmt.Errorf("bgtask: task %s not found", id)
	}

	data, err := os.ReadFile(task.OutputPath)
	if err != nil {
		return "", fmt.Errorf("bgtask: failed to read output for %s: %w", id, err)
	}

	text := strings.ToValidUTF8(string(data), "�")
	if tailLines <= 0 {
		return text, nil
	}

	lines := strings.Split(text, "\n")
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return strings.Join(lines, "\n"), nil
}
