// Package shell executes foreground commands with an activity-based timeout:
// a command may run up to an absolute ceiling, but is killed earlier if it
// goes quiet for longer than the idle timeout.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultIdleTimeout kills a command that produces no output for this long.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultMaxRuntime is the absolute ceiling regardless of activity.
	DefaultMaxRuntime = 600 * time.Second
)

// Result holds the outcome of a foreground command. Output interleaves both
// streams in arrival order; Stdout and Stderr carry them separately.
type Result struct {
	Output   string `json:"output"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	// TimeoutReason distinguishes the absolute ceiling from idle expiry.
	TimeoutReason string        `json:"timeout_reason,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Runner executes commands in a working directory with timeout policy.
type Runner struct {
	WorkingDir  string
	IdleTimeout time.Duration
	MaxRuntime  time.Duration
	Env         map[string]string
}

// NewRunner creates a Runner with the default timeouts.
func NewRunner(workingDir string) *Runner {
	return &Runner{
		WorkingDir:  workingDir,
		IdleTimeout: DefaultIdleTimeout,
		MaxRuntime:  DefaultMaxRuntime,
	}
}

// sensitiveEnvSuffixes are excluded from child environments.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"NVM_DIR": true, "PYENV_ROOT": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if safeEnvVars[parts[0]] || !isSensitiveEnvVar(parts[0]) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// Run executes the command, streaming each output line to onLine as it
// arrives. onLine may be nil. The safety policy is the caller's concern;
// Run executes whatever it is given.
func (r *Runner) Run(ctx context.Context, command string, onLine func(string)) (*Result, error) {
	idleTimeout := r.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	maxRuntime := r.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = DefaultMaxRuntime
	}

	cmd := exec.Command("/bin/bash", "-c", command)
	cmd.Dir = r.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := filterEnvironment()
	for k, v := range r.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("shell: failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("shell: failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	start := time.Now()
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("shell: failed to start command: %w", err)
	}
	outW.Close()
	errW.Close()

	var mu sync.Mutex
	var combined, stdout, stderr strings.Builder
	lastActivity := start

	scan := func(r *os.File, stream *strings.Builder, done chan<- struct{}) {
		defer close(done)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			stream.WriteString(line)
			stream.WriteByte('\n')
			combined.WriteString(line)
			combined.WriteByte('\n')
			lastActivity = time.Now()
			mu.Unlock()
			if onLine != nil {
				onLine(line)
			}
		}
	}
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go scan(outR, &stdout, stdoutDone)
	go scan(errR, &stderr, stderrDone)

	// Watchdog: absolute ceiling beats idle expiry when both have passed.
	timeoutReason := ""
	watchdogDone := make(chan struct{})
	waitDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-waitDone:
				return
			case <-ctx.Done():
				killGroup(cmd)
				return
			case <-ticker.C:
				now := time.Now()
				mu.Lock()
				idle := now.Sub(lastActivity)
				mu.Unlock()
				if now.Sub(start) > maxRuntime {
					timeoutReason = fmt.Sprintf("Command exceeded maximum runtime of %d seconds", int(maxRuntime.Seconds()))
					killGroup(cmd)
					return
				}
				if idle > idleTimeout {
					timeoutReason = fmt.Sprintf("Command timed out after %d seconds of no output", int(idleTimeout.Seconds()))
					killGroup(cmd)
					return
				}
			}
		}
	}()

	<-stdoutDone
	<-stderrDone
	outR.Close()
	errR.Close()
	waitErr := cmd.Wait()
	close(waitDone)
	<-watchdogDone

	mu.Lock()
	result := &Result{
		Output:   combined.String(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	mu.Unlock()

	if timeoutReason != "" {
		result.TimedOut = true
		result.TimeoutReason = timeoutReason
		result.ExitCode = -1
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("shell: command failed: %w", waitErr)
		}
	}
	return result, nil
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
