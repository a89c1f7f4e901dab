package shell

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	r := NewRunner(t.TempDir())

	res, err := r.Run(context.Background(), "echo hello; echo world >&2", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "hello")
	assert.Contains(t, res.Output, "world")
	assert.False(t, res.TimedOut)
}

func TestRunSeparatesStreams(t *testing.T) {
	r := NewRunner(t.TempDir())

	res, err := r.Run(context.Background(), "echo alpha; echo bravo >&2", nil)
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "alpha")
	assert.NotContains(t, res.Stdout, "bravo")
	assert.Contains(t, res.Stderr, "bravo")
	assert.NotContains(t, res.Stderr, "alpha")
	assert.Contains(t, res.Output, "alpha")
	assert.Contains(t, res.Output, "bravo")
}

func TestRunNonZeroExit(t *testing.T) {
	r := NewRunner(t.TempDir())

	res, err := r.Run(context.Background(), "echo oops; exit 4", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)
	assert.Contains(t, res.Output, "oops")
}

func TestRunStreamsLines(t *testing.T) {
	r := NewRunner(t.TempDir())

	var lines []string
	_, err := r.Run(context.Background(), "echo one; echo two", func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestRunIdleTimeout(t *testing.T) {
	r := NewRunner(t.TempDir())
	r.IdleTimeout = 300 * time.Millisecond

	start := time.Now()
	res, err := r.Run(context.Background(), "echo started; sleep 30", nil)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.TimeoutReason, "of no output")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunMaxRuntime(t *testing.T) {
	r := NewRunner(t.TempDir())
	r.MaxRuntime = 500 * time.Millisecond
	r.IdleTimeout = 10 * time.Second

	// Keeps producing output, so only the absolute ceiling can stop it.
	res, err := r.Run(context.Background(), "while true; do echo tick; sleep 0.1; done", nil)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.TimeoutReason, "maximum runtime")
}

func TestRunActivityResetsIdleClock(t *testing.T) {
	r := NewRunner(t.TempDir())
	r.IdleTimeout = 600 * time.Millisecond

	// Each iteration sleeps less than the idle timeout, so the whole loop
	// outlives a single idle window without expiring.
	res, err := r.Run(context.Background(), "for i in 1 2 3 4; do echo $i; sleep 0.3; done", nil)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunContextCancellation(t *testing.T) {
	r := NewRunner(t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, "sleep 30", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunWorkingDir(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir)

	res, err := r.Run(context.Background(), "pwd", nil)
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(res.Output))
}

func TestRunExtraEnv(t *testing.T) {
	r := NewRunner(t.TempDir())
	r.Env = map[string]string{"DROVER_TEST_VALUE": "present"}

	res, err := r.Run(context.Background(), "echo $DROVER_TEST_VALUE", nil)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "present")
}

func TestSensitiveEnvFiltered(t *testing.T) {
	t.Setenv("SOME_SERVICE_API_KEY", "sk-secret")
	t.Setenv("ORDINARY_SETTING", "visible")

	r := NewRunner(t.TempDir())
	res, err := r.Run(context.Background(), "env", nil)
	require.NoError(t, err)
	assert.NotContains(t, res.Output, "sk-secret")
	assert.Contains(t, res.Output, "ORDINARY_SETTING=visible")
}
