package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-dev/drover/approval"
	"github.com/drover-dev/drover/bgtask"
	"github.com/drover-dev/drover/shell"
	"github.com/drover-dev/drover/undo"
)

func fullInvocation(t *testing.T) *Invocation {
	t.Helper()
	dir := t.TempDir()
	journal, err := undo.NewJournal(filepath.Join(dir, ".journal"))
	if err != nil {
		t.Fatal(err)
	}
	sup := bgtask.NewSupervisor(dir, zerolog.Nop())
	t.Cleanup(sup.KillAll)
	return &Invocation{
		Modes:      NewModeManager(),
		Approvals:  approval.NewGate(nil),
		Journal:    journal,
		Tasks:      sup,
		Runner:     shell.NewRunner(dir),
		WorkingDir: dir,
		Log:        zerolog.Nop(),
	}
}

func dispatch(t *testing.T, inv *Invocation, name, args string) *Result {
	t.Helper()
	d := NewDispatcher(NewBuiltinRegistry(), nil)
	return d.Dispatch(context.Background(), name, json.RawMessage(args), inv)
}

func TestWriteAndReadFile(t *testing.T) {
	inv := fullInvocation(t)

	res := dispatch(t, inv, "write_file", `{"path":"note.txt","content":"hello"}`)
	if !res.Success {
		t.Fatalf("write failed: %s", res.Error)
	}

	res = dispatch(t, inv, "read_file", `{"path":"note.txt"}`)
	if !res.Success || res.Output != "hello" {
		t.Fatalf("read = %+v", res)
	}
}

func TestWriteFileRecordsUndo(t *testing.T) {
	inv := fullInvocation(t)

	dispatch(t, inv, "write_file", `{"path":"new.txt","content":"x"}`)

	ops := inv.Journal.List(0)
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].Kind != undo.KindWrite {
		t.Errorf("Kind = %s, want write", ops[0].Kind)
	}

	// Undo removes the freshly created file.
	res := dispatch(t, inv, "undo_last", `{}`)
	if !res.Success {
		t.Fatalf("undo failed: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(inv.WorkingDir, "new.txt")); !os.IsNotExist(err) {
		t.Error("file should have been removed by undo")
	}
}

func TestOverwriteRestoresOnUndo(t *testing.T) {
	inv := fullInvocation(t)

	dispatch(t, inv, "write_file", `{"path":"f.txt","content":"original"}`)
	dispatch(t, inv, "write_file", `{"path":"f.txt","content":"replaced"}`)

	res := dispatch(t, inv, "undo_last", `{}`)
	if !res.Success {
		t.Fatalf("undo failed: %s", res.Error)
	}
	data, _ := os.ReadFile(filepath.Join(inv.WorkingDir, "f.txt"))
	if string(data) != "original" {
		t.Errorf("content = %q, want original", data)
	}
}

func TestEditFileUniqueness(t *testing.T) {
	inv := fullInvocation(t)
	path := filepath.Join(inv.WorkingDir, "code.go")
	os.WriteFile(path, []byte("aaa\nbbb\naaa\n"), 0644)

	res := dispatch(t, inv, "edit_file", `{"path":"code.go","old_string":"aaa","new_string":"zzz"}`)
	if res.Success {
		t.Fatal("ambiguous edit must fail")
	}
	if !strings.Contains(res.Error, "2 times") {
		t.Errorf("error = %q", res.Error)
	}

	res = dispatch(t, inv, "edit_file", `{"path":"code.go","old_string":"bbb","new_string":"ccc"}`)
	if !res.Success {
		t.Fatalf("edit failed: %s", res.Error)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "aaa\nccc\naaa\n" {
		t.Errorf("content = %q", data)
	}
}

func TestDeleteFileUndo(t *testing.T) {
	inv := fullInvocation(t)
	path := filepath.Join(inv.WorkingDir, "doomed.txt")
	os.WriteFile(path, []byte("keep me"), 0644)

	res := dispatch(t, inv, "delete_file", `{"path":"doomed.txt"}`)
	if !res.Success {
		t.Fatalf("delete failed: %s", res.Error)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file still exists")
	}

	res = dispatch(t, inv, "undo_last", `{}`)
	if !res.Success {
		t.Fatalf("undo failed: %s", res.Error)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "keep me" {
		t.Errorf("restored content = %q", data)
	}
}

func TestListFiles(t *testing.T) {
	inv := fullInvocation(t)
	os.WriteFile(filepath.Join(inv.WorkingDir, "b.txt"), nil, 0644)
	os.Mkdir(filepath.Join(inv.WorkingDir, "adir"), 0755)

	res := dispatch(t, inv, "list_files", `{}`)
	if !res.Success {
		t.Fatalf("list failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "adir/") || !strings.Contains(res.Output, "b.txt") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestSearchTool(t *testing.T) {
	inv := fullInvocation(t)
	os.WriteFile(filepath.Join(inv.WorkingDir, "a.txt"), []byte("needle here\nnothing\n"), 0644)
	os.WriteFile(filepath.Join(inv.WorkingDir, "b.txt"), []byte("no match\n"), 0644)

	res := dispatch(t, inv, "search", `{"pattern":"needle"}`)
	if !res.Success {
		t.Fatalf("search failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "a.txt:1") {
		t.Errorf("output = %q", res.Output)
	}

	res = dispatch(t, inv, "search", `{"pattern":"absent_token"}`)
	if !strings.Contains(res.Output, "No matches") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunCommandSafe(t *testing.T) {
	inv := fullInvocation(t)

	// echo is on the allow-list, so no approval prompt fires.
	res := dispatch(t, inv, "run_command", `{"command":"echo works"}`)
	if !res.Success {
		t.Fatalf("run failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "works") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunCommandDisabled(t *testing.T) {
	inv := fullInvocation(t)
	inv.CommandsDisabled = true

	res := dispatch(t, inv, "run_command", `{"command":"echo x"}`)
	if res.Success {
		t.Fatal("expected failure with commands disabled")
	}
	if !strings.Contains(res.Error, "disabled") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunCommandBlockedBySafety(t *testing.T) {
	inv := fullInvocation(t)

	res := dispatch(t, inv, "run_command", `{"command":"sudo reboot"}`)
	if res.Success {
		t.Fatal("expected blocked result")
	}
	if !strings.Contains(res.Error, "safety filter") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunCommandDeclinedIsInterrupted(t *testing.T) {
	inv := fullInvocation(t)
	inv.Approvals.SetPrompter(func(req approval.Request) {
		go inv.Approvals.Resolve(approval.Decision{Approved: false})
	})

	res := dispatch(t, inv, "run_command", `{"command":"somebinary --flag"}`)
	if res.Success {
		t.Fatal("declined command must not succeed")
	}
	if !res.Interrupted {
		t.Error("declined command must carry the Interrupted flag")
	}
}

func TestRunCommandApprovedRecordsJournal(t *testing.T) {
	inv := fullInvocation(t)
	inv.Approvals.SetPrompter(func(req approval.Request) {
		go inv.Approvals.Resolve(approval.Decision{Approved: true})
	})

	res := dispatch(t, inv, "run_command", `{"command":"mkdir subdir"}`)
	if !res.Success {
		t.Fatalf("run failed: %s", res.Error)
	}

	ops := inv.Journal.List(0)
	if len(ops) != 1 || ops[0].Kind != undo.KindCommand {
		t.Fatalf("ops = %+v", ops)
	}
	if !ops[0].Approved {
		t.Error("command operation should be marked approved")
	}
}

func TestRunCommandServerReroutesToBackground(t *testing.T) {
	inv := fullInvocation(t)
	inv.Approvals.SetPrompter(func(req approval.Request) {
		go inv.Approvals.Resolve(approval.Decision{Approved: true})
	})

	res := dispatch(t, inv, "run_command", `{"command":"python3 -m http.server 0"}`)
	if !res.Success {
		t.Fatalf("server command failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "background") {
		t.Errorf("output = %q", res.Output)
	}

	tasks := inv.Tasks.List()
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if err := inv.Tasks.Kill(tasks[0].ID, 0); err != nil {
		t.Fatal(err)
	}
}

func TestKillProcessSignals(t *testing.T) {
	inv := fullInvocation(t)

	task, err := inv.Tasks.Start("sleep 30", inv.WorkingDir)
	if err != nil {
		t.Fatal(err)
	}

	res := dispatch(t, inv, "kill_process", `{"task_id":"`+task.ID+`","signal":"KILL"}`)
	if !res.Success {
		t.Fatalf("kill failed: %s", res.Error)
	}

	res = dispatch(t, inv, "kill_process", `{"task_id":"`+task.ID+`","signal":"WINCH"}`)
	if res.Success || !strings.Contains(res.Error, "unsupported signal") {
		t.Errorf("unknown signal must be rejected, got %+v", res)
	}
}

func TestRunCommandNonZeroExit(t *testing.T) {
	inv := fullInvocation(t)

	// "true" is allow-listed so the compound runs without a prompt; the
	// non-zero exit comes back as a structured failure.
	res := dispatch(t, inv, "run_command", `{"command":"true && false"}`)
	if res.Success {
		t.Fatal("expected failure for non-zero exit")
	}
	if !strings.Contains(res.Error, "exited with code 1") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestBackgroundTaskTools(t *testing.T) {
	inv := fullInvocation(t)

	res := dispatch(t, inv, "run_background", `{"command":"echo from background"}`)
	if !res.Success {
		t.Fatalf("run_background failed: %s", res.Error)
	}

	tasks := inv.Tasks.List()
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	id := tasks[0].ID

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && tasks[0].Status() == bgtask.StatusRunning {
		time.Sleep(25 * time.Millisecond)
	}

	res = dispatch(t, inv, "get_process_output", fmt.Sprintf(`{"task_id":%q}`, id))
	if !res.Success {
		t.Fatalf("get_process_output failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "from background") {
		t.Errorf("output = %q", res.Output)
	}

	res = dispatch(t, inv, "list_processes", `{}`)
	if !strings.Contains(res.Output, id) {
		t.Errorf("list output = %q", res.Output)
	}

	res = dispatch(t, inv, "kill_process", fmt.Sprintf(`{"task_id":%q}`, id))
	if !res.Success {
		t.Fatalf("kill failed: %s", res.Error)
	}
}

func TestTaskCompleteValid(t *testing.T) {
	inv := fullInvocation(t)

	res := dispatch(t, inv, "task_complete", `{"status":"success","summary":"all done"}`)
	if !res.Success {
		t.Fatalf("task_complete failed: %s", res.Error)
	}
	if res.Completion == nil {
		t.Fatal("Completion not set")
	}
	if res.Completion.Status != CompletionSuccess || res.Completion.Summary != "all done" {
		t.Errorf("Completion = %+v", res.Completion)
	}
}

func TestTaskCompleteRejectsBadStatus(t *testing.T) {
	inv := fullInvocation(t)

	res := dispatch(t, inv, "task_complete", `{"status":"finished","summary":"x"}`)
	if res.Success {
		t.Fatal("invalid status must fail")
	}
	if res.Completion != nil {
		t.Error("failed call must not carry a completion")
	}
}

func TestTaskCompleteRequiresSummary(t *testing.T) {
	inv := fullInvocation(t)

	res := dispatch(t, inv, "task_complete", `{"status":"success","summary":"   "}`)
	if res.Success {
		t.Fatal("blank summary must fail")
	}
}

func TestListOperations(t *testing.T) {
	inv := fullInvocation(t)
	dispatch(t, inv, "write_file", `{"path":"one.txt","content":"1"}`)
	dispatch(t, inv, "write_file", `{"path":"two.txt","content":"2"}`)

	res := dispatch(t, inv, "list_operations", `{}`)
	if !res.Success {
		t.Fatalf("list_operations failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "one.txt") || !strings.Contains(res.Output, "two.txt") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestUndoLastNothingToUndo(t *testing.T) {
	inv := fullInvocation(t)

	res := dispatch(t, inv, "undo_last", `{}`)
	if res.Success {
		t.Fatal("expected failure with an empty journal")
	}
	if !strings.Contains(res.Error, "nothing to undo") {
		t.Errorf("error = %q", res.Error)
	}
}
