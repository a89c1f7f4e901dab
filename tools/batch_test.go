package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func batchDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	r.Register(echoTool("echo"))
	r.Register(RegisteredTool{
		Definition: Definition{Name: "fail"},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			return Failure("it broke"), nil
		},
	})
	r.Register(RegisteredTool{
		Definition: Definition{Name: "explode"},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			panic("kaboom")
		},
	})
	d := NewDispatcher(r, nil)
	RegisterBatchTool(d)
	return d
}

func runBatchTool(t *testing.T, d *Dispatcher, args string) []batchEntry {
	t.Helper()
	res := d.Dispatch(context.Background(), "batch_tool", json.RawMessage(args), testInvocation(t))
	if !res.Success {
		t.Fatalf("batch failed: %s", res.Error)
	}
	var entries []batchEntry
	if err := json.Unmarshal([]byte(res.Output), &entries); err != nil {
		t.Fatalf("batch output is not JSON: %v\n%s", err, res.Output)
	}
	return entries
}

func TestBatchOrderMatchesInput(t *testing.T) {
	d := batchDispatcher(t)

	entries := runBatchTool(t, d, `{
		"mode": "parallel",
		"invocations": [
			{"tool": "echo", "input": {"text": "a"}},
			{"tool": "echo", "input": {"text": "b"}},
			{"tool": "echo", "input": {"text": "c"}}
		]
	}`)

	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].Output != want {
			t.Errorf("entries[%d].Output = %q, want %q", i, entries[i].Output, want)
		}
	}
}

func TestBatchPartialFailure(t *testing.T) {
	d := batchDispatcher(t)

	// A succeeds, B panics, C succeeds: batch itself succeeds, slot 1 fails.
	entries := runBatchTool(t, d, `{
		"mode": "parallel",
		"invocations": [
			{"tool": "echo", "input": {"text": "a"}},
			{"tool": "explode", "input": {}},
			{"tool": "echo", "input": {"text": "c"}}
		]
	}`)

	if !entries[0].Success || entries[0].Output != "a" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Success {
		t.Errorf("entries[1] should have failed: %+v", entries[1])
	}
	if !entries[2].Success || entries[2].Output != "c" {
		t.Errorf("entries[2] = %+v", entries[2])
	}
}

func TestBatchFailedEntryDoesNotAbortSiblings(t *testing.T) {
	d := batchDispatcher(t)

	entries := runBatchTool(t, d, `{
		"invocations": [
			{"tool": "fail", "input": {}},
			{"tool": "echo", "input": {"text": "still runs"}}
		]
	}`)

	if entries[0].Success {
		t.Error("entries[0] should have failed")
	}
	if !entries[1].Success {
		t.Errorf("sibling aborted: %+v", entries[1])
	}
}

func TestBatchSerialRunsInOrder(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register(RegisteredTool{
		Definition: Definition{Name: "track"},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, _ := ParseArguments(arguments)
			name, _ := StringArg(args, "name")
			order = append(order, name)
			return Ok(name), nil
		},
	})
	d := NewDispatcher(r, nil)
	RegisterBatchTool(d)

	runBatchTool(t, d, `{
		"mode": "serial",
		"invocations": [
			{"tool": "track", "input": {"name": "first"}},
			{"tool": "track", "input": {"name": "second"}},
			{"tool": "track", "input": {"name": "third"}}
		]
	}`)

	want := []string{"first", "second", "third"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestBatchParallelCap(t *testing.T) {
	var running, peak int64
	r := NewRegistry()
	r.Register(RegisteredTool{
		Definition: Definition{Name: "slow"},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			n := atomic.AddInt64(&running, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			return Ok("done"), nil
		},
	})
	d := NewDispatcher(r, nil)
	RegisterBatchTool(d)

	var invs []string
	for i := 0; i < 12; i++ {
		invs = append(invs, `{"tool": "slow", "input": {}}`)
	}
	args := fmt.Sprintf(`{"mode":"parallel","invocations":[%s]}`, joinComma(invs))

	entries := runBatchTool(t, d, args)
	if len(entries) != 12 {
		t.Fatalf("got %d entries", len(entries))
	}
	if p := atomic.LoadInt64(&peak); p > MaxParallelWorkers {
		t.Errorf("peak concurrency %d exceeds cap %d", p, MaxParallelWorkers)
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func TestBatchRejectsNestedBatch(t *testing.T) {
	d := batchDispatcher(t)

	res := d.Dispatch(context.Background(), "batch_tool", json.RawMessage(`{
		"invocations": [{"tool": "batch_tool", "input": {}}]
	}`), testInvocation(t))
	if res.Success {
		t.Fatal("nested batch must be rejected")
	}
}

func TestBatchRequiresInvocations(t *testing.T) {
	d := batchDispatcher(t)

	res := d.Dispatch(context.Background(), "batch_tool", json.RawMessage(`{"invocations": []}`), testInvocation(t))
	if res.Success {
		t.Fatal("empty batch must be rejected")
	}
}
