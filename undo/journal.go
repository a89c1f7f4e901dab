// Package undo records filesystem-mutating operations and can reverse them.
// It keeps a bounded in-memory window of recent operations plus a durable
// JSONL audit log.
package undo

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies what an operation did.
type Kind string

const (
	KindWrite   Kind = "write"
	KindEdit    Kind = "edit"
	KindDelete  Kind = "delete"
	KindCommand Kind = "command"
)

// Status tracks an operation through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusUndone    Status = "undone"
)

// Operation is one recorded mutation. Approved is true iff the operation was
// permitted to execute; an unapproved operation never ran and is never
// reversed.
type Operation struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	Target     string                 `json:"target"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	Status     Status                 `json:"status"`
	Approved   bool                   `json:"approved"`

	// BackupPath holds the pre-image for edit/delete (and overwriting
	// write) operations. Empty for newly created files and commands.
	BackupPath string `json:"backup_path,omitempty"`
}

// Reversible reports whether the operation kind can be undone at all.
func (o Operation) Reversible() bool {
	return o.Kind != KindCommand
}

// logEntry is one line of the JSONL audit log.
type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	Status    string    `json:"status"`
	ID        string    `json:"id"`
}

// DefaultCapacity is the number of recent operations kept in memory.
const DefaultCapacity = 50

// Journal records operations and reverses them on request.
type Journal struct {
	mu       sync.Mutex
	ops      []Operation
	capacity int
	dir      string
	logPath  string
}

// NewJournal creates a journal rooted at dir. The audit log and backups live
// under it.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("undo: journal directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "backups"), 0755); err != nil {
		return nil, fmt.Errorf("undo: failed to create journal directory: %w", err)
	}
	return &Journal{
		capacity: DefaultCapacity,
		dir:      dir,
		logPath:  filepath.Join(dir, "operations.jsonl"),
	}, nil
}

// Backup copies the file at path into the journal's backup area and returns
// the backup path. Callers take a backup before mutating an existing file.
func (j *Journal) Backup(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("undo: cannot back up %s: %w", path, err)
	}
	defer src.Close()

	backupPath := filepath.Join(j.dir, "backups", uuid.New().String()[:8]+"-"+filepath.Base(path))
	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("undo: cannot create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("undo: backup copy failed: %w", err)
	}
	return backupPath, nil
}

// Record appends an operation to the journal and the audit log. The ID and
// CreatedAt are assigned if unset. Only the most recent operations are kept
// in memory; the audit log grows without bound.
func (j *Journal) Record(op Operation) (Operation, error) {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if op.Status == "" {
		op.Status = StatusSucceeded
	}

	j.mu.Lock()
	j.ops = append(j.ops, op)
	if len(j.ops) > j.capacity {
		j.ops = j.ops[len(j.ops)-j.capacity:]
	}
	j.mu.Unlock()

	if err := j.appendLog(logEntry{
		Timestamp: op.CreatedAt,
		Type:      string(op.Kind),
		Path:      op.Target,
		Status:    string(op.Status),
		ID:        op.ID,
	}); err != nil {
		return op, err
	}
	return op, nil
}

// List returns up to n recorded operations, newest first. n <= 0 returns all.
func (j *Journal) List(n int) []Operation {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Operation, 0, len(j.ops))
	for i := len(j.ops) - 1; i >= 0; i-- {
		out = append(out, j.ops[i])
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out
}

// UndoLast reverses the most recent reversible operation that has not been
// undone yet.
func (j *Journal) UndoLast() (Operation, error) {
	j.mu.Lock()
	idx := -1
	for i := len(j.ops) - 1; i >= 0; i-- {
		if j.ops[i].Reversible() && j.ops[i].Status != StatusUndone {
			idx = i
			break
		}
	}
	if idx == -1 {
		j.mu.Unlock()
		return Operation{}, fmt.Errorf("undo: nothing to undo")
	}
	op := j.ops[idx]
	j.mu.Unlock()

	return j.undo(op)
}

// Undo reverses the operation with the given ID.
func (j *Journal) Undo(id string) (Operation, error) {
	j.mu.Lock()
	idx := -1
	for i := len(j.ops) - 1; i >= 0; i-- {
		if j.ops[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		j.mu.Unlock()
		return Operation{}, fmt.Errorf("undo: operation %s not found", id)
	}
	op := j.ops[idx]
	j.mu.Unlock()

	if op.Status == StatusUndone {
		return op, fmt.Errorf("undo: operation %s was already undone", id)
	}
	return j.undo(op)
}

// undo applies the kind-specific reversal, marks the operation undone in the
// in-memory window, and appends an audit line either way. The entry stays
// listed so the record of what happened survives its own reversal.
func (j *Journal) undo(op Operation) (Operation, error) {
	if !op.Approved {
		return op, fmt.Errorf("undo: operation %s was never approved and did not execute", op.ID)
	}

	var err error
	switch op.Kind {
	case KindWrite:
		if op.BackupPath != "" {
			err = j.restoreBackup(op)
		} else {
			// A write with no backup created the file; undo removes it.
			if rmErr := os.Remove(op.Target); rmErr != nil && !os.IsNotExist(rmErr) {
				err = fmt.Errorf("undo: failed to remove %s: %w", op.Target, rmErr)
			}
		}
	case KindEdit, KindDelete:
		err = j.restoreBackup(op)
	case KindCommand:
		err = fmt.Errorf("undo: command operations are not reversible")
	default:
		err = fmt.Errorf("undo: unknown operation kind %q", op.Kind)
	}

	status := string(StatusUndone)
	if err != nil {
		status = "undo_failed"
	} else {
		j.mu.Lock()
		for i := len(j.ops) - 1; i >= 0; i-- {
			if j.ops[i].ID == op.ID {
				j.ops[i].Status = StatusUndone
				break
			}
		}
		j.mu.Unlock()
		op.Status = StatusUndone
	}

	logErr := j.appendLog(logEntry{
		Timestamp: time.Now(),
		Type:      string(op.Kind),
		Path:      op.Target,
		Status:    status,
		ID:        op.ID,
	})
	if err != nil {
		return op, err
	}
	return op, logErr
}

// restoreBackup writes the pre-image back over the target. A missing backup
// is a reported failure, never a silent no-op.
func (j *Journal) restoreBackup(op Operation) error {
	if op.BackupPath == "" {
		return fmt.Errorf("undo: no backup recorded for %s", op.Target)
	}
	data, err := os.ReadFile(op.BackupPath)
	if err != nil {
		return fmt.Errorf("undo: backup missing for %s: %w", op.Target, err)
	}
	if err := os.MkdirAll(filepath.Dir(op.Target), 0755); err != nil {
		return fmt.Errorf("undo: failed to restore %s: %w", op.Target, err)
	}
	if err := os.WriteFile(op.Target, data, 0644); err != nil {
		return fmt.Errorf("undo: failed to restore %s: %w", op.Target, err)
	}
	return nil
}

func (j *Journal) appendLog(entry logEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("undo: failed to encode audit entry: %w", err)
	}

	f, err := os.OpenFile(j.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("undo: failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("undo: failed to append audit entry: %w", err)
	}
	return nil
}
