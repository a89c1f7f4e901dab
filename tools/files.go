package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/drover-dev/drover/undo"
)

// maxSearchMatches caps search output so one grep over a large tree cannot
// flood the conversation.
const maxSearchMatches = 100

// resolvePath resolves a possibly relative tool path against the working dir.
func resolvePath(inv *Invocation, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(inv.WorkingDir, path)
}

func readFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "read_file",
			Description: "Read a file and return its contents. Optionally limit to max_lines.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":      map[string]interface{}{"type": "string"},
					"max_lines": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"path"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			path, ok := StringArg(args, "path")
			if !ok || path == "" {
				return Failure("read_file requires a path"), nil
			}
			data, err := os.ReadFile(resolvePath(inv, path))
			if err != nil {
				return Failure(fmt.Sprintf("cannot read %s: %v", path, err)), nil
			}
			content := string(data)
			if maxLines, ok := IntArg(args, "max_lines"); ok && maxLines > 0 {
				lines := strings.Split(content, "\n")
				if len(lines) > maxLines {
					content = strings.Join(lines[:maxLines], "\n") +
						fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
				}
			}
			return Ok(content), nil
		},
	}
}

func writeFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "write_file",
			Description: "Write content to a file, creating it or replacing what was there.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    map[string]interface{}{"type": "string"},
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			path, ok := StringArg(args, "path")
			if !ok || path == "" {
				return Failure("write_file requires a path"), nil
			}
			content, _ := StringArg(args, "content")
			target := resolvePath(inv, path)

			// Overwriting an existing file records an edit with a backup so
			// undo restores the pre-image instead of deleting the file.
			kind := undo.KindWrite
			backupPath := ""
			if _, statErr := os.Stat(target); statErr == nil {
				kind = undo.KindEdit
				if inv.Journal != nil {
					backupPath, err = inv.Journal.Backup(target)
					if err != nil {
						return Failure(err.Error()), nil
					}
				}
			}

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return Failure(fmt.Sprintf("cannot create directory for %s: %v", path, err)), nil
			}
			if err := os.WriteFile(target, []byte(content), 0644); err != nil {
				return Failure(fmt.Sprintf("cannot write %s: %v", path, err)), nil
			}

			if inv.Journal != nil {
				if _, err := inv.Journal.Record(undo.Operation{
					Kind:       kind,
					Target:     target,
					Approved:   true,
					BackupPath: backupPath,
				}); err != nil {
					inv.Log.Warn().Err(err).Str("path", target).Msg("failed to record operation")
				}
			}
			return Ok(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
		},
	}
}

func editFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. The old string must appear exactly once.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":       map[string]interface{}{"type": "string"},
					"old_string": map[string]interface{}{"type": "string"},
					"new_string": map[string]interface{}{"type": "string"},
				},
				"required": []string{"path", "old_string", "new_string"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			path, ok := StringArg(args, "path")
			if !ok || path == "" {
				return Failure("edit_file requires a path"), nil
			}
			oldStr, _ := StringArg(args, "old_string")
			newStr, _ := StringArg(args, "new_string")
			if oldStr == "" {
				return Failure("edit_file requires a non-empty old_string"), nil
			}
			target := resolvePath(inv, path)

			data, err := os.ReadFile(target)
			if err != nil {
				return Failure(fmt.Sprintf("cannot read %s: %v", path, err)), nil
			}
			content := string(data)

			switch count := strings.Count(content, oldStr); {
			case count == 0:
				return Failure(fmt.Sprintf("old_string not found in %s", path)), nil
			case count > 1:
				return Failure(fmt.Sprintf("old_string appears %d times in %s; include more context to make it unique", count, path)), nil
			}

			backupPath := ""
			if inv.Journal != nil {
				backupPath, err = inv.Journal.Backup(target)
				if err != nil {
					return Failure(err.Error()), nil
				}
			}

			updated := strings.Replace(content, oldStr, newStr, 1)
			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return Failure(fmt.Sprintf("cannot write %s: %v", path, err)), nil
			}

			if inv.Journal != nil {
				if _, err := inv.Journal.Record(undo.Operation{
					Kind:       undo.KindEdit,
					Target:     target,
					Approved:   true,
					BackupPath: backupPath,
				}); err != nil {
					inv.Log.Warn().Err(err).Str("path", target).Msg("failed to record operation")
				}
			}
			return Ok(fmt.Sprintf("Edited %s", path)), nil
		},
	}
}

func deleteFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "delete_file",
			Description: "Delete a file. The previous contents are kept for undo.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
				"required": []string{"path"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			path, ok := StringArg(args, "path")
			if !ok || path == "" {
				return Failure("delete_file requires a path"), nil
			}
			target := resolvePath(inv, path)

			backupPath := ""
			if inv.Journal != nil {
				backupPath, err = inv.Journal.Backup(target)
				if err != nil {
					return Failure(err.Error()), nil
				}
			}
			if err := os.Remove(target); err != nil {
				return Failure(fmt.Sprintf("cannot delete %s: %v", path, err)), nil
			}

			if inv.Journal != nil {
				if _, err := inv.Journal.Record(undo.Operation{
					Kind:       undo.KindDelete,
					Target:     target,
					Approved:   true,
					BackupPath: backupPath,
				}); err != nil {
					inv.Log.Warn().Err(err).Str("path", target).Msg("failed to record operation")
				}
			}
			return Ok(fmt.Sprintf("Deleted %s", path)), nil
		},
	}
}

func listFilesTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "list_files",
			Description: "List the entries of a directory. Defaults to the working directory.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			path, _ := StringArg(args, "path")
			if path == "" {
				path = "."
			}
			target := resolvePath(inv, path)

			entries, err := os.ReadDir(target)
			if err != nil {
				return Failure(fmt.Sprintf("cannot list %s: %v", path, err)), nil
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

			var b strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintf(&b, "%s/\n", e.Name())
				} else {
					fmt.Fprintf(&b, "%s\n", e.Name())
				}
			}
			if b.Len() == 0 {
				return Ok("(empty directory)"), nil
			}
			return Ok(b.String()), nil
		},
	}
}

func searchTool() RegisteredTool {
	return RegisteredTool{
		Definition: Definition{
			Name:        "search",
			Description: "Search files under a directory for a regular expression. Returns file:line matches.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pattern": map[string]interface{}{"type": "string"},
					"path":    map[string]interface{}{"type": "string"},
				},
				"required": []string{"pattern"},
			},
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, inv *Invocation) (*Result, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return Failure(err.Error()), nil
			}
			pattern, ok := StringArg(args, "pattern")
			if !ok || pattern == "" {
				return Failure("search requires a pattern"), nil
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return Failure(fmt.Sprintf("invalid pattern: %v", err)), nil
			}
			root, _ := StringArg(args, "path")
			if root == "" {
				root = "."
			}
			root = resolvePath(inv, root)

			var b strings.Builder
			matches := 0
			walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					name := d.Name()
					if name == ".git" || name == "node_modules" || name == "vendor" {
						return filepath.SkipDir
					}
					return nil
				}
				if matches >= maxSearchMatches {
					return filepath.SkipAll
				}
				data, err := os.ReadFile(path)
				if err != nil || !isText(data) {
					return nil
				}
				rel, relErr := filepath.Rel(inv.WorkingDir, path)
				if relErr != nil {
					rel = path
				}
				for i, line := range strings.Split(string(data), "\n") {
					if re.MatchString(line) {
						fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
						matches++
						if matches >= maxSearchMatches {
							break
						}
					}
				}
				return nil
			})
			if walkErr != nil {
				return Failure(fmt.Sprintf("search failed: %v", walkErr)), nil
			}
			if matches == 0 {
				return Ok("No matches found."), nil
			}
			out := b.String()
			if matches >= maxSearchMatches {
				out += fmt.Sprintf("(stopped at %d matches)\n", maxSearchMatches)
			}
			return Ok(out), nil
		},
	}
}

// isText is a cheap binary-file check: any NUL byte in the first 8KB.
func isText(data []byte) bool {
	n := len(data)
	if n > 8192 {
		n = 8192
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}
