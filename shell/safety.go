package shell

import (
	"fmt"
	"regexp"
	"strings"
)

// safeCommands are command names that run without approval. The allow-list
// wins over the deny patterns: a safe command is never blocked.
var safeCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"pwd": true, "echo": true, "which": true, "file": true, "stat": true,
	"grep": true, "rg": true, "find": true, "diff": true, "sort": true,
	"du": true, "df": true, "ps": true, "env": true, "date": true,
	"whoami": true, "uname": true, "true": true, "printf": true,
	"git": true, "go": true, "python": true, "python3": true, "pip": true,
	"node": true, "npm": true, "yarn": true, "cargo": true, "make": true,
}

// dangerousPatterns block commands that can destroy the machine or exfiltrate
// control of it. Checked only when the command is not on the allow-list.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*(/|~)(\s|$)`),
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+/(\s|$)`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*\s+)*-?R?\s*777\s+/`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`),
	regexp.MustCompile(`\bmv\s+/(bin|boot|dev|etc|lib|proc|root|sbin|sys|usr|var)\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(ba)?sh\b`),
}

// serverPatterns recognize commands that start long-lived servers. These are
// rerouted to the background supervisor instead of blocking the loop.
var serverPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bflask\s+run\b`),
	regexp.MustCompile(`\buvicorn\b`),
	regexp.MustCompile(`\bgunicorn\b`),
	regexp.MustCompile(`\bnpm\s+(run\s+)?(start|dev|serve)\b`),
	regexp.MustCompile(`\byarn\s+(start|dev|serve)\b`),
	regexp.MustCompile(`\bnodemon\b`),
	regexp.MustCompile(`\bnext\s+dev\b`),
	regexp.MustCompile(`\bvite\b`),
	regexp.MustCompile(`\bng\s+serve\b`),
	regexp.MustCompile(`\brails\s+s(erver)?\b`),
	regexp.MustCompile(`\bphp\s+-S\b`),
	regexp.MustCompile(`\bpython3?\s+-m\s+http\.server\b`),
}

// IsSafe reports whether the command's program is on the allow-list.
func IsSafe(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	return safeCommands[fields[0]]
}

// CheckCommand validates a command against the safety policy. It returns an
// error describing why a command is blocked. Allow-listed commands are never
// blocked.
func CheckCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("shell: empty command")
	}
	if IsSafe(command) {
		return nil
	}
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(command) {
			return fmt.Errorf("shell: command blocked by safety filter (%s)", pattern.String())
		}
	}
	return nil
}

// IsServerCommand reports whether the command starts a long-lived server.
func IsServerCommand(command string) bool {
	for _, pattern := range serverPatterns {
		if pattern.MatchString(command) {
			return true
		}
	}
	return false
}
