package app

import (
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
)

// Truncate truncates s to max runes (Unicode-safe).
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// ProjectRoot resolves the directory a project id is derived from. Inside a git work
// tree that is the repository top level, so agents started in different subdirectories
// of one checkout share a project. Otherwise it is the cleaned absolute path.
func ProjectRoot(workspacePath string) string {
	if workspacePath == "" {
		if wd, err := os.Getwd(); err == nil {
			workspacePath = wd
		}
	}
	if abs, err := filepath.Abs(workspacePath); err == nil {
		workspacePath = abs
	}
	if top, err := runGitCommand(workspacePath, "rev-parse", "--show-toplevel"); err == nil {
		if top = strings.TrimSpace(top); top != "" {
			return filepath.Clean(top)
		}
	}
	return filepath.Clean(workspacePath)
}

// LocalHostname returns the machine hostname, or "localhost" when it cannot be read.
func LocalHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// LocalUsername returns the OS user running the process, "" when unknown.
func LocalUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// runGitCommand runs a git command in the given directory and returns the output.
func runGitCommand(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
