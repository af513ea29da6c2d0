package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello world", 5, "hello..."},
		{"", 5, ""},
		{"日本語テスト", 3, "日本語..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.input, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.want)
		}
	}
}

func TestProjectRoot_NonGitDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "pkg")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// temp dirs are not inside a work tree, so the path itself is the root
	if _, err := runGitCommand(sub, "rev-parse", "--show-toplevel"); err == nil {
		t.Skip("temp dir is inside a git work tree")
	}
	if got := ProjectRoot(sub); got != sub {
		t.Errorf("ProjectRoot(%q) = %q", sub, got)
	}
}

func TestProjectRoot_GitDirSharesTopLevel(t *testing.T) {
	dir := t.TempDir()
	if _, err := runGitCommand(dir, "init"); err != nil {
		t.Skip("git not available")
	}
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	top, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	root := ProjectRoot(sub)
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != top {
		t.Errorf("ProjectRoot(%q) = %q, want %q", sub, root, top)
	}
	if ProjectRoot(dir) != root {
		t.Error("subdirectory and top level should resolve to the same root")
	}
}

func TestLocalHostname(t *testing.T) {
	if LocalHostname() == "" {
		t.Error("LocalHostname() should never be empty")
	}
}
