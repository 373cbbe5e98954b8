package shellexec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newRunner(t *testing.T, mutate func(*Config)) *Runner {
	t.Helper()
	cfg := Config{WorkingDir: t.TempDir()}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRun_BasicCommand(t *testing.T) {
	r := newRunner(t, nil)

	res, err := r.Run(t.Context(), "echo hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "hello\n" {
		t.Errorf("result = %+v", res)
	}
	if res.Text() != "hello\n" {
		t.Errorf("Text() = %q", res.Text())
	}
}

func TestRun_UsesWorkingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "output")
	r := newRunner(t, func(c *Config) { c.WorkingDir = dir })

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("workspace not created: %v", err)
	}
	if _, err := r.Run(t.Context(), "echo data > out.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Errorf("command did not run in the workspace: %v", err)
	}
}

func TestCheck(t *testing.T) {
	r := newRunner(t, nil)
	limited := newRunner(t, func(c *Config) { c.Allowed = []string{"ls", "echo"} })

	tests := []struct {
		name    string
		runner  *Runner
		command string
		wantErr bool
	}{
		{"plain", r, "ls -la", false},
		{"denied", r, "rm -rf /", true},
		{"denied case-insensitive", r, "MKFS.ext4 /dev/sda1", true},
		{"empty", r, "   ", true},
		{"allowlisted", limited, "echo hi", false},
		{"not allowlisted", limited, "cat /etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.runner.Check(tt.command)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check(%q) = %v, wantErr %v", tt.command, err, tt.wantErr)
			}
		})
	}

	if _, err := r.Run(t.Context(), "rm -rf /"); !errors.Is(err, ErrDenied) {
		t.Errorf("Run(denied) = %v, want ErrDenied", err)
	}
}

func TestRun_Timeout(t *testing.T) {
	r := newRunner(t, func(c *Config) { c.Timeout = 200 * time.Millisecond })

	start := time.Now()
	res, err := r.Run(t.Context(), "sleep 10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("result = %+v, want timeout", res)
	}
	if res.Text() != "command timed out" {
		t.Errorf("Text() = %q", res.Text())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestRun_NonZeroExitAndStderr(t *testing.T) {
	r := newRunner(t, nil)

	res, err := r.Run(t.Context(), "echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 || res.Stderr != "oops\n" {
		t.Errorf("result = %+v", res)
	}
	if res.Text() != "oops\n" {
		t.Errorf("Text() should fall back to stderr, got %q", res.Text())
	}

	res, err = r.Run(t.Context(), "exit 2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text(), "status 2") {
		t.Errorf("Text() = %q", res.Text())
	}
}

func TestRun_TruncatesOutput(t *testing.T) {
	r := newRunner(t, func(c *Config) { c.MaxOutputBytes = 10 })

	res, err := r.Run(t.Context(), "printf '%050d' 0")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Stdout, "0000000000\n") || !strings.Contains(res.Stdout, "truncated") {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}
