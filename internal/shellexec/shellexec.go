// Package shellexec runs shell commands for the terminal tool server
// inside a fixed workspace directory, with a deny list, a timeout, and
// an output cap.
package shellexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultTimeout        = 30 * time.Second
	MaxTimeout            = 5 * time.Minute
	DefaultMaxOutputBytes = 100 * 1024
)

// DefaultDenied blocks the obviously destructive commands.
var DefaultDenied = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:",
}

// ErrDenied is returned for commands rejected by policy.
var ErrDenied = errors.New("command blocked by security policy")

// Config configures a Runner.
type Config struct {
	// WorkingDir is created if missing; commands run inside it.
	WorkingDir string
	// Denied lists case-insensitive substrings that block a command.
	// Nil means DefaultDenied.
	Denied []string
	// Allowed, when non-empty, lists the only permitted command
	// prefixes.
	Allowed        []string
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Runner executes commands under one Config.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Runner, creating the working directory if needed.
func New(cfg Config) (*Runner, error) {
	if cfg.Denied == nil {
		cfg.Denied = DefaultDenied
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout > MaxTimeout {
		cfg.Timeout = MaxTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkingDir != "" {
		if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace %s: %w", cfg.WorkingDir, err)
		}
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// Result is the outcome of one command.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Text returns stdout, else stderr, else a short status line.
func (r *Result) Text() string {
	switch {
	case r.Stdout != "":
		return r.Stdout
	case r.Stderr != "":
		return r.Stderr
	case r.TimedOut:
		return "command timed out"
	default:
		return fmt.Sprintf("command exited with status %d and no output", r.ExitCode)
	}
}

// Check reports whether policy permits command.
func (r *Runner) Check(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("empty command")
	}
	lower := strings.ToLower(command)
	for _, denied := range r.cfg.Denied {
		if strings.Contains(lower, strings.ToLower(denied)) {
			return fmt.Errorf("%w: matches denied pattern %q", ErrDenied, denied)
		}
	}
	if len(r.cfg.Allowed) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(command)
	for _, prefix := range r.cfg.Allowed {
		if strings.HasPrefix(trimmed, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: not in allowlist", ErrDenied)
}

// Run executes command with sh -c. A non-zero exit or a timeout is
// reported in the Result, not as an error; errors mean the command was
// refused or could not start.
func (r *Runner) Run(ctx context.Context, command string) (*Result, error) {
	if err := r.Check(command); err != nil {
		r.logger.Warn("shell command refused", "command", command, "error", err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.cfg.WorkingDir
	// Children that inherit the pipes must not hold Wait open.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	res := &Result{
		Stdout: truncate(stdout.String(), r.cfg.MaxOutputBytes),
		Stderr: truncate(stderr.String(), r.cfg.MaxOutputBytes),
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case err != nil:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debug("shell command finished",
		"command", command,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"elapsed", time.Since(start),
	)
	return res, nil
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
