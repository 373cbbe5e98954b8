package mcp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultShutdownGrace is how long a server gets to exit on its own
// after its stdin is closed.
const DefaultShutdownGrace = 5 * time.Second

// termGrace is how long a server gets after SIGTERM before it is killed.
const termGrace = 2 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Name labels the server in logs.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// ShutdownGrace bounds the graceful phase of Close. Zero means
	// DefaultShutdownGrace.
	ShutdownGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport runs an MCP server as a subprocess. Frames travel over
// the child's stdin and stdout; stderr is logged at debug level.
type StdioTransport struct {
	*StreamTransport

	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

// StartStdio launches the server. It fails with *SpawnError if the
// executable cannot be started.
func StartStdio(cfg StdioConfig) (*StdioTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir
	// Stderr is not part of the protocol.
	cmd.Stderr = &stderrLogger{logger: logger}
	// Bounds Wait when a grandchild keeps stderr open.
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	// A plain os.Pipe rather than StdoutPipe: Wait must not close our
	// read end while frames written before exit are still buffered.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	stdoutW.Close()

	t := &StdioTransport{
		StreamTransport: NewStreamTransport(stdoutR, stdin),
		cmd:             cmd,
		grace:           grace,
		logger:          logger,
		exited:          make(chan struct{}),
	}
	go func() {
		t.waitErr = cmd.Wait()
		close(t.exited)
	}()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// Pid returns the subprocess id.
func (t *StdioTransport) Pid() int {
	return t.cmd.Process.Pid
}

// Done is closed when the subprocess has exited.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.exited
}

// ExitErr returns the subprocess exit status once Done is closed.
func (t *StdioTransport) ExitErr() error {
	select {
	case <-t.exited:
		return t.waitErr
	default:
		return nil
	}
}

// Close stops the subprocess: stdin is closed so a well-behaved server
// exits on its own; after the grace period it gets SIGTERM, and shortly
// after that SIGKILL. Close is idempotent; later calls return nil.
func (t *StdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.stop()
	})
	return err
}

func (t *StdioTransport) stop() error {
	pid := t.Pid()
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	_ = t.CloseWrite()

	var killErr error
	select {
	case <-t.exited:
		t.logger.Debug("MCP subprocess exited", "pid", pid, "status", exitStatus(t.waitErr))
	case <-time.After(t.grace):
		t.logger.Warn("MCP subprocess did not exit gracefully, terminating",
			"pid", pid,
			"grace", t.grace,
		)
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-t.exited:
		case <-time.After(termGrace):
			t.logger.Warn("MCP subprocess ignored SIGTERM, killing", "pid", pid)
			if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				killErr = fmt.Errorf("kill subprocess %d: %w", pid, err)
			} else {
				<-t.exited
			}
		}
	}

	return errors.Join(killErr, t.StreamTransport.Close())
}

func exitStatus(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}

// stderrLogger forwards subprocess stderr to the debug log one line at
// a time.
type stderrLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

const maxStderrLine = 64 * 1024

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Keep the partial line for the next write unless it is
			// unreasonably long.
			if len(line) > maxStderrLine {
				w.emit(line)
			} else {
				w.buf.Write(line)
			}
			return len(p), nil
		}
		w.emit(line)
	}
}

func (w *stderrLogger) emit(line []byte) {
	text := string(bytes.TrimRight(line, "\r\n"))
	if text == "" {
		return
	}
	w.logger.Debug("MCP subprocess stderr", "line", text)
}
