package mcp

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mcpchat/internal/mcptest"
	"github.com/nugget/mcpchat/internal/tools"
)

func TestMain(m *testing.M) {
	mcptest.MaybeServe()
	os.Exit(m.Run())
}

func testServerConfig(extraEnv ...string) StdioConfig {
	cmd, args, env := mcptest.Command(extraEnv...)
	return StdioConfig{
		Name:          "mcptest",
		Command:       cmd,
		Args:          args,
		Env:           env,
		ShutdownGrace: 2 * time.Second,
		Logger:        testLogger(),
	}
}

func connectTestServer(t *testing.T, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	s, err := Connect(t.Context(), testServerConfig(), opts...)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnect_EndToEnd(t *testing.T) {
	s := connectTestServer(t)

	info := s.ServerInfo()
	if info == nil || info.Name != "mcptest" {
		t.Fatalf("ServerInfo() = %+v", info)
	}

	descs, err := s.ListTools(t.Context())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, d := range descs {
		names = append(names, d.Name)
	}
	for _, want := range []string{mcptest.ToolEcho, mcptest.ToolSleep, mcptest.ToolCrash, mcptest.ToolFail} {
		if !slices.Contains(names, want) {
			t.Errorf("ListTools missing %q (got %v)", want, names)
		}
	}

	r := s.CallTool(t.Context(), tools.CallRequest{
		CallID:    "call-1",
		ToolName:  mcptest.ToolEcho,
		Arguments: map[string]any{"text": "hi"},
	})
	if r.IsError() || r.Payload != "hi" || r.CallID != "call-1" {
		t.Errorf("echo result = %+v", r)
	}

	r = s.CallTool(t.Context(), tools.CallRequest{ToolName: mcptest.ToolFail})
	if !r.IsError() || !strings.Contains(r.Payload, "on purpose") || IsFatal(r.Err) {
		t.Errorf("fail result = %+v", r)
	}

	if err := s.Ping(t.Context()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDiscoverTools_RealServer(t *testing.T) {
	s := connectTestServer(t)
	reg := tools.NewRegistry()

	n, err := DiscoverTools(t.Context(), s, reg, nil, []string{mcptest.ToolCrash}, testLogger())
	if err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if n != 3 || reg.Len() != 3 {
		t.Errorf("registered %d (Len %d), want 3", n, reg.Len())
	}
	if _, err := reg.Describe(mcptest.ToolCrash); err == nil {
		t.Error("excluded tool was registered")
	}

	// The server's schema drives validation.
	if err := reg.Validate(tools.CallRequest{ToolName: mcptest.ToolEcho, Arguments: map[string]any{}}); err == nil {
		t.Error("echo without text should fail validation")
	}
}

func TestConnect_SpawnError(t *testing.T) {
	_, err := Connect(t.Context(), StdioConfig{
		Name:    "missing",
		Command: "/nonexistent/tool-server",
		Logger:  testLogger(),
	})
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("Connect = %v, want *SpawnError", err)
	}
	if !IsFatal(err) {
		t.Error("spawn errors must be fatal")
	}
}

func TestConnect_NotAnMCPServer(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	start := time.Now()
	_, err = Connect(t.Context(), StdioConfig{
		Name:    "bogus",
		Command: sh,
		Args:    []string{"-c", "echo hello; exit 0"},
		Logger:  testLogger(),
	}, WithLogger(testLogger()), WithHandshakeTimeout(5*time.Second))

	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("Connect = %v, want *HandshakeError", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("handshake failure took %v; server exit should be detected promptly", time.Since(start))
	}
}

func TestSession_TimeoutKeepsSessionUsable(t *testing.T) {
	s := connectTestServer(t, WithCallTimeout(200*time.Millisecond))

	start := time.Now()
	r := s.CallTool(t.Context(), tools.CallRequest{
		CallID:    "slow",
		ToolName:  mcptest.ToolSleep,
		Arguments: map[string]any{"ms": 1500},
	})
	var te *TimeoutError
	if !errors.As(r.Err, &te) {
		t.Fatalf("sleep result = %+v, want TimeoutError", r)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout fired after %v, want about 200ms", elapsed)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout", s.Pending())
	}

	// Give the echo call enough room even if the server finishes the
	// sleep before reading the next request.
	s.callTimeout = 10 * time.Second
	r = s.CallTool(t.Context(), tools.CallRequest{
		ToolName:  mcptest.ToolEcho,
		Arguments: map[string]any{"text": "still here"},
	})
	if r.IsError() || r.Payload != "still here" {
		t.Errorf("echo after timeout = %+v", r)
	}
}

func TestSession_ServerCrashMidCall(t *testing.T) {
	s := connectTestServer(t)

	resc := make(chan tools.CallResult, 1)
	go func() {
		resc <- s.CallTool(t.Context(), tools.CallRequest{CallID: "boom", ToolName: mcptest.ToolCrash})
	}()

	select {
	case r := <-resc:
		if !r.IsError() || !IsFatal(r.Err) || !errors.Is(r.Err, ErrSessionClosed) {
			t.Errorf("crash result = %+v, want fatal ErrSessionClosed", r)
		}
		var te *TransportError
		if !errors.As(r.Err, &te) {
			t.Errorf("crash result should carry the transport cause, got %v", r.Err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("call hung after server crash")
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after server crash")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close after crash: %v", err)
	}
}

func TestStdioTransport_GracefulClose(t *testing.T) {
	tr, err := StartStdio(testServerConfig())
	if err != nil {
		t.Fatalf("StartStdio: %v", err)
	}
	if tr.Pid() <= 0 {
		t.Errorf("Pid() = %d", tr.Pid())
	}

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 2*time.Second {
		t.Errorf("graceful close took %v; stdin EOF should stop the server", elapsed)
	}
	select {
	case <-tr.Done():
	default:
		t.Error("Done() not closed after Close")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := tr.Send([]byte(`{}`)); err == nil {
		t.Error("Send after Close should fail")
	}
}

func TestStdioTransport_ForcedKill(t *testing.T) {
	cfg := testServerConfig(mcptest.EnvStubborn + "=1")
	cfg.ShutdownGrace = 100 * time.Millisecond

	tr, err := StartStdio(cfg)
	if err != nil {
		t.Fatalf("StartStdio: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- tr.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(termGrace + 5*time.Second):
		t.Fatal("Close did not force the subprocess down")
	}
	select {
	case <-tr.Done():
	default:
		t.Error("subprocess still running after Close")
	}
}

func TestStderrLogger_SplitsLines(t *testing.T) {
	var buf bytes.Buffer
	w := &stderrLogger{logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	w.Write([]byte("first li"))
	w.Write([]byte("ne\nsecond line\n\npartial"))

	out := buf.String()
	if !strings.Contains(out, `line="first line"`) || !strings.Contains(out, `line="second line"`) {
		t.Errorf("log output missing lines:\n%s", out)
	}
	if strings.Contains(out, "partial") {
		t.Errorf("partial line logged before its newline:\n%s", out)
	}
	if n := strings.Count(out, "MCP subprocess stderr"); n != 2 {
		t.Errorf("logged %d lines, want 2", n)
	}
}
