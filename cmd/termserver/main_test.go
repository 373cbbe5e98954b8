package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mcpchat/internal/mcp"
	"github.com/nugget/mcpchat/internal/tools"
)

// startServer runs the server in-process over pipes and returns an
// initialized client session.
func startServer(t *testing.T, workspace string) *mcp.Session {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	var stderr bytes.Buffer
	errc := make(chan error, 1)
	go func() {
		errc <- run(ctx, c2sR, s2cW, &stderr, []string{"-workspace", workspace, "-log-level", "debug"})
		_ = s2cW.Close()
	}()

	s := mcp.NewSession("terminal", mcp.NewStreamTransport(s2cR, c2sW))
	t.Cleanup(func() {
		_ = s.Close()
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	initCtx, initCancel := context.WithTimeout(ctx, 5*time.Second)
	defer initCancel()
	if err := s.Initialize(initCtx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func TestServer_ListsTools(t *testing.T) {
	s := startServer(t, t.TempDir())

	descs, err := s.ListTools(t.Context())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, d := range descs {
		names = append(names, d.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{toolEcho, toolRunCommand}) {
		t.Errorf("tools = %v", names)
	}
	if info := s.ServerInfo(); info == nil || info.Name != "Terminal" {
		t.Errorf("ServerInfo() = %+v", info)
	}
}

func TestServer_RunCommandInWorkspace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	s := startServer(t, dir)

	r := s.CallTool(t.Context(), tools.CallRequest{
		CallID:    "1",
		ToolName:  toolRunCommand,
		Arguments: map[string]any{"command": "echo hello > greeting.txt && cat greeting.txt"},
	})
	if r.IsError() || r.Payload != "hello\n" {
		t.Fatalf("run_command = %+v", r)
	}
	if _, err := os.Stat(filepath.Join(dir, "greeting.txt")); err != nil {
		t.Errorf("file not written to the workspace: %v", err)
	}

	r = s.CallTool(t.Context(), tools.CallRequest{
		CallID:    "2",
		ToolName:  toolRunCommand,
		Arguments: map[string]any{"command": "echo broken >&2; exit 1"},
	})
	if r.IsError() || r.Payload != "broken\n" {
		t.Errorf("stderr fallback = %+v", r)
	}
}

func TestServer_DeniedCommandIsToolError(t *testing.T) {
	s := startServer(t, t.TempDir())

	r := s.CallTool(t.Context(), tools.CallRequest{
		CallID:    "1",
		ToolName:  toolRunCommand,
		Arguments: map[string]any{"command": "rm -rf /"},
	})
	if !r.IsError() || !strings.Contains(r.Payload, "blocked") {
		t.Errorf("denied command = %+v", r)
	}
}

func TestServer_Echo(t *testing.T) {
	s := startServer(t, t.TempDir())

	r := s.CallTool(t.Context(), tools.CallRequest{
		CallID:    "1",
		ToolName:  toolEcho,
		Arguments: map[string]any{"text": "ping"},
	})
	if r.IsError() || r.Payload != "ping" {
		t.Errorf("echo = %+v", r)
	}
}

func TestRun_UnknownArgument(t *testing.T) {
	err := run(t.Context(), strings.NewReader(""), io.Discard, io.Discard, []string{"-bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown argument") {
		t.Errorf("run = %v", err)
	}
}

func TestDefaultWorkspace(t *testing.T) {
	t.Setenv(envWorkspace, "/tmp/elsewhere")
	dir, err := defaultWorkspace()
	if err != nil || dir != "/tmp/elsewhere" {
		t.Errorf("defaultWorkspace() = %q, %v", dir, err)
	}

	t.Setenv(envWorkspace, "")
	dir, err = defaultWorkspace()
	if err != nil || !strings.HasSuffix(dir, filepath.Join("mcp-client", "output")) {
		t.Errorf("defaultWorkspace() = %q, %v", dir, err)
	}
}
