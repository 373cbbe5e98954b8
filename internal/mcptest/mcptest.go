// Package mcptest provides a small MCP tool server for tests. Tests run
// it as a real subprocess by re-executing their own test binary: call
// MaybeServe from TestMain and launch Command().
package mcptest

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Environment switches read by MaybeServe.
const (
	// EnvServe makes the test binary act as the server.
	EnvServe = "MCPTEST_SERVE"
	// EnvStubborn keeps the server alive after stdin closes and
	// ignores SIGTERM, so only SIGKILL stops it.
	EnvStubborn = "MCPTEST_STUBBORN"
)

// Tool names exposed by the server.
const (
	ToolEcho  = "echo"
	ToolSleep = "sleep"
	ToolCrash = "crash"
	ToolFail  = "fail"
)

// NewServer builds the test server with its tools registered.
func NewServer() *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("mcptest", "0.1.0",
		mcpserver.WithToolCapabilities(true),
	)
	s.AddTools(
		echoTool(),
		sleepTool(),
		crashTool(),
		failTool(),
	)
	return s
}

func echoTool() mcpserver.ServerTool {
	tool := mcplib.NewTool(ToolEcho,
		mcplib.WithDescription("Echo the given text back"),
		mcplib.WithString("text",
			mcplib.Required(),
			mcplib.Description("Text to echo"),
		),
	)
	return mcpserver.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			text, err := req.RequireString("text")
			if err != nil {
				return mcplib.NewToolResultError(err.Error()), nil
			}
			return mcplib.NewToolResultText(text), nil
		},
	}
}

func sleepTool() mcpserver.ServerTool {
	tool := mcplib.NewTool(ToolSleep,
		mcplib.WithDescription("Sleep, then answer"),
		mcplib.WithNumber("ms",
			mcplib.Required(),
			mcplib.Description("Milliseconds to sleep"),
		),
	)
	return mcpserver.ServerTool{
		Tool: tool,
		Handler: func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			ms := req.GetFloat("ms", 0)
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return mcplib.NewToolResultError("cancelled"), nil
			}
			return mcplib.NewToolResultText(fmt.Sprintf("slept %.0fms", ms)), nil
		},
	}
}

func crashTool() mcpserver.ServerTool {
	tool := mcplib.NewTool(ToolCrash,
		mcplib.WithDescription("Exit the server process without answering"),
	)
	return mcpserver.ServerTool{
		Tool: tool,
		Handler: func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			os.Exit(3)
			return nil, nil
		},
	}
}

func failTool() mcpserver.ServerTool {
	tool := mcplib.NewTool(ToolFail,
		mcplib.WithDescription("Report a tool-level error"),
	)
	return mcpserver.ServerTool{
		Tool: tool,
		Handler: func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			return mcplib.NewToolResultError("tool failed on purpose"), nil
		},
	}
}

// MaybeServe runs the test server on stdio and exits the process when
// EnvServe is set. It returns immediately otherwise.
func MaybeServe() {
	if os.Getenv(EnvServe) != "1" {
		return
	}

	err := mcpserver.ServeStdio(NewServer())

	if os.Getenv(EnvStubborn) == "1" {
		signal.Ignore(syscall.SIGTERM)
		for {
			time.Sleep(time.Hour)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcptest:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Command returns the executable, arguments and extra environment that
// re-run the current test binary as the server.
func Command(extraEnv ...string) (string, []string, []string) {
	env := append([]string{EnvServe + "=1"}, extraEnv...)
	return os.Args[0], []string{"-test.run=^$"}, env
}
