// Termserver is a small MCP tool server that runs shell commands in a
// workspace directory. It speaks newline-delimited JSON-RPC on stdin and
// stdout; logs go to stderr.
//
// Usage:
//
//	termserver [-workspace dir] [-log-level level]
//
// The workspace defaults to $TERMSERVER_WORKSPACE, then
// ~/mcp-client/output.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nugget/mcpchat/internal/buildinfo"
	"github.com/nugget/mcpchat/internal/config"
	"github.com/nugget/mcpchat/internal/shellexec"
)

// Tool names.
const (
	toolRunCommand = "run_command"
	toolEcho       = "echo"
)

// envWorkspace overrides the default workspace directory.
const envWorkspace = "TERMSERVER_WORKSPACE"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run serves until stdin closes or ctx is cancelled.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var workspace, level string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-workspace" && i+1 < len(args):
			workspace = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-workspace="):
			workspace = strings.TrimPrefix(args[i], "-workspace=")
		case args[i] == "-log-level" && i+1 < len(args):
			level = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			level = strings.TrimPrefix(args[i], "-log-level=")
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stderr, lvl, "text")
	if err != nil {
		return err
	}

	if workspace == "" {
		workspace, err = defaultWorkspace()
		if err != nil {
			return err
		}
	}

	runner, err := shellexec.New(shellexec.Config{
		WorkingDir: workspace,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	logger.Info("terminal server starting", "workspace", workspace, "version", buildinfo.Version)

	stdio := mcpserver.NewStdioServer(newServer(runner))
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	if err := stdio.Listen(ctx, stdin, stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("terminal server stopped")
	return nil
}

func defaultWorkspace() (string, error) {
	if dir := os.Getenv(envWorkspace); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return filepath.Join(home, "mcp-client", "output"), nil
}

// newServer builds the MCP server with its tools registered.
func newServer(runner *shellexec.Runner) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("Terminal", buildinfo.Version,
		mcpserver.WithToolCapabilities(false),
	)
	s.AddTools(runCommandTool(runner), echoTool())
	return s
}

func runCommandTool(runner *shellexec.Runner) mcpserver.ServerTool {
	tool := mcplib.NewTool(toolRunCommand,
		mcplib.WithDescription("Run a terminal command inside the workspace directory"),
		mcplib.WithString("command",
			mcplib.Required(),
			mcplib.Description("Shell command to execute"),
		),
	)
	return mcpserver.ServerTool{
		Tool: tool,
		Handler: func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			command, err := req.RequireString("command")
			if err != nil {
				return mcplib.NewToolResultError(err.Error()), nil
			}
			res, err := runner.Run(ctx, command)
			if err != nil {
				return mcplib.NewToolResultError(err.Error()), nil
			}
			return mcplib.NewToolResultText(res.Text()), nil
		},
	}
}

func echoTool() mcpserver.ServerTool {
	tool := mcplib.NewTool(toolEcho,
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
