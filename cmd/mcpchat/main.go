// Mcpchat connects a language model to the tools of one MCP server.
//
// It launches the server as a subprocess, discovers its tools, and runs
// the turn loop: the model proposes tool calls, mcpchat executes them on
// the server, and the results go back to the model until it answers.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one, built-in
// defaults apply and the server script must be given on the command
// line.
//
// Usage:
//
//	mcpchat chat [script]          Interactive chat on stdin
//	mcpchat ask <question>         Run one goal and print the answer
//	mcpchat tools [script]         List the server's tools
//	mcpchat transcript [id]        List archived conversations, or show one
//	mcpchat version                Print version and build information
//	mcpchat -o json ask <question> Output the result as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mcpchat/internal/agent"
	"github.com/nugget/mcpchat/internal/buildinfo"
	"github.com/nugget/mcpchat/internal/config"
	"github.com/nugget/mcpchat/internal/conversation"
	"github.com/nugget/mcpchat/internal/llm"
	"github.com/nugget/mcpchat/internal/mcp"
	"github.com/nugget/mcpchat/internal/telemetry"
	"github.com/nugget/mcpchat/internal/tools"
	"github.com/nugget/mcpchat/internal/transcript"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit and the process streams out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	resume     string // conversation ID to continue
}

// run is the real entry point. Answers and listings go to stdout; logs
// go to stderr so stdout stays machine-readable with -o json.
//
// Arguments are parsed by hand: the flag package keeps global state,
// which gets in the way of calling run concurrently from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-resume" && i+1 < len(args):
			opts.resume = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-resume="):
			opts.resume = strings.TrimPrefix(args[i], "-resume=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts, cmdArgs)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcpchat ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, opts, cmdArgs)
	case "transcript":
		return runTranscript(ctx, stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// loadConfig loads the explicit or discovered config file, falling back
// to defaults when nothing is found and no path was given.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// setup loads config and builds the logger. A script argument overrides
// the configured server.
func setup(stderr io.Writer, opts options, cmdArgs []string) (*config.Config, *slog.Logger, error) {
	cfg, path, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if len(cmdArgs) > 0 {
		cfg.Server.Command = ""
		cfg.Server.Script = cmdArgs[0]
		cfg.Server.Args = cmdArgs[1:]
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(stderr, level, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}
	return cfg, logger, nil
}

// connect launches the tool server and registers its tools.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mcp.Session, *tools.Registry, error) {
	command, args, err := cfg.Server.ResolveCommand()
	if err != nil {
		return nil, nil, err
	}

	s, err := mcp.Connect(ctx, mcp.StdioConfig{
		Name:          cfg.Server.Name,
		Command:       command,
		Args:          args,
		Env:           cfg.Server.Env,
		Dir:           cfg.Server.Dir,
		ShutdownGrace: cfg.Server.ShutdownGrace(),
		Logger:        logger,
	},
		mcp.WithLogger(logger),
		mcp.WithCallTimeout(cfg.Server.CallTimeout()),
		mcp.WithHandshakeTimeout(cfg.Server.HandshakeTimeout()),
	)
	if err != nil {
		return nil, nil, err
	}

	registry := tools.NewRegistry()
	if _, err := mcp.DiscoverTools(ctx, s, registry, cfg.Server.Include, cfg.Server.Exclude, logger); err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return s, registry, nil
}

// openTranscript opens the archive when a data directory is configured.
// The returned close function is never nil.
func openTranscript(cfg *config.Config) (*transcript.Store, func(), error) {
	path := cfg.TranscriptPath()
	if path == "" {
		return nil, func() {}, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	store, db, err := transcript.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

// session bundles what chat and ask share: the tool server, the model,
// the turn loop, and the conversation it appends to.
type session struct {
	tools  *mcp.Session
	loop   *agent.Loop
	conv   *conversation.Log
	logger *slog.Logger
	close  func()
}

// telemetryFlushTimeout bounds the final span and metric export on exit.
const telemetryFlushTimeout = 5 * time.Second

func startSession(ctx context.Context, stderr io.Writer, opts options, cmdArgs []string) (*session, error) {
	cfg, logger, err := setup(stderr, opts, cmdArgs)
	if err != nil {
		return nil, err
	}

	model, err := llm.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openTranscript(cfg)
	if err != nil {
		return nil, err
	}

	conv := conversation.New()
	if opts.resume != "" {
		if store == nil {
			closeStore()
			return nil, fmt.Errorf("-resume needs data_dir to be configured")
		}
		turns, err := store.Load(ctx, opts.resume)
		if err != nil {
			closeStore()
			return nil, err
		}
		if conv, err = conversation.Restore(opts.resume, turns); err != nil {
			closeStore()
			return nil, fmt.Errorf("resume %s: %w", opts.resume, err)
		}
		logger.Info("conversation resumed", "conversation", opts.resume, "turns", len(turns))
	}

	toolSession, registry, err := connect(ctx, cfg, logger)
	if err != nil {
		closeStore()
		return nil, err
	}

	stopTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
		Logger:   logger,
	})
	if err != nil {
		_ = toolSession.Close()
		closeStore()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	flushTelemetry := func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := stopTelemetry(ctx); err != nil {
			logger.Debug("telemetry shutdown", "error", err)
		}
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		logger.Warn("metrics unavailable", "error", err)
	}

	loopOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithRefresher(mcp.Refresher(toolSession, registry, cfg.Server.Include, cfg.Server.Exclude, logger)),
		agent.WithStateHook(func(s agent.State) {
			logger.Debug("loop state", "state", s.String())
		}),
	}
	if store != nil {
		loopOpts = append(loopOpts, agent.WithRecorder(store))
	}

	loop, err := agent.NewLoop(agent.Config{
		Model:            cfg.Models.Default,
		SystemPrompt:     cfg.Loop.SystemPrompt,
		MaxTurns:         cfg.Loop.MaxTurns,
		MaxParallelCalls: cfg.Loop.MaxParallelCalls,
		ToolRetries:      cfg.Loop.ToolRetries,
	}, model, toolSession, registry, loopOpts...)
	if err != nil {
		_ = toolSession.Close()
		closeStore()
		flushTelemetry()
		return nil, err
	}

	return &session{
		tools:  toolSession,
		loop:   loop,
		conv:   conv,
		logger: logger,
		close: func() {
			if err := toolSession.Close(); err != nil {
				logger.Debug("tool server close", "error", err)
			}
			closeStore()
			flushTelemetry()
		},
	}, nil
}

// askResult is the JSON shape of one completed goal.
type askResult struct {
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"`
	Answer         string `json:"answer,omitempty"`
	Turns          int    `json:"turns"`
	Error          string `json:"error,omitempty"`
}

func newAskResult(convID string, res *agent.Result, err error) askResult {
	out := askResult{ConversationID: convID}
	if res != nil {
		out.State = res.State.String()
		out.Answer = res.Answer
		out.Turns = res.Turns
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// runAsk runs a single goal and prints the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	s, err := startSession(ctx, stderr, opts, nil)
	if err != nil {
		return err
	}
	defer s.close()

	res, runErr := s.loop.Run(ctx, s.conv, question)
	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(newAskResult(s.conv.ID(), res, runErr)); err != nil {
			return err
		}
	} else if runErr == nil {
		fmt.Fprintln(stdout, res.Answer)
	}
	if runErr != nil {
		return fmt.Errorf("ask: %w", runErr)
	}
	return nil
}

// runChat reads goals from stdin, one per line, until end of input or
// "quit". Errors that end only the current goal are reported and the
// chat continues; a lost tool server ends it.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options, cmdArgs []string) error {
	s, err := startSession(ctx, stderr, opts, cmdArgs)
	if err != nil {
		return err
	}
	defer s.close()

	text := opts.outputFmt == "text"
	if text {
		fmt.Fprintf(stdout, "Connected to %s. Type your queries or 'quit' to exit.\n", s.tools.Name())
		fmt.Fprintf(stdout, "Conversation %s\n", s.conv.ID())
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(stdout)
	for {
		if text {
			fmt.Fprint(stdout, "\n> ")
		}
		if !scanner.Scan() {
			if text {
				fmt.Fprintln(stdout)
			}
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return nil
		}

		res, runErr := s.loop.Run(ctx, s.conv, line)
		switch {
		case !text:
			if err := enc.Encode(newAskResult(s.conv.ID(), res, runErr)); err != nil {
				return err
			}
		case runErr == nil:
			fmt.Fprintf(stdout, "\n%s\n", res.Answer)
		default:
			fmt.Fprintf(stdout, "\nError: %v\n", runErr)
		}

		switch {
		case runErr == nil:
		case ctx.Err() != nil:
			return nil
		case mcp.IsFatal(runErr):
			return fmt.Errorf("tool server lost: %w", runErr)
		case errors.Is(runErr, agent.ErrMaxTurns):
			s.logger.Warn("goal abandoned", "error", runErr)
		default:
			s.logger.Error("goal failed", "error", runErr)
		}
	}
}

// runTools lists the tools the server exposes after filtering.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts options, cmdArgs []string) error {
	cfg, logger, err := setup(stderr, opts, cmdArgs)
	if err != nil {
		return err
	}
	toolSession, registry, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer toolSession.Close()

	descs := registry.List()
	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}

	if info := toolSession.ServerInfo(); info != nil {
		fmt.Fprintf(stdout, "%s %s (protocol %s)\n", info.Name, info.Version, info.ProtocolVersion)
	}
	for _, d := range descs {
		fmt.Fprintf(stdout, "  %-20s %s\n", d.Name, d.Description)
		for _, p := range d.InputSchema.PropertyNames() {
			fmt.Fprintf(stdout, "  %-20s   - %s\n", "", p)
		}
	}
	return nil
}

// runTranscript lists archived conversations, or prints one.
func runTranscript(ctx context.Context, stdout, stderr io.Writer, opts options, cmdArgs []string) error {
	cfg, _, err := setup(stderr, opts, nil)
	if err != nil {
		return err
	}
	store, closeStore, err := openTranscript(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	if store == nil {
		return fmt.Errorf("no transcript archive: data_dir is not configured")
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if len(cmdArgs) == 0 {
		list, err := store.Conversations(ctx)
		if err != nil {
			return err
		}
		if opts.outputFmt == "json" {
			return enc.Encode(list)
		}
		for _, c := range list {
			fmt.Fprintf(stdout, "%s  %3d turns  %s\n", c.ID, c.Turns, c.Updated.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	id := cmdArgs[0]
	turns, err := store.Load(ctx, id)
	if err != nil {
		return err
	}
	conv, err := conversation.Restore(id, turns)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return enc.Encode(conv)
	}
	for _, t := range conv.Snapshot() {
		printTurn(stdout, t)
	}
	return nil
}

func printTurn(w io.Writer, t conversation.Turn) {
	switch t.Kind {
	case conversation.KindUser:
		fmt.Fprintf(w, "user: %s\n", t.Text)
	case conversation.KindModel:
		if t.Text != "" {
			fmt.Fprintf(w, "model: %s\n", t.Text)
		}
		for _, c := range t.ToolCalls {
			args, _ := json.Marshal(c.Arguments)
			fmt.Fprintf(w, "model -> %s %s %s\n", c.CallID, c.ToolName, args)
		}
	case conversation.KindToolResult:
		fmt.Fprintf(w, "tool  <- %s [%s] %s\n", t.Result.CallID, t.Result.Status, t.Result.Payload)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpchat - chat with a model that can call MCP tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpchat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat [script]     Interactive chat (script overrides server config)")
	fmt.Fprintln(w, "  ask <question>    Run one goal and print the answer")
	fmt.Fprintln(w, "  tools [script]    List the server's tools")
	fmt.Fprintln(w, "  transcript [id]   List archived conversations, or show one")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -resume <id>      Continue an archived conversation")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcpchat/config.yaml, /etc/mcpchat/config.yaml")
	return nil
}
