package agent

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nugget/mcpchat/internal/conversation"
	"github.com/nugget/mcpchat/internal/llm"
	"github.com/nugget/mcpchat/internal/mcp"
	"github.com/nugget/mcpchat/internal/mcptest"
	"github.com/nugget/mcpchat/internal/tools"
)

func TestMain(m *testing.M) {
	mcptest.MaybeServe()
	os.Exit(m.Run())
}

// connect starts the test server and registers its tools.
func connect(t *testing.T, opts ...mcp.Option) (*mcp.Session, *tools.Registry) {
	t.Helper()
	cmd, args, env := mcptest.Command()
	opts = append([]mcp.Option{mcp.WithLogger(testLogger())}, opts...)
	s, err := mcp.Connect(t.Context(), mcp.StdioConfig{
		Name:          "mcptest",
		Command:       cmd,
		Args:          args,
		Env:           env,
		ShutdownGrace: 2 * time.Second,
		Logger:        testLogger(),
	}, opts...)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := tools.NewRegistry()
	if _, err := mcp.DiscoverTools(t.Context(), s, reg, nil, nil, testLogger()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	return s, reg
}

func TestRun_RealServer(t *testing.T) {
	session, reg := connect(t)

	model := &stubModel{script: []func([]llm.Message) (*llm.ChatResponse, error){
		callTools(
			call("a", mcptest.ToolEcho, map[string]any{"text": "first"}),
			call("b", mcptest.ToolFail, nil),
			call("c", mcptest.ToolEcho, map[string]any{"text": "third"}),
		),
		answer("all done"),
	}}
	l := newTestLoop(t, Config{MaxParallelCalls: 3}, model, session, reg)

	conv := conversation.New()
	res, err := l.Run(t.Context(), conv, "run the tools")
	if err != nil || res.State != Done || res.Answer != "all done" {
		t.Fatalf("Run = %+v, %v", res, err)
	}

	turns := conv.Snapshot()
	want := []struct {
		id      string
		isError bool
		payload string
	}{
		{"a", false, "first"},
		{"b", true, "tool failed on purpose"},
		{"c", false, "third"},
	}
	for i, w := range want {
		r := turns[2+i].Result
		if r.CallID != w.id || r.IsError() != w.isError || r.Payload != w.payload {
			t.Errorf("result %d = %+v, want %+v", i, r, w)
		}
	}
	if session.Pending() != 0 {
		t.Errorf("Pending() = %d after run", session.Pending())
	}
}

func TestRun_RealServerTimeoutThenContinue(t *testing.T) {
	session, reg := connect(t, mcp.WithCallTimeout(300*time.Millisecond))

	model := &stubModel{script: []func([]llm.Message) (*llm.ChatResponse, error){
		callTools(call("slow", mcptest.ToolSleep, map[string]any{"ms": 2000})),
		callTools(call("fast", mcptest.ToolEcho, map[string]any{"text": "still alive"})),
		answer("done"),
	}}
	l := newTestLoop(t, Config{}, model, session, reg)

	conv := conversation.New()
	start := time.Now()
	res, err := l.Run(t.Context(), conv, "go")
	if err != nil || res.State != Done {
		t.Fatalf("Run = %+v, %v", res, err)
	}

	turns := conv.Snapshot()
	var te *mcp.TimeoutError
	if !errors.As(turns[2].Result.Err, &te) {
		t.Errorf("slow result = %+v, want TimeoutError", turns[2].Result)
	}
	// The echo may queue behind the sleeping handler, but well under the
	// full sleep plus the timeout.
	if r := turns[4].Result; r.IsError() || r.Payload != "still alive" {
		t.Errorf("call after timeout = %+v", r)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("run took %v", elapsed)
	}
}

func TestRun_RealServerCrash(t *testing.T) {
	session, reg := connect(t)

	model := &stubModel{script: []func([]llm.Message) (*llm.ChatResponse, error){
		callTools(call("boom", mcptest.ToolCrash, nil)),
		answer("unreachable"),
	}}
	l := newTestLoop(t, Config{}, model, session, reg)

	conv := conversation.New()
	res, err := l.Run(t.Context(), conv, "crash it")
	if !mcp.IsFatal(err) || res.State != Failed {
		t.Fatalf("Run = %+v, %v; want fatal failure", res, err)
	}
	if got := kinds(conv.Snapshot()); got != "user,model,tool_result" {
		t.Errorf("conversation = %s", got)
	}
	if model.calls() != 1 {
		t.Errorf("model consulted after the server died")
	}
}

func TestRun_RealServerCancelLeavesNoPending(t *testing.T) {
	session, reg := connect(t)

	model := &stubModel{script: []func([]llm.Message) (*llm.ChatResponse, error){
		callTools(
			call("s1", mcptest.ToolSleep, map[string]any{"ms": 5000}),
			call("s2", mcptest.ToolSleep, map[string]any{"ms": 5000}),
		),
	}}
	l := newTestLoop(t, Config{}, model, session, reg)

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()

	conv := conversation.New()
	res, err := l.Run(ctx, conv, "go")
	if err == nil || res.State != Failed {
		t.Fatalf("Run = %+v, %v; want cancellation failure", res, err)
	}
	if session.Pending() != 0 {
		t.Errorf("Pending() = %d after cancelled turn", session.Pending())
	}
	if got := kinds(conv.Snapshot()); got != "user,model,tool_result,tool_result" {
		t.Errorf("conversation = %s", got)
	}

	// The session is still usable.
	r := session.CallTool(t.Context(), tools.CallRequest{ToolName: mcptest.ToolEcho, Arguments: map[string]any{"text": "ok"}})
	if r.IsError() {
		t.Errorf("echo after cancelled turn = %+v", r)
	}
}
