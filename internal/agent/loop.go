// Package agent implements the turn loop: it asks the model for its next
// step, dispatches the tool calls the model proposes to the tool server,
// folds the results back into the conversation, and repeats until the
// model answers without calling tools or a terminal condition is hit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcpchat/internal/conversation"
	"github.com/nugget/mcpchat/internal/llm"
	"github.com/nugget/mcpchat/internal/mcp"
	"github.com/nugget/mcpchat/internal/telemetry"
	"github.com/nugget/mcpchat/internal/tools"
)

// State is the turn loop's position in its state machine.
type State int32

// Loop states. Done and Failed are terminal.
const (
	AwaitingModel State = iota
	DispatchingTools
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingModel:
		return "awaiting_model"
	case DispatchingTools:
		return "dispatching_tools"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ToolSession executes tool calls. *mcp.Session implements it.
type ToolSession interface {
	CallTool(ctx context.Context, req tools.CallRequest) tools.CallResult
	ToolsChanged() bool
}

// Recorder archives turns as they are appended. *transcript.Store
// implements it.
type Recorder interface {
	Record(ctx context.Context, convID string, seq int, turn conversation.Turn) error
}

// Config bounds a run.
type Config struct {
	Model        string
	SystemPrompt string
	// MaxTurns caps model invocations per run. It is required.
	MaxTurns int
	// MaxParallelCalls bounds concurrent tool calls in one turn. Zero
	// means no limit.
	MaxParallelCalls int
	// ToolRetries re-dispatches a call that timed out, up to this many
	// extra attempts. Other failures are never retried.
	ToolRetries int
}

// Result is the outcome of Run.
type Result struct {
	State  State
	Answer string
	// Turns is the number of model invocations made.
	Turns int
	Err   error
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRecorder archives every appended turn. Recorder failures are
// logged and do not stop the run.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithRefresher sets the function called to rediscover tools after the
// session reports a tool list change.
func WithRefresher(fn func(context.Context) error) Option {
	return func(l *Loop) { l.refresh = fn }
}

// WithStateHook calls fn on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(l *Loop) { l.stateHook = fn }
}

// WithMetrics records run, turn, and tool call counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// Loop drives one conversation at a time against a model and a tool
// session.
type Loop struct {
	cfg       Config
	model     llm.Client
	session   ToolSession
	registry  *tools.Registry
	logger    *slog.Logger
	recorder  Recorder
	refresh   func(context.Context) error
	stateHook func(State)
	metrics   *telemetry.Metrics

	state atomic.Int32
}

// NewLoop creates a turn loop. cfg.MaxTurns must be positive.
func NewLoop(cfg Config, model llm.Client, session ToolSession, registry *tools.Registry, opts ...Option) (*Loop, error) {
	if cfg.MaxTurns <= 0 {
		return nil, fmt.Errorf("agent: MaxTurns must be positive, got %d", cfg.MaxTurns)
	}
	if cfg.MaxParallelCalls < 0 || cfg.ToolRetries < 0 {
		return nil, fmt.Errorf("agent: MaxParallelCalls and ToolRetries must not be negative")
	}
	if model == nil || session == nil || registry == nil {
		return nil, fmt.Errorf("agent: model, session, and registry are required")
	}

	l := &Loop{
		cfg:      cfg,
		model:    model,
		session:  session,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	if l.stateHook != nil {
		l.stateHook(s)
	}
}

// Run appends goal to conv as a user message (unless goal is empty) and
// loops until the model answers without tool calls (Done) or the run
// fails. On failure the returned error is also stored in Result.Err.
// Every tool call issued during the run has its result appended before
// Run returns, including calls interrupted by cancellation.
func (l *Loop) Run(ctx context.Context, conv *conversation.Log, goal string) (*Result, error) {
	ctx, span := telemetry.StartRunSpan(ctx, conv.ID(), l.cfg.Model)
	l.metrics.RunStarted(ctx)
	log := l.logger.With("conversation", conv.ID())

	res := &Result{}
	finish := func(state State, err error) (*Result, error) {
		res.State, res.Err = state, err
		l.setState(state)
		l.metrics.RunFinished(ctx, state.String())
		telemetry.End(span, err)
		if err != nil {
			log.Warn("run failed", "turns", res.Turns, "error", err)
		} else {
			log.Info("run completed", "turns", res.Turns)
		}
		return res, err
	}

	if goal != "" {
		l.append(ctx, conv, conversation.User(goal))
	}
	log.Info("run started", "model", l.cfg.Model, "max_turns", l.cfg.MaxTurns, "history", conv.Len())

	for turn := 1; turn <= l.cfg.MaxTurns; turn++ {
		l.setState(AwaitingModel)
		if err := ctx.Err(); err != nil {
			return finish(Failed, err)
		}
		l.refreshTools(ctx, log)

		turnCtx, turnSpan := telemetry.StartTurnSpan(ctx, turn)
		resp, err := l.model.Chat(turnCtx, l.cfg.Model, l.buildMessages(conv.Snapshot()), l.registry.ToModelSchema())
		res.Turns = turn
		l.metrics.ModelTurn(ctx)
		if err != nil {
			telemetry.End(turnSpan, err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(Failed, ctxErr)
			}
			return finish(Failed, &ModelError{Model: l.cfg.Model, Turn: turn, Err: err})
		}

		calls := l.callRequests(resp.Message.ToolCalls)
		l.append(ctx, conv, conversation.Model(resp.Message.Content, calls))
		log.Debug("model responded",
			"turn", turn,
			"tool_calls", len(calls),
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
		)

		if len(calls) == 0 {
			telemetry.End(turnSpan, nil)
			res.Answer = resp.Message.Content
			return finish(Done, nil)
		}

		l.setState(DispatchingTools)
		results := l.dispatch(turnCtx, calls)
		var fatal error
		for _, r := range results {
			l.append(ctx, conv, conversation.ToolResult(r))
			if fatal == nil && mcp.IsFatal(r.Err) {
				fatal = r.Err
			}
		}
		telemetry.End(turnSpan, fatal)

		if err := ctx.Err(); err != nil {
			return finish(Failed, err)
		}
		if fatal != nil {
			return finish(Failed, fatal)
		}
	}

	return finish(Failed, fmt.Errorf("%w (%d)", ErrMaxTurns, l.cfg.MaxTurns))
}

// refreshTools re-runs discovery when the server announced a tool list
// change. A failed refresh keeps the previous tool set.
func (l *Loop) refreshTools(ctx context.Context, log *slog.Logger) {
	if l.refresh == nil || !l.session.ToolsChanged() {
		return
	}
	if err := l.refresh(ctx); err != nil {
		log.Warn("tool refresh failed, keeping previous tools", "error", err)
		return
	}
	log.Info("tools refreshed", "count", l.registry.Len())
}

// append adds turn to conv and hands it to the recorder.
func (l *Loop) append(ctx context.Context, conv *conversation.Log, turn conversation.Turn) {
	seq := conv.Append(turn)
	if l.recorder == nil {
		return
	}
	// Turns appended after cancellation are still archived.
	if err := l.recorder.Record(context.WithoutCancel(ctx), conv.ID(), seq, turn); err != nil {
		l.logger.Warn("failed to record turn",
			"conversation", conv.ID(),
			"seq", seq,
			"error", err,
		)
	}
}

// callRequests converts the model's tool calls, assigning call IDs. A
// provider ID is kept when it is present and unique within the turn.
func (l *Loop) callRequests(calls []llm.ToolCall) []tools.CallRequest {
	if len(calls) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(calls))
	out := make([]tools.CallRequest, 0, len(calls))
	for _, tc := range calls {
		id := tc.ID
		if id == "" || seen[id] {
			id = newCallID()
		}
		seen[id] = true
		out = append(out, tools.CallRequest{
			CallID:    id,
			ToolName:  tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

func newCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "call_" + id.String()
}

// dispatch runs calls concurrently, bounded by MaxParallelCalls, and
// returns their results in issue order regardless of completion order.
func (l *Loop) dispatch(ctx context.Context, calls []tools.CallRequest) []tools.CallResult {
	results := make([]tools.CallResult, len(calls))

	var g errgroup.Group
	if l.cfg.MaxParallelCalls > 0 {
		g.SetLimit(l.cfg.MaxParallelCalls)
	}
	for i, req := range calls {
		g.Go(func() error {
			results[i] = l.execute(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// execute validates and runs one call. Unknown tools and invalid
// arguments become error results without reaching the server.
func (l *Loop) execute(ctx context.Context, req tools.CallRequest) tools.CallResult {
	ctx, span := telemetry.StartToolCallSpan(ctx, req.CallID, req.ToolName)
	start := time.Now()
	log := l.logger.With("tool", req.ToolName, "call_id", req.CallID)

	var r tools.CallResult
	if err := l.registry.Validate(req); err != nil {
		log.Warn("tool call rejected", "error", err)
		r = tools.Failure(req, err)
	} else {
		r = l.callWithRetry(ctx, req, log)
	}

	elapsed := time.Since(start)
	l.metrics.ToolCall(ctx, req.ToolName, string(r.Status), elapsed)
	telemetry.End(span, r.Err)
	log.Debug("tool call finished", "status", r.Status, "elapsed", elapsed)
	return r
}

// callWithRetry re-dispatches calls that timed out, up to ToolRetries
// extra attempts. Each attempt gets a new wire request.
func (l *Loop) callWithRetry(ctx context.Context, req tools.CallRequest, log *slog.Logger) tools.CallResult {
	for attempt := 0; ; attempt++ {
		r := l.session.CallTool(ctx, req)

		var te *mcp.TimeoutError
		if !errors.As(r.Err, &te) || attempt >= l.cfg.ToolRetries || ctx.Err() != nil {
			return r
		}
		log.Warn("tool call timed out, retrying",
			"attempt", attempt+1,
			"max_retries", l.cfg.ToolRetries,
			"after", te.After,
		)
	}
}

// buildMessages renders the conversation for the model.
func (l *Loop) buildMessages(turns []conversation.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns)+1)
	if l.cfg.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	}

	for _, t := range turns {
		switch t.Kind {
		case conversation.KindUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Text})

		case conversation.KindModel:
			m := llm.Message{Role: llm.RoleAssistant, Content: t.Text}
			for _, c := range t.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, llm.ToolCall{
					ID:       c.CallID,
					Function: llm.FunctionCall{Name: c.ToolName, Arguments: c.Arguments},
				})
			}
			msgs = append(msgs, m)

		case conversation.KindToolResult:
			r := t.Result
			content := r.Payload
			if r.IsError() {
				content = "Error: " + content
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: r.CallID,
				ToolName:   r.ToolName,
			})
		}
	}
	return msgs
}
