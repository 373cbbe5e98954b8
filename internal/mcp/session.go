package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcpchat/internal/buildinfo"
	"github.com/nugget/mcpchat/internal/schema"
	"github.com/nugget/mcpchat/internal/tools"
)

// ProtocolVersion is the MCP protocol version advertised during
// initialization.
const ProtocolVersion = "2024-11-05"

// supportedVersions lists the protocol versions a server may answer
// with. Everything this client uses is unchanged across them.
var supportedVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

// Defaults for session timeouts.
const (
	DefaultCallTimeout      = 60 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
)

// maxListPages bounds tools/list pagination against a server that keeps
// returning cursors.
const maxListPages = 100

// outQueueSize bounds frames waiting for the write loop.
const outQueueSize = 64

// closeNoticeTimeout bounds how long Close waits to deliver
// cancellations for in-flight requests.
const closeNoticeTimeout = time.Second

// levelTrace matches config.LevelTrace.
const levelTrace = slog.Level(-8)

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// toolDefinition is an MCP tool as returned by tools/list.
type toolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools      []toolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// Implementation names a client or server in the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is what the server reported during initialization.
type ServerInfo struct {
	Implementation
	ProtocolVersion string
	// ListChanged is set when the server announces tool list changes.
	ListChanged  bool
	Instructions string
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"tools,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCallTimeout bounds each tools/call. Zero disables the per-call
// timeout; the caller's context still applies.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Session) { s.callTimeout = d }
}

// WithHandshakeTimeout bounds the initialize exchange in Connect.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithClientInfo overrides the client name and version sent during
// initialization.
func WithClientInfo(name, version string) Option {
	return func(s *Session) {
		s.client = Implementation{Name: name, Version: version}
	}
}

// Session is a connection to one MCP server. It owns the transport: a
// single read loop demultiplexes incoming frames to the callers waiting
// on them, keyed by JSON-RPC request id.
type Session struct {
	name             string
	transport        Transport
	logger           *slog.Logger
	callTimeout      time.Duration
	handshakeTimeout time.Duration
	client           Implementation

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Response
	closed  bool
	cause   error
	info    *ServerInfo

	// out feeds the write loop, the transport's only writer. quit is
	// closed when the session ends.
	out  chan *outFrame
	quit chan struct{}

	toolsChanged atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
}

// Write states of an outFrame.
const (
	frameQueued int32 = iota
	frameWriting
	frameWritten
	frameAbandoned
)

// outFrame is one frame waiting for the write loop. sent receives the
// result of the write; a frame abandoned while still queued is skipped.
type outFrame struct {
	data  []byte
	state atomic.Int32
	sent  chan error
}

// NewSession wraps an open transport and starts the read loop. The
// session is not usable for tool calls until Initialize succeeds.
func NewSession(name string, transport Transport, opts ...Option) *Session {
	s := newSession(name, opts...)
	s.start(transport)
	return s
}

func newSession(name string, opts ...Option) *Session {
	s := &Session{
		name:             name,
		logger:           slog.Default(),
		callTimeout:      DefaultCallTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		client:           Implementation{Name: buildinfo.Name, Version: buildinfo.Version},
		pending:          make(map[int64]chan *Response),
		out:              make(chan *outFrame, outQueueSize),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("mcp_server", name)
	return s
}

func (s *Session) start(transport Transport) {
	s.transport = transport
	go s.readLoop()
	go s.writeLoop()
}

// Connect spawns the server described by cfg and completes the
// handshake within the handshake timeout. It fails with *SpawnError or
// *HandshakeError; on failure the subprocess is stopped.
func Connect(ctx context.Context, cfg StdioConfig, opts ...Option) (*Session, error) {
	s := newSession(cfg.Name, opts...)
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}

	transport, err := StartStdio(cfg)
	if err != nil {
		return nil, err
	}
	s.start(transport)

	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()
	if err := s.Initialize(hctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Name returns the server name this session is connected to.
func (s *Session) Name() string {
	return s.name
}

// ServerInfo returns the handshake result, or nil before Initialize.
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Pending returns the number of requests awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Done is closed when the read loop has stopped, either because the
// server went away or because the session was closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil while it is open. The error
// wraps ErrSessionClosed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return closedError(s.cause)
}

// ToolsChanged reports whether the server announced a tool list change
// since the last call, and clears the flag.
func (s *Session) ToolsChanged() bool {
	return s.toolsChanged.Swap(false)
}

// Initialize performs the MCP handshake: sends an initialize request,
// checks the negotiated version and capabilities, and then sends the
// notifications/initialized notification.
func (s *Session) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      s.client,
	}

	resp, err := s.request(ctx, "initialize", params)
	if err != nil {
		return &HandshakeError{Reason: "initialize failed", Err: err}
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &HandshakeError{Reason: "malformed initialize result", Err: err}
	}
	if !slices.Contains(supportedVersions, result.ProtocolVersion) {
		return &HandshakeError{Reason: fmt.Sprintf("unsupported protocol version %q", result.ProtocolVersion)}
	}
	if result.Capabilities.Tools == nil {
		return &HandshakeError{Reason: "server does not offer tools"}
	}

	info := &ServerInfo{
		Implementation:  result.ServerInfo,
		ProtocolVersion: result.ProtocolVersion,
		ListChanged:     result.Capabilities.Tools.ListChanged,
		Instructions:    result.Instructions,
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	s.logger.Info("MCP server initialized",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", info.ProtocolVersion,
	)

	if err := s.notify(ctx, "notifications/initialized", nil); err != nil {
		return &HandshakeError{Reason: "send initialized notification", Err: err}
	}
	return nil
}

// ListTools calls tools/list, following pagination cursors, and parses
// every input schema. A tool that cannot be parsed fails the whole
// listing with *ProtocolError.
func (s *Session) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	var (
		descs  []tools.Descriptor
		cursor string
		seen   = map[string]bool{}
	)
	for page := 0; ; page++ {
		if page >= maxListPages {
			return nil, &ProtocolError{Method: "tools/list", Err: fmt.Errorf("more than %d pages", maxListPages)}
		}

		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := s.request(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, &ProtocolError{Method: "tools/list", Err: err}
		}
		for _, td := range result.Tools {
			desc, err := toDescriptor(td)
			if err != nil {
				return nil, &ProtocolError{Method: "tools/list", Err: err}
			}
			descs = append(descs, desc)
		}

		if result.NextCursor == "" {
			break
		}
		if seen[result.NextCursor] {
			return nil, &ProtocolError{Method: "tools/list", Err: fmt.Errorf("cursor %q repeated", result.NextCursor)}
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}

	s.logger.Info("discovered MCP tools", "count", len(descs))
	return descs, nil
}

func toDescriptor(td toolDefinition) (tools.Descriptor, error) {
	if td.Name == "" {
		return tools.Descriptor{}, fmt.Errorf("tool with empty name")
	}
	in := schema.Object()
	if len(td.InputSchema) > 0 && string(td.InputSchema) != "null" {
		parsed, err := schema.Parse(td.InputSchema)
		if err != nil {
			return tools.Descriptor{}, fmt.Errorf("tool %q: %w", td.Name, err)
		}
		in = parsed
	}
	return tools.Descriptor{
		Name:        td.Name,
		Description: td.Description,
		InputSchema: in,
	}, nil
}

// CallTool invokes a tool and waits for its result. Every failure is
// reported in the returned result rather than as an error: a timeout
// yields *TimeoutError, cancellation of ctx yields the context error,
// a lost session yields an error wrapping ErrSessionClosed. The
// session stays usable after per-call failures.
func (s *Session) CallTool(ctx context.Context, req tools.CallRequest) tools.CallResult {
	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      req.ToolName,
		"arguments": args,
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	}
	defer cancel()

	start := time.Now()
	id := s.nextID.Add(1)
	resp, err := s.roundTrip(callCtx, id, "tools/call", params)
	if err != nil {
		if s.callTimeout > 0 && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Method: "tools/call", ID: id, After: s.callTimeout}
			s.logger.Warn("MCP tool call timed out",
				"tool", req.ToolName,
				"call_id", req.CallID,
				"timeout", s.callTimeout,
			)
		}
		return tools.Failure(req, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return tools.Failure(req, &ProtocolError{Method: "tools/call", Err: err})
	}

	text := extractText(result.Content)
	s.logger.Debug("MCP tool call finished",
		"tool", req.ToolName,
		"call_id", req.CallID,
		"is_error", result.IsError,
		"elapsed", time.Since(start),
	)

	if result.IsError {
		out := tools.Failure(req, &ToolError{Tool: req.ToolName, Message: text})
		out.Payload = text
		return out
	}
	out := tools.OK(req, text)
	out.Structured = result.StructuredContent
	return out
}

// Ping checks whether the MCP server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.request(ctx, "ping", nil)
	return err
}

// Close cancels in-flight requests, wakes their callers with
// ErrSessionClosed, and stops the transport. It is safe to call
// concurrently with CallTool and more than once; later calls are no-ops.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("closing MCP session", "pending", s.Pending())

		s.mu.Lock()
		open := !s.closed
		ids := make([]int64, 0, len(s.pending))
		for id := range s.pending {
			ids = append(ids, id)
		}
		s.mu.Unlock()

		if open && len(ids) > 0 {
			slices.Sort(ids)
			ctx, cancel := context.WithTimeout(context.Background(), closeNoticeTimeout)
			for _, id := range ids {
				params := map[string]any{"requestId": id, "reason": "client shutting down"}
				if err := s.notify(ctx, "notifications/cancelled", params); err != nil {
					s.logger.Debug("could not send cancellation", "id", id, "error", err)
				}
			}
			cancel()
		}

		s.shutdown(errClosedByClient)
		err = s.transport.Close()
		<-s.done
	})
	return err
}

// shutdown marks the session closed and wakes every waiter. Only the
// first cause is kept.
func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cause = cause
	close(s.quit)
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// request sends a JSON-RPC request and waits for the matching response.
func (s *Session) request(ctx context.Context, method string, params any) (*Response, error) {
	return s.roundTrip(ctx, s.nextID.Add(1), method, params)
}

// roundTrip registers a waiter for id, sends the request, and blocks
// until the response arrives, the session closes, or ctx ends. When ctx
// ends first the waiter is removed and the server is told to cancel the
// request.
func (s *Session) roundTrip(ctx context.Context, id int64, method string, params any) (*Response, error) {
	ch := make(chan *Response, 1)

	s.mu.Lock()
	if s.closed {
		cause := s.cause
		s.mu.Unlock()
		return nil, closedError(cause)
	}
	s.pending[id] = ch
	s.mu.Unlock()

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	s.logger.Log(ctx, levelTrace, "MCP frame sent", "frame", string(data))

	f, err := s.enqueue(ctx, data)
	if err != nil {
		s.forget(id)
		return nil, err
	}

	sent := f.sent
	for {
		select {
		case err := <-sent:
			sent = nil
			if err != nil {
				s.forget(id)
				return nil, err
			}
		case resp, ok := <-ch:
			if !ok {
				return nil, s.Err()
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp, nil
		case <-ctx.Done():
			if s.abandon(f, id, ctx.Err().Error()) {
				return nil, s.Err()
			}
			return nil, ctx.Err()
		}
	}
}

// abandon gives up on request id after its caller's context ended. A
// frame still queued is never written. A frame caught mid-write means
// the server stopped reading: the stream can no longer be framed, so
// the session fails and abandon reports true. Otherwise the server is
// asked to cancel the request.
func (s *Session) abandon(f *outFrame, id int64, reason string) bool {
	if !s.forget(id) {
		return false
	}
	if f.state.CompareAndSwap(frameQueued, frameAbandoned) {
		return false
	}
	if f.state.Load() == frameWriting {
		s.fail(&TransportError{Op: "send", Err: ErrWriteStalled})
		return true
	}
	s.cancelRequest(id, reason)
	return false
}

// forget removes a waiter. It reports whether the waiter was still
// registered.
func (s *Session) forget(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	return ok
}

// cancelRequest queues notifications/cancelled without waiting; when
// the queue is full the notice is dropped.
func (s *Session) cancelRequest(id int64, reason string) {
	params := map[string]any{"requestId": id, "reason": reason}
	data, err := json.Marshal(NewNotification("notifications/cancelled", params))
	if err != nil {
		return
	}
	s.logger.Log(context.Background(), levelTrace, "MCP frame sent", "frame", string(data))
	select {
	case s.out <- &outFrame{data: data, sent: make(chan error, 1)}:
	default:
		s.logger.Debug("send queue full, dropping cancellation", "id", id)
	}
}

// notify queues a notification and waits until it is written.
func (s *Session) notify(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	s.logger.Log(ctx, levelTrace, "MCP frame sent", "frame", string(data))
	f, err := s.enqueue(ctx, data)
	if err != nil {
		return err
	}
	select {
	case err := <-f.sent:
		return err
	case <-ctx.Done():
		f.state.CompareAndSwap(frameQueued, frameAbandoned)
		return ctx.Err()
	case <-s.quit:
		return s.Err()
	}
}

// enqueue hands data to the write loop. It gives up when ctx ends or
// the session closes.
func (s *Session) enqueue(ctx context.Context, data []byte) (*outFrame, error) {
	f := &outFrame{data: data, sent: make(chan error, 1)}
	select {
	case s.out <- f:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		return nil, s.Err()
	}
}

// writeLoop is the only writer of the transport.
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.out:
			if !f.state.CompareAndSwap(frameQueued, frameWriting) {
				continue
			}
			err := s.transport.Send(f.data)
			f.state.Store(frameWritten)
			f.sent <- err
			// Oversized or malformed frames are rejected before any byte
			// is written; only a failed write breaks the stream.
			if err != nil && !errors.Is(err, ErrFrameTooLarge) && !errors.Is(err, ErrMalformedFrame) {
				s.fail(err)
			}
		case <-s.quit:
			return
		}
	}
}

// fail ends the session after a transport failure and closes the
// transport, which unblocks a stalled write.
func (s *Session) fail(err error) {
	s.mu.Lock()
	closing := s.closed
	s.mu.Unlock()
	if closing {
		return
	}
	s.logger.Error("MCP transport failed", "error", err, "pending", s.Pending())
	s.shutdown(err)
	go func() { _ = s.transport.Close() }()
}

// readLoop is the only reader of the transport. It ends when Receive
// fails, which is also how the death of the server is detected.
func (s *Session) readLoop() {
	defer close(s.done)
	for {
		frame, err := s.transport.Receive()
		if err != nil {
			s.mu.Lock()
			closing := s.closed
			s.mu.Unlock()
			if !closing {
				s.logger.Error("MCP transport failed", "error", err, "pending", s.Pending())
			}
			s.shutdown(err)
			return
		}
		s.logger.Log(context.Background(), levelTrace, "MCP frame received", "frame", string(frame))
		s.dispatch(frame)
	}
}

func (s *Session) dispatch(frame []byte) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.logger.Warn("discarding malformed MCP frame", "error", err, "bytes", len(frame))
		return
	}

	switch {
	case msg.isResponse():
		s.deliver(&msg)
	case msg.isRequest():
		go s.answer(&msg)
	case msg.isNotification():
		s.handleNotification(&msg)
	default:
		s.logger.Warn("discarding MCP frame with neither id nor method")
	}
}

// deliver hands a response to its waiter. Responses whose id has no
// waiter (late, duplicate, or invented by the server) are dropped.
func (s *Session) deliver(msg *message) {
	id, ok := msg.responseID()
	if !ok {
		s.logger.Warn("discarding response with non-integer id", "id", string(msg.ID))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("discarding response for unknown request id", "id", id)
		return
	}
	ch <- &Response{JSONRPC: msg.JSONRPC, ID: id, Result: msg.Result, Error: msg.Error}
}

// answer replies to a server-initiated request. Only ping is supported.
func (s *Session) answer(msg *message) {
	out := reply{JSONRPC: jsonrpcVersion, ID: msg.ID}
	switch msg.Method {
	case "ping":
		out.Result = struct{}{}
	default:
		out.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + msg.Method}
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Warn("could not encode reply", "method", msg.Method, "error", err)
		return
	}
	if _, err := s.enqueue(context.Background(), data); err != nil {
		s.logger.Debug("could not send reply", "method", msg.Method, "error", err)
	}
}

type logMessageParams struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

func (s *Session) handleNotification(msg *message) {
	switch msg.Method {
	case "notifications/tools/list_changed":
		s.toolsChanged.Store(true)
		s.logger.Info("MCP server tool list changed")
	case "notifications/message":
		var p logMessageParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			s.logger.Debug("malformed log notification", "error", err)
			return
		}
		s.logger.Log(context.Background(), serverLogLevel(p.Level), "MCP server log",
			"server_logger", p.Logger,
			"data", strings.TrimSpace(string(p.Data)),
		)
	default:
		s.logger.Debug("MCP notification", "method", msg.Method)
	}
}

// serverLogLevel maps MCP (syslog) severities onto slog levels.
func serverLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource", "resource_link":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
