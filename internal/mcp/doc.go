// Package mcp implements the client side of the Model Context Protocol
// over stdio. A Session launches a tool server as a subprocess,
// performs the initialize handshake, discovers tools via tools/list and
// invokes them via tools/call.
//
// Frames are newline-delimited JSON-RPC 2.0. One read loop per session
// demultiplexes responses to waiting callers by request id, so calls may
// be issued concurrently. Each call carries a per-call timeout; a timed
// out or cancelled call is withdrawn from the pending table and the
// server is sent notifications/cancelled. Responses that arrive for ids
// nobody is waiting on are logged and dropped.
//
// Failures split in two: per-call errors (TimeoutError, ProtocolError,
// ToolError, JSON-RPC errors) leave the session usable, while
// SpawnError, HandshakeError, TransportError and ErrSessionClosed end
// it. IsFatal tells them apart.
package mcp
