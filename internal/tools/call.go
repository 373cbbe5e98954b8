package tools

import (
	"encoding/json"
	"maps"

	"github.com/nugget/mcpchat/internal/schema"
)

// Descriptor describes one callable tool exposed by the tool server.
// Descriptors are immutable once discovered.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema *schema.Schema `json:"inputSchema"`
}

// CallRequest is a single tool invocation proposed by the model.
type CallRequest struct {
	// CallID correlates the request with its CallResult within a
	// conversation. It is unique among the calls of one turn.
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// Clone returns a copy whose argument map can be modified independently
// at the top level.
func (r CallRequest) Clone() CallRequest {
	r.Arguments = maps.Clone(r.Arguments)
	return r
}

// Status is the outcome of a tool call.
type Status string

// Call outcomes.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// CallResult is the terminal outcome of a CallRequest. A result is never
// modified after it is created.
type CallResult struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Status   Status `json:"status"`
	// Payload is the tool's text output, or the error detail when Status
	// is StatusError.
	Payload string `json:"payload"`
	// Structured carries the server's structuredContent, when provided.
	Structured json.RawMessage `json:"structured,omitempty"`
	// Err is the typed cause of an error result. It is not serialized;
	// results restored from a transcript carry only Payload.
	Err error `json:"-"`
}

// OK builds a successful result for req.
func OK(req CallRequest, payload string) CallResult {
	return CallResult{
		CallID:   req.CallID,
		ToolName: req.ToolName,
		Status:   StatusOK,
		Payload:  payload,
	}
}

// Failure builds an error result for req carrying err as both the
// payload text and the typed cause.
func Failure(req CallRequest, err error) CallResult {
	return CallResult{
		CallID:   req.CallID,
		ToolName: req.ToolName,
		Status:   StatusError,
		Payload:  err.Error(),
		Err:      err,
	}
}

// IsError reports whether the call failed.
func (r CallResult) IsError() bool {
	return r.Status == StatusError
}
