// Package llm provides the model collaborators the turn loop talks to.
// Each provider converts the shared Message format to its own wire
// format at the boundary.
package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends the full conversation and the available tools, and
	// returns the model's next message.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
