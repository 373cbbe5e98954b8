package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/mcpchat/internal/tools"
)

// DiscoverTools lists the session's tools and replaces the registry's
// contents with them.
//
// The include and exclude lists control which tools are registered:
//   - If include is non-empty, only tools whose names appear in it are registered.
//   - Tools whose names appear in exclude are skipped.
//   - If both are empty, all tools are registered.
//
// DiscoverTools returns the number of tools registered. On error the
// registry is left unchanged.
func DiscoverTools(ctx context.Context, session *Session, registry *tools.Registry, include, exclude []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	descs, err := session.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", session.Name(), err)
	}

	selected := tools.Filter(descs, include, exclude)
	if err := registry.Register(selected); err != nil {
		return 0, &ProtocolError{Method: "tools/list", Err: err}
	}

	for _, d := range selected {
		logger.Debug("registered MCP tool",
			"tool", d.Name,
			"server", session.Name(),
		)
	}
	if skipped := len(descs) - len(selected); skipped > 0 {
		logger.Info("filtered MCP tools", "server", session.Name(), "skipped", skipped)
	}
	return len(selected), nil
}

// Refresher returns a function that re-runs DiscoverTools with the same
// filters. The turn loop calls it after the server announces a tool
// list change.
func Refresher(session *Session, registry *tools.Registry, include, exclude []string, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := DiscoverTools(ctx, session, registry, include, exclude, logger)
		return err
	}
}
