package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// New creates an MCP server with all tools and resources registered.
func New(ds DataSource, version string, log *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("SquatCoach", version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions("SquatCoach demo backend. Inspect device quota status, attempt history, and generate coaching summaries from recorded squat sessions."),
	)

	h := &handlers{ds: ds, log: log}

	// Tools
	s.AddTools(
		server.ServerTool{Tool: toolGetQuotaStatus, Handler: h.getQuotaStatus},
		server.ServerTool{Tool: toolGetAttemptHistory, Handler: h.getAttemptHistory},
		server.ServerTool{Tool: toolListLockedDevices, Handler: h.listLockedDevices},
		server.ServerTool{Tool: toolGetSessionSummary, Handler: h.getSessionSummary},
	)

	// Resources
	s.AddResources(
		server.ServerResource{Resource: resQuotaStatus, Handler: h.quotaStatus},
		server.ServerResource{Resource: resAttemptHistory, Handler: h.attemptHistory},
	)

	return s
}

// handlers holds dependencies for MCP tool/resource handlers.
type handlers struct {
	ds  DataSource
	log *slog.Logger
}

// --- Resource definitions ---

var resQuotaStatus = mcp.NewResource(
	"squatcoach://quota_status",
	"Quota Status",
	mcp.WithResourceDescription("Demo quota snapshot for the most recently seen device, including the derived quota state"),
	mcp.WithMIMEType("application/json"),
)

var resAttemptHistory = mcp.NewResource(
	"squatcoach://attempt_history",
	"Attempt History",
	mcp.WithResourceDescription("The 50 most recent demo attempt log entries across all devices"),
	mcp.WithMIMEType("application/json"),
)
