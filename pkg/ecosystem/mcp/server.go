// Package mcp exposes the session runtime to AI agents over the Model
// Context Protocol.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ormasoftchile/hrun/pkg/runtime"
)

// NewServer creates a new MCP server with hrun tools registered.
func NewServer(version string, svc *runtime.Service) *server.MCPServer {
	s := server.NewMCPServer(
		"hrun",
		version,
		server.WithToolCapabilities(true),
	)
	h := &handlers{svc: svc}

	s.AddTool(
		mcp.NewTool("hrun/register",
			mcp.WithDescription("Parse, validate, and register a harmony envelope from wire text"),
			mcp.WithString("script_id", mcp.Required(), mcp.Description("Script ID to register under")),
			mcp.WithString("wire", mcp.Required(), mcp.Description("Token-delimited wire text")),
		),
		h.handleRegister,
	)

	s.AddTool(
		mcp.NewTool("hrun/start",
			mcp.WithDescription("Start a session bound to a registered script"),
			mcp.WithString("script_id", mcp.Required(), mcp.Description("Registered script ID")),
		),
		h.handleStart,
	)

	s.AddTool(
		mcp.NewTool("hrun/execute",
			mcp.WithDescription("Execute the next message of a session (optionally an explicit index)"),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
			mcp.WithNumber("index", mcp.Description("Explicit envelope index (omit for the session pointer)")),
			mcp.WithString("execution_id", mcp.Description("Idempotency key")),
			mcp.WithString("input", mcp.Description("JSON object of per-call input values")),
		),
		h.handleExecute,
	)

	s.AddTool(
		mcp.NewTool("hrun/status",
			mcp.WithDescription("Get the status projection of a session"),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		),
		h.handleStatus,
	)

	s.AddTool(
		mcp.NewTool("hrun/history",
			mcp.WithDescription("Get the execution history of a session"),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		),
		h.handleHistory,
	)

	return s
}
