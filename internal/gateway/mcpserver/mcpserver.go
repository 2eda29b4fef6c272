// Package mcpserver exposes submissions as an MCP tool, so agents can run code
// in persistent sessions over stdio or streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/runbox/internal/execution"
)

// ToolName is the name of the single tool the server registers.
const ToolName = "execute_code"

// Result is the JSON text content of a tool result.
type Result struct {
	Status    int    `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Server adapts an execution.Handler to MCP.
type Server struct {
	handler execution.Handler
	mcp     *server.MCPServer
	logger  *slog.Logger
}

// New creates a Server with the execute_code tool registered.
func New(h execution.Handler, version string, logger *slog.Logger) *Server {
	s := &Server{
		handler: h,
		logger:  logger,
		mcp: server.NewMCPServer("runbox", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Run JavaScript in a sandboxed worker. Top-level variables and functions "+
			"persist across calls that pass the returned session_id. Each call is bounded by a "+
			"wall-clock timeout and a memory ceiling; exceeding either discards the session."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("JavaScript source to run. Use print() or console.log() for output."),
		),
		mcp.WithString("session_id",
			mcp.Description("Session to continue. Omit to start a new session."),
		),
	)
	s.mcp.AddTool(tool, s.handleExecute)
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// HTTPHandler returns the streamable HTTP transport mounted at path.
func (s *Server) HTTPHandler(path string) http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(path))
}

// ServeStdio serves MCP over the given streams until ctx is canceled or in
// reaches EOF.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	// Pass code through untyped so the controller applies the same validation
	// as the HTTP endpoint.
	sub := execution.Submission{Code: args["code"]}
	if id := req.GetString("session_id", ""); id != "" {
		sub.ID = &id
	}

	resp, status := s.handler.HandleSubmission(ctx, sub)
	res := Result{
		Status:    status,
		SessionID: resp.ID,
		Error:     resp.Error,
	}
	if resp.Stdout != nil {
		res.Stdout = *resp.Stdout
	}
	if resp.Stderr != nil {
		res.Stderr = *resp.Stderr
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "mcp tool call finished",
		slog.String("session_id", res.SessionID),
		slog.Int("status", status),
	)

	result := mcp.NewToolResultText(string(data))
	result.IsError = status != http.StatusOK || res.Stderr != ""
	return result, nil
}
