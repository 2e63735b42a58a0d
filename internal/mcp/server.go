// Package mcp exposes progress evaluation, template inspection and case
// lookup as Model Context Protocol tools over stdio.
package mcp

import (
	"context"
	"errors"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/pitabwire/closing/internal/cases"
	"github.com/pitabwire/closing/internal/observability"
	"github.com/pitabwire/closing/internal/template"
)

// Tool names.
const (
	ToolEvaluate = "closing.evaluate"
	ToolTemplate = "closing.template"
	ToolCase     = "closing.case"
)

// mcpSubject is the actor recorded for lookups made through the tool server.
const mcpSubject = "mcp"

// Recorder receives tool call outcomes. *observability.Metrics implements it.
type Recorder interface {
	RecordMCPToolCall(tool, status string)
}

// ServerDeps holds the dependencies of a Server.
type ServerDeps struct {
	Cases     *cases.Service
	Templates *template.Registry
	Logger    *zap.Logger
	Recorder  Recorder
	Version   string
}

// Server wraps an MCP server with the closing tool handlers.
type Server struct {
	cases     *cases.Service
	templates *template.Registry
	logger    *zap.Logger
	recorder  Recorder
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := deps.Version
	if version == "" {
		version = observability.Version
	}

	s := &Server{
		cases:     deps.Cases,
		templates: deps.Templates,
		logger:    logger.Named("mcp"),
		recorder:  deps.Recorder,
	}

	mcpSrv := server.NewMCPServer(
		"closing",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Tracks the progress of real-estate purchase cases. Use closing.evaluate to compute step statuses and progress for a set of completed steps and flags, closing.template to inspect a process template, and closing.case to read a stored case with its snapshot."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport until ctx is cancelled or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

// MCPServer returns the underlying MCPServer.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: evaluateTool(), Handler: s.instrument(ToolEvaluate, s.handleEvaluate)},
		{Tool: templateTool(), Handler: s.instrument(ToolTemplate, s.handleTemplate)},
		{Tool: caseTool(), Handler: s.instrument(ToolCase, s.handleCase)},
	}
}

// --- Tool definitions ---

func evaluateTool() mcp.Tool {
	return mcp.NewTool(ToolEvaluate,
		mcp.WithDescription("Evaluate step statuses, milestone and segment progress for completed steps and flags"),
		mcp.WithString("template_version", mcp.Description("Template version (default: active template)")),
		mcp.WithArray("completed",
			mcp.Description("Codes of completed steps"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithObject("flags", mcp.Description("Case flags such as financing_required, keyed by name with boolean values")),
	)
}

func templateTool() mcp.Tool {
	return mcp.NewTool(ToolTemplate,
		mcp.WithDescription("Describe a process template: segments, milestones, steps and predicates"),
		mcp.WithString("version", mcp.Description("Template version (default: active template)")),
	)
}

func caseTool() mcp.Tool {
	return mcp.NewTool(ToolCase,
		mcp.WithDescription("Read a case with its current snapshot"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant that owns the case")),
		mcp.WithString("case_id", mcp.Required(), mcp.Description("Case identifier")),
	)
}

// errTool marks the span of a call whose handler answered with an error
// result rather than failing.
var errTool = errors.New("tool returned an error result")

// instrument records the outcome of every call of a tool.
func (s *Server) instrument(tool string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := observability.StartSpan(ctx, "mcp."+tool, observability.AttrTool.String(tool))

		result, err := h(ctx, req)
		status, spanErr := "ok", err
		if err == nil && result != nil && result.IsError {
			spanErr = errTool
		}
		if spanErr != nil {
			status = "error"
		}
		observability.EndSpan(span, spanErr)
		if s.recorder != nil {
			s.recorder.RecordMCPToolCall(tool, status)
		}
		s.logger.Debug("tool call", zap.String("tool", tool), zap.String("status", status))
		return result, err
	}
}
