package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/pitabwire/closing/model"
)

// handleEvaluate computes a snapshot without touching any case.
func (s *Server) handleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	version := req.GetString("template_version", "")
	completed := req.GetStringSlice("completed", nil)

	flags, err := parseFlags(mcp.ParseStringMap(req, "flags", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	snap, err := s.cases.Evaluate(ctx, version, completed, flags)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("evaluation failed: %v", err)), nil
	}
	return marshalResult(snap)
}

// handleTemplate describes a template version, or the active one.
func (s *Server) handleTemplate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	version := req.GetString("version", "")
	if version == "" {
		version = s.templates.Active().Version()
	}

	view, ok := s.templates.Describe(version)
	if !ok {
		return mcp.NewToolResultError(model.NewTemplateNotFoundError(version).Error()), nil
	}
	return marshalResult(view)
}

// handleCase reads a stored case with its snapshot.
func (s *Server) handleCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	caseID, err := req.RequireString("case_id")
	if err != nil {
		return mcp.NewToolResultError("case_id is required"), nil
	}

	rctx := &model.RequestContext{SubjectID: mcpSubject, TenantID: tenantID}
	view, err := s.cases.Get(ctx, rctx, caseID)
	if err != nil {
		s.logger.Debug("case lookup failed", zap.String("case_id", caseID), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("case lookup failed: %v", err)), nil
	}
	return marshalResult(view)
}

// parseFlags accepts only boolean flag values.
func parseFlags(raw map[string]any) (model.Flags, error) {
	flags := make(model.Flags, len(raw))
	for name, v := range raw {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("flag %q must be a boolean, got %T", name, v)
		}
		flags[name] = b
	}
	return flags, nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
