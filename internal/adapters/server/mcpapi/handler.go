// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/changeflow/internal/adapters/server/common"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter exposing the workflow tools.
func NewHandler(cfg Config, workflow common.WorkflowService) (*Handler, error) {
	if workflow == nil {
		return nil, fmt.Errorf("workflow service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerRunStepTool(mcpSrv, workflow)
	registerWorkItemTools(mcpSrv, workflow)

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "changeflow"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if !strings.HasPrefix(cfg.EndpointPath, "/") {
		cfg.EndpointPath = "/" + cfg.EndpointPath
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// registerRunStepTool registers the `changeflow.run_step` tool.
func registerRunStepTool(srv *mcpserver.MCPServer, workflow common.WorkflowService) {
	srv.AddTool(
		mcp.NewTool(
			"changeflow.run_step",
			mcp.WithDescription("Evaluate the configured rules for one running task of a work item and apply matching changes."),
			mcp.WithString("work_item_id", mcp.Required(), mcp.Description("Work item identifier")),
			mcp.WithString("task_name", mcp.Required(), mcp.Description("Name of the task currently running")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			workItemID, err := req.RequireString("work_item_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			taskName, err := req.RequireString("task_name")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			res, err := workflow.RunStep(ctx, common.RunStepRequest{
				WorkItemID: workItemID,
				TaskName:   taskName,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(res)
			if err != nil {
				return nil, fmt.Errorf("encode run_step result: %w", err)
			}
			return result, nil
		},
	)
}

// registerWorkItemTools registers read tools for work items and their journal.
func registerWorkItemTools(srv *mcpserver.MCPServer, workflow common.WorkflowService) {
	srv.AddTool(
		mcp.NewTool(
			"changeflow.get_work_item",
			mcp.WithDescription("Return one work item with its tasks and properties."),
			mcp.WithString("work_item_id", mcp.Required(), mcp.Description("Work item identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			workItemID, err := req.RequireString("work_item_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			item, err := workflow.GetWorkItem(ctx, workItemID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(item)
			if err != nil {
				return nil, fmt.Errorf("encode get_work_item result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"changeflow.list_journal",
			mcp.WithDescription("List journal entries of one work item, newest first."),
			mcp.WithString("work_item_id", mcp.Required(), mcp.Description("Work item identifier")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default 50)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			workItemID, err := req.RequireString("work_item_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			entries, err := workflow.ListJournal(ctx, common.ListJournalRequest{
				WorkItemID: workItemID,
				Limit:      req.GetInt("limit", 0),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(map[string]any{
				"entries": entries,
			})
			if err != nil {
				return nil, fmt.Errorf("encode list_journal result: %w", err)
			}
			return result, nil
		},
	)
}

// toolResultFromError maps service errors into MCP-visible tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	switch {
	case err == nil:
		return mcp.NewToolResultError("unknown error")
	case errors.Is(err, common.ErrInvalidRequest):
		return mcp.NewToolResultError("invalid_request: " + err.Error())
	case errors.Is(err, common.ErrNotFound):
		return mcp.NewToolResultError("not_found: " + err.Error())
	case errors.Is(err, common.ErrNoRuleConfig):
		return mcp.NewToolResultError("no_rule_config: " + err.Error())
	case errors.Is(err, common.ErrMalformedRule):
		return mcp.NewToolResultError("malformed_rule: " + err.Error())
	case errors.Is(err, common.ErrDocumentUnreadable):
		return mcp.NewToolResultError("document_unreadable: " + err.Error())
	case errors.Is(err, common.ErrPersistFailed):
		return mcp.NewToolResultError("persist_failed: " + err.Error())
	case errors.Is(err, common.ErrUnavailable):
		return mcp.NewToolResultError("service_unavailable: " + err.Error())
	default:
		return mcp.NewToolResultError("internal_error: " + err.Error())
	}
}
