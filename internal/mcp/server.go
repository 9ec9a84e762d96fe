// Package mcp exposes flow and schedule operations as MCP tools so that an
// assistant can start and inspect agent runs.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"seo-agents/backend/internal/services"
)

type Server struct {
	mcpServer *server.MCPServer
	flows     *services.FlowService
}

func NewServer(flows *services.FlowService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"SEO Agents",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		flows: flows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func tenantArg() mcp.ToolOption {
	return mcp.WithString("tenant_id", mcp.Required(), mcp.Description("The tenant that owns the run or schedule"))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the workflow definitions that can be started"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_flow",
			mcp.WithDescription("Start a workflow run"),
			tenantArg(),
			mcp.WithString("flow_name", mcp.Required(), mcp.Description("The workflow to start, e.g. seo_audit")),
			mcp.WithString("project_id", mcp.Description("The project the run belongs to")),
			mcp.WithObject("params", mcp.Description("Run parameters passed to every stage, e.g. {\"url\": \"https://example.com\"}")),
		),
		s.handleStartFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Get a run with the state of each stage"),
			tenantArg(),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_flow",
			mcp.WithDescription("Cancel a running flow"),
			tenantArg(),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleCancelFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_runs",
			mcp.WithDescription("List the tenant's runs, newest first"),
			tenantArg(),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_schedules",
			mcp.WithDescription("List the tenant's active triggers and their next fire times"),
			tenantArg(),
		),
		s.handleListSchedules,
	)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListWorkflows(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.flows.Workflows())
}

func (s *Server) handleStartFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	flowName, err := request.RequireString("flow_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	params, _ := request.GetArguments()["params"].(map[string]any)

	run, err := s.flows.StartFlow(ctx, tenantID, flowName, request.GetString("project_id", ""), params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start flow: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	run, err := s.flows.GetRun(ctx, tenantID, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleCancelFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	run, err := s.flows.CancelFlow(ctx, tenantID, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel flow: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	runs, err := s.flows.ListRuns(ctx, tenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
	}
	return jsonResult(runs)
}

func (s *Server) handleListSchedules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	infos, err := s.flows.Triggers(ctx, tenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list schedules: %v", err)), nil
	}
	return jsonResult(infos)
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
