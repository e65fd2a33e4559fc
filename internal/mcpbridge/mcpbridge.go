// Package mcpbridge adapts the push/resume surface to MCP tools, following
// the teacher's cmd/quaero-mcp pattern (tools.go tool definitions,
// handlers.go ToolHandlerFunc closures over a service), generalized from
// document search to job push/resume (spec §1 "external collaborator
// surface": the MCP bridge only reaches the core through the identity +
// run(language, source, args) -> result boundary).
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	"github.com/google/uuid"

	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/queue"
	"github.com/windmill-labs/windmill-core/internal/store"
)

// Register attaches the run_script, resume_flow and job_status tools to srv.
func Register(srv *server.MCPServer, pusher *queue.Pusher, jobs store.JobStore, logger arbor.ILogger) {
	srv.AddTool(runScriptTool(), handleRunScript(pusher, jobs, logger))
	srv.AddTool(resumeFlowTool(), handleResumeFlow(jobs, logger))
	srv.AddTool(jobStatusTool(), handleJobStatus(jobs, logger))
}

func runScriptTool() mcp.Tool {
	return mcp.NewTool("run_script",
		mcp.WithDescription("Push a script or flow job onto the windmill-core queue and wait for its result"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace the runnable is deployed in")),
		mcp.WithString("runnable_path", mcp.Required(), mcp.Description("Deployed script or flow path")),
		mcp.WithString("args_json", mcp.Description("JSON object of call arguments")),
		mcp.WithBoolean("is_flow", mcp.Description("Whether runnable_path names a flow rather than a script")),
	)
}

func handleRunScript(pusher *queue.Pusher, jobs store.JobStore, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspace, err := request.RequireString("workspace_id")
		if err != nil {
			return errResult("workspace_id is required"), nil
		}
		runnablePath, err := request.RequireString("runnable_path")
		if err != nil {
			return errResult("runnable_path is required"), nil
		}
		isFlow := request.GetBool("is_flow", false)

		var args models.Args
		if raw := request.GetString("args_json", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return errResult(fmt.Sprintf("invalid args_json: %v", err)), nil
			}
		}

		kind := models.JobKindScript
		if isFlow {
			kind = models.JobKindFlow
		}
		job := &models.Job{
			ID:             uuid.NewString(),
			WorkspaceID:    workspace,
			Kind:           kind,
			RunnablePath:   runnablePath,
			Tag:            "default",
			PermissionedAs: "mcp-bridge",
			CreatedBy:      "mcp-bridge",
			Args:           args,
		}
		jobID, err := pusher.Push(ctx, job)
		if err != nil {
			logger.Error().Err(err).Msg("mcp run_script push failed")
			return errResult(fmt.Sprintf("push failed: %v", err)), nil
		}

		completed := pollCompletion(ctx, jobs, jobID, 2*time.Minute)
		if completed == nil {
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf(`{"job_id":%q,"status":"pending"}`, jobID))}}, nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(completed.Result))}}, nil
	}
}

func resumeFlowTool() mcp.Tool {
	return mcp.NewTool("resume_flow",
		mcp.WithDescription("Resume a suspended flow step awaiting approval"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Suspended job id")),
	)
}

func handleResumeFlow(jobs store.JobStore, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return errResult("job_id is required"), nil
		}
		if err := jobs.Suspend(ctx, jobID, -1); err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("mcp resume_flow failed")
			return errResult(fmt.Sprintf("resume failed: %v", err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(`{"status":"resumed"}`)}}, nil
	}
}

func jobStatusTool() mcp.Tool {
	return mcp.NewTool("job_status",
		mcp.WithDescription("Fetch a job's terminal result, if it has completed"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id")),
	)
}

func handleJobStatus(jobs store.JobStore, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return errResult("job_id is required"), nil
		}
		completed, err := jobs.GetCompleted(ctx, jobID)
		if err != nil || completed == nil {
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(`{"status":"pending"}`)}}, nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(completed.Result))}}, nil
	}
}

func pollCompletion(ctx context.Context, jobs store.JobStore, jobID string, timeout time.Duration) *models.CompletedJob {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if completed, err := jobs.GetCompleted(ctx, jobID); err == nil && completed != nil {
			return completed
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(msg)}, IsError: true}
}
