package mcp

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"cronkeeper/internal/core"
)

// Engine is the task engine surface exposed as MCP tools.
type Engine interface {
	CreateTask(ctx context.Context, in core.TaskInput) (*core.TaskDefinition, error)
	UpdateTask(ctx context.Context, id string, p core.TaskPatch) (*core.TaskDefinition, error)
	DeleteTask(ctx context.Context, id string) error
	GetTask(id string) (*core.TaskDefinition, error)
	ListTasks() []*core.TaskDefinition
	ListExecutions(ctx context.Context, taskID string, q core.ExecutionQuery) ([]*core.ExecutionRecord, error)
	RunNow(ctx context.Context, id string) (*core.ExecutionRecord, error)
	ValidateCronExpression(expr string, count int) core.CronValidation
	TaskTypes() []string
	Running(taskID string) bool
	Location() *time.Location
}

// MCPServer exposes the engine over the Model Context Protocol.
type MCPServer struct {
	engine Engine
	logger zerolog.Logger
	srv    *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(engine Engine, logger zerolog.Logger, version string) *MCPServer {
	s := &MCPServer{
		engine: engine,
		logger: logger.With().Str("component", "mcp").Logger(),
		srv: server.NewMCPServer(
			"cronkeeper",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio serves the protocol on stdin/stdout until EOF.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info().Msg("MCP server starting on stdio")
	return server.ServeStdio(s.srv)
}

// Handler returns the streamable HTTP transport for mounting under /mcp.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv)
}

func (s *MCPServer) registerTools() {
	s.srv.AddTool(mcp.NewTool("cron_create_task",
		mcp.WithDescription("Create a scheduled task. Uses standard 5-field cron expressions (minute hour day-of-month month day-of-week)."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name"),
		),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Task type, see cron_validate or the task-types endpoint for the registered types"),
		),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for 09:00 on weekdays"),
		),
		mcp.WithString("config",
			mcp.Description(`Task configuration as a JSON object, e.g. {"command": "backup.sh"}`),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Per-attempt timeout in seconds, default 300"),
			mcp.Min(1),
		),
		mcp.WithBoolean("retry_on_failure",
			mcp.Description("Retry once when an attempt fails"),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("Whether the schedule is active, default true"),
		),
	), s.handleCreateTask)

	s.srv.AddTool(mcp.NewTool("cron_list_tasks",
		mcp.WithDescription("List all scheduled tasks"),
		mcp.WithString("status",
			mcp.Description("Filter: enabled or disabled"),
			mcp.Enum("enabled", "disabled"),
		),
	), s.handleListTasks)

	s.srv.AddTool(mcp.NewTool("cron_get_task",
		mcp.WithDescription("Show a task with its schedule state"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	s.srv.AddTool(mcp.NewTool("cron_update_task",
		mcp.WithDescription("Update a task; omitted fields are left unchanged"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithString("type", mcp.Description("New task type")),
		mcp.WithString("cron", mcp.Description("New cron expression")),
		mcp.WithString("config", mcp.Description("New configuration as a JSON object")),
		mcp.WithNumber("timeout_seconds", mcp.Description("New timeout in seconds"), mcp.Min(1)),
		mcp.WithBoolean("retry_on_failure", mcp.Description("Retry once on failure")),
		mcp.WithBoolean("enabled", mcp.Description("Enable or disable the schedule")),
	), s.handleUpdateTask)

	s.srv.AddTool(mcp.NewTool("cron_delete_task",
		mcp.WithDescription("Delete a task; its run history is kept"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	s.srv.AddTool(mcp.NewTool("cron_run_task",
		mcp.WithDescription("Run a task now, outside its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	s.srv.AddTool(mcp.NewTool("cron_list_runs",
		mcp.WithDescription("Show a task's run history, newest first"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(200),
		),
		mcp.WithNumber("offset",
			mcp.Description("Number of newer runs to skip"),
			mcp.Min(0),
		),
	), s.handleListRuns)

	s.srv.AddTool(mcp.NewTool("cron_validate",
		mcp.WithDescription("Validate a cron expression and preview its next run times"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of run times to preview, default 5"),
			mcp.Min(1),
			mcp.Max(20),
		),
	), s.handleValidate)

	s.logger.Debug().Int("count", 8).Msg("MCP tools registered")
}
