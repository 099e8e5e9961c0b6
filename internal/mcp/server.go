package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cronwrap/internal/catalog"
	"cronwrap/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const version = "1.0.0"

// MCPServer exposes the task catalog as MCP tools.
type MCPServer struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
	server  *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with its tools registered.
func NewMCPServer(cat *catalog.Catalog, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		catalog: cat,
		logger:  logger,
		server: server.NewMCPServer(
			"cronwrap",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// Handler serves MCP over streamable HTTP.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	count := 0
	add := func(tool mcp.Tool, h server.ToolHandlerFunc) {
		s.server.AddTool(tool, h)
		count++
	}

	add(mcp.NewTool("cron_list_tasks",
		mcp.WithDescription("List every scheduled task with its last recorded status"),
		mcp.WithString("status",
			mcp.Description("Only return tasks in this status"),
			mcp.Enum("new", "running", "finished", "failed"),
		),
	), s.handleListTasks)

	add(mcp.NewTool("cron_get_task",
		mcp.WithDescription("Show one task's definition and state"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task identity (hex digest)"),
		),
	), s.handleGetTask)

	if s.catalog.Writable() {
		add(mcp.NewTool("cron_create_task",
			mcp.WithDescription("Create a task. The schedule is a standard 5-field cron expression (minute hour day month weekday)"),
			mcp.WithString("command", mcp.Required(), mcp.Description("Executable name or path")),
			mcp.WithString("action", mcp.Description("Optional first argument")),
			mcp.WithString("name", mcp.Description("Display name")),
			mcp.WithString("cron", mcp.Description("Cron expression, default every minute, e.g. '0 9 * * 1-5'")),
			mcp.WithString("params", mcp.Description("Parameters as name=value pairs separated by commas")),
			mcp.WithBoolean("unique", mcp.Description("Skip a start while the previous run is alive")),
			mcp.WithString("output", mcp.Description("File the command output is appended to")),
		), s.handleCreateTask)

		add(mcp.NewTool("cron_delete_task",
			mcp.WithDescription("Delete a task definition"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identity")),
		), s.handleDeleteTask)
	}

	add(mcp.NewTool("cron_run_task",
		mcp.WithDescription("Start a task now, outside its schedule"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identity")),
	), s.handleRunTask)

	add(mcp.NewTool("cron_task_history",
		mcp.WithDescription("Show a task's recent status transitions"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identity")),
		mcp.WithNumber("limit",
			mcp.Description("Number of transitions, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleTaskHistory)

	add(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next run times of a cron expression"),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression")),
		mcp.WithNumber("count",
			mcp.Description("Number of run times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", count)
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := mcp.ParseString(request, "status", "")
	tasks, err := s.catalog.List(ctx)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	var b strings.Builder
	n := 0
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		n++
		fmt.Fprintf(&b, "%s %s\n", statusToIcon(t.Status), t.ID)
		writeTaskLines(&b, "  ", t)
		b.WriteString("\n")
	}
	if n == 0 {
		return mcp.NewToolResultText("no tasks found"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("found %d tasks:\n\n%s", n, b.String())), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	info, err := s.catalog.Get(ctx, taskID)
	if err != nil {
		return lookupError(taskID, err), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", info.ID)
	writeTaskLines(&b, "", info)
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params, err := parseParams(mcp.ParseString(request, "params", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	info, err := s.catalog.Create(ctx, catalog.TaskInput{
		Name:    mcp.ParseString(request, "name", ""),
		Command: mcp.ParseString(request, "command", ""),
		Action:  mcp.ParseString(request, "action", ""),
		Params:  params,
		Cron:    mcp.ParseString(request, "cron", ""),
		Unique:  mcp.ParseBoolean(request, "unique", false),
		Output:  mcp.ParseString(request, "output", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}
	s.logger.Info("task created", "task_id", info.ID, "cron", info.Cron)
	return mcp.NewToolResultText(fmt.Sprintf("task created\nID: %s\nNext run: %s", info.ID, formatTime(info.NextRun))), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.catalog.Delete(ctx, taskID); err != nil {
		return lookupError(taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	info, err := s.catalog.RunNow(ctx, taskID)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			return mcp.NewToolResultError(fmt.Sprintf("task is already running: %s", taskID)), nil
		}
		return lookupError(taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("task started\nTask ID: %s\nName: %s", info.ID, info.Name)), nil
}

func (s *MCPServer) handleTaskHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	history, err := s.catalog.History(ctx, taskID, limit, 0)
	if err != nil {
		return lookupError(taskID, err), nil
	}
	if len(history) == 0 {
		return mcp.NewToolResultText("no transitions recorded for this task"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "found %d transitions:\n\n", len(history))
	for _, tr := range history {
		at := tr.At.In(s.catalog.Location())
		fmt.Fprintf(&b, "[%s] %s -> %s", at.Format("2006-01-02 15:04:05"), tr.From, tr.To)
		if tr.PID != nil {
			fmt.Fprintf(&b, " pid=%d", *tr.PID)
		}
		if tr.Reason != "" {
			fmt.Fprintf(&b, " (%s)", tr.Reason)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}
	times, err := s.catalog.Preview(cronExpr, time.Time{}, count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.catalog.Location())
	b.WriteString("Next run times:\n")
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func writeTaskLines(b *strings.Builder, indent string, t catalog.TaskInfo) {
	if t.Name != t.ID {
		fmt.Fprintf(b, "%sName: %s\n", indent, t.Name)
	}
	fmt.Fprintf(b, "%sStatus: %s\n", indent, t.Status)
	fmt.Fprintf(b, "%sCommand: %s\n", indent, commandLine(t))
	fmt.Fprintf(b, "%sCron: %s\n", indent, t.Cron)
	if t.Unique {
		fmt.Fprintf(b, "%sUnique: yes\n", indent)
	}
	if t.Output != "" {
		fmt.Fprintf(b, "%sOutput: %s\n", indent, t.Output)
	}
	if t.PID != nil {
		fmt.Fprintf(b, "%sPID: %d\n", indent, *t.PID)
	}
	if t.LastStart != nil {
		fmt.Fprintf(b, "%sLast start: %s\n", indent, formatTime(t.LastStart))
	}
	if t.LastStop != nil {
		fmt.Fprintf(b, "%sLast stop: %s\n", indent, formatTime(t.LastStop))
	}
	if t.NextRun != nil {
		fmt.Fprintf(b, "%sNext run: %s\n", indent, formatTime(t.NextRun))
	}
}

func commandLine(t catalog.TaskInfo) string {
	parts := []string{t.Command}
	if t.Action != "" {
		parts = append(parts, t.Action)
	}
	for _, p := range t.Params {
		parts = append(parts, "--"+p.Name+"="+p.Value)
	}
	return truncateString(strings.Join(parts, " "), 120)
}

// parseParams reads "a=1,b=2". Order is kept since it is part of the task identity.
func parseParams(raw string) ([]core.Param, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var params []core.Param
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("param %q is not name=value", pair)
		}
		params = append(params, core.Param{Name: strings.TrimSpace(name), Value: value})
	}
	return params, nil
}

func lookupError(taskID string, err error) *mcp.CallToolResult {
	if errors.Is(err, core.ErrTaskNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
	}
	return mcp.NewToolResultError(err.Error())
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func statusToIcon(status string) string {
	switch status {
	case "finished":
		return "✅"
	case "failed":
		return "❌"
	case "running":
		return "▶️"
	default:
		return "⏳"
	}
}
