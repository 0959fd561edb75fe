package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/core"
	"cronkeeper/internal/store"
)

func newTestServer(t *testing.T) (*MCPServer, *core.Engine) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bodies := core.NewBodies()
	bodies.Register("echo", func(_ context.Context, cfg json.RawMessage) (string, error) {
		return "hello", nil
	})
	bodies.Register("broken", func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("boom")
	})
	eng := core.NewEngine(st, bodies, zerolog.Nop(), core.WithLocation(time.UTC))
	require.NoError(t, eng.Load(ctx))
	return NewMCPServer(eng, zerolog.Nop(), "test"), eng
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestHandleCreateTask(t *testing.T) {
	s, eng := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleCreateTask(ctx, callRequest("cron_create_task", map[string]any{
		"name":             "greet",
		"type":             "echo",
		"cron":             "0 9 * * 1-5",
		"config":           `{"who": "world"}`,
		"timeout_seconds":  float64(30),
		"retry_on_failure": true,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Task created")

	task, ok := eng.FindTaskByName("greet")
	require.True(t, ok)
	assert.Equal(t, "echo", task.TaskType)
	assert.Equal(t, 30, task.TimeoutSeconds)
	assert.True(t, task.RetryOnFailure)
	assert.True(t, task.Enabled)
	assert.JSONEq(t, `{"who": "world"}`, string(task.Config))
	require.NotNil(t, task.NextRun)
	assert.Contains(t, resultText(t, res), task.ID)
}

func TestHandleCreateTask_Invalid(t *testing.T) {
	s, eng := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleCreateTask(ctx, callRequest("cron_create_task", map[string]any{
		"name": "bad", "type": "echo", "cron": "61 * * * *",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleCreateTask(ctx, callRequest("cron_create_task", map[string]any{
		"name": "bad", "type": "echo", "cron": "* * * * *", "config": "[1,2]",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "JSON object")

	assert.Empty(t, eng.ListTasks())
}

func TestHandleListAndGetTask(t *testing.T) {
	s, eng := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleListTasks(ctx, callRequest("cron_list_tasks", nil))
	require.NoError(t, err)
	assert.Equal(t, "No tasks found", resultText(t, res))

	on, err := eng.CreateTask(ctx, core.TaskInput{Name: "on", TaskType: "echo", CronExpression: "* * * * *", Enabled: true, TimeoutSeconds: 10})
	require.NoError(t, err)
	_, err = eng.CreateTask(ctx, core.TaskInput{Name: "off", TaskType: "echo", CronExpression: "* * * * *", TimeoutSeconds: 10})
	require.NoError(t, err)

	res, err = s.handleListTasks(ctx, callRequest("cron_list_tasks", map[string]any{"status": "disabled"}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Found 1 tasks")
	assert.Contains(t, text, "off (disabled)")
	assert.NotContains(t, text, "on (enabled)")

	res, err = s.handleGetTask(ctx, callRequest("cron_get_task", map[string]any{"task_id": on.ID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "Enabled: true")

	res, err = s.handleGetTask(ctx, callRequest("cron_get_task", map[string]any{"task_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Task not found", resultText(t, res))
}

func TestHandleUpdateTask_OnlyTouchesGivenFields(t *testing.T) {
	s, eng := newTestServer(t)
	ctx := context.Background()
	task, err := eng.CreateTask(ctx, core.TaskInput{
		Name: "t", TaskType: "echo", CronExpression: "0 * * * *", Enabled: true, TimeoutSeconds: 10, RetryOnFailure: true,
	})
	require.NoError(t, err)

	res, err := s.handleUpdateTask(ctx, callRequest("cron_update_task", map[string]any{
		"task_id": task.ID,
		"enabled": false,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	got, err := eng.GetTask(task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)
	assert.Equal(t, "0 * * * *", got.CronExpression)
	assert.True(t, got.RetryOnFailure)
	assert.Equal(t, 10, got.TimeoutSeconds)

	res, err = s.handleUpdateTask(ctx, callRequest("cron_update_task", map[string]any{
		"task_id": task.ID,
		"cron":    "bogus",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleRunTaskAndListRuns(t *testing.T) {
	s, eng := newTestServer(t)
	ctx := context.Background()
	task, err := eng.CreateTask(ctx, core.TaskInput{Name: "t", TaskType: "broken", CronExpression: "0 0 1 1 *", Enabled: true, TimeoutSeconds: 10})
	require.NoError(t, err)

	res, err := s.handleRunTask(ctx, callRequest("cron_run_task", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Run ID:")
	eng.Wait()

	res, err = s.handleListRuns(ctx, callRequest("cron_list_runs", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Last 1 runs")
	assert.Contains(t, text, "[failed]")
	assert.Contains(t, text, "(manual)")
	assert.Contains(t, text, "Error: boom")

	res, err = s.handleRunTask(ctx, callRequest("cron_run_task", map[string]any{"task_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleDeleteTask(t *testing.T) {
	s, eng := newTestServer(t)
	ctx := context.Background()
	task, err := eng.CreateTask(ctx, core.TaskInput{Name: "t", TaskType: "echo", CronExpression: "* * * * *", Enabled: true, TimeoutSeconds: 10})
	require.NoError(t, err)

	res, err := s.handleDeleteTask(ctx, callRequest("cron_delete_task", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Empty(t, eng.ListTasks())

	res, err = s.handleDeleteTask(ctx, callRequest("cron_delete_task", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleValidate(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleValidate(ctx, callRequest("cron_validate", map[string]any{"cron": "*/15 * * * *", "count": float64(3)}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "Valid cron expression")
	assert.Contains(t, text, "  3. ")
	assert.NotContains(t, text, "  4. ")

	res, err = s.handleValidate(ctx, callRequest("cron_validate", map[string]any{"cron": "* * *"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Invalid cron expression")
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig("  ")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = parseConfig(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(cfg))

	_, err = parseConfig("not json")
	assert.Error(t, err)
}
