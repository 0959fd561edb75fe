package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/api"
	"cronkeeper/internal/client"
	"cronkeeper/internal/core"
	"cronkeeper/internal/store"
)

// execute runs rootCmd with flag state reset between invocations.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput = false
	runWait = false
	createConfig, createTimeout, createRetry, createDisabled = "", 0, false, false
	validateCount, validateUTC = 5, false
	runsLimit, runsOffset, runsSince = 20, 0, 0

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return buf.String(), err
}

func startServer(t *testing.T) (string, *core.Engine) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bodies := core.NewBodies()
	bodies.Register("echo", func(context.Context, json.RawMessage) (string, error) { return "line one\nline two", nil })
	eng := core.NewEngine(st, bodies, zerolog.Nop(), core.WithLocation(time.UTC))
	require.NoError(t, eng.Load(ctx))
	t.Cleanup(eng.Wait)

	srv := httptest.NewServer(api.NewServer("", "", eng, nil, nil, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv.URL, eng
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	names := make([]string, 0)
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Contains(t, names, "validate")
	assert.Contains(t, names, "tasks")
	assert.Contains(t, names, "runs")
	assert.Contains(t, names, "version")

	names = names[:0]
	for _, cmd := range tasksCmd.Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"list", "get", "create", "delete", "enable", "disable", "run"}, names)
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cronkeeperctl version dev")
}

func TestValidateCmd(t *testing.T) {
	out, err := execute(t, "validate", "0", "9", "*", "*", "1-5")
	require.NoError(t, err)
	assert.Contains(t, out, "Valid: 0 9 * * 1-5")
	assert.Contains(t, out, "Next runs:")
	assert.Equal(t, 5, strings.Count(out, "from now"))
	assert.NotContains(t, out, "Note:")

	out, err = execute(t, "validate", "--count", "2", "0 0 1 * 1")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "from now"))
	assert.Contains(t, out, "Note:")

	out, err = execute(t, "validate", "61 * * * *")
	assert.ErrorIs(t, err, errInvalidExpression)
	assert.Contains(t, out, "Invalid:")
}

func TestValidateCmd_JSON(t *testing.T) {
	out, err := execute(t, "validate", "--json", "--utc", "-n", "3", "*/15 * * * *")
	require.NoError(t, err)

	var v client.Validation
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Valid)
	require.Len(t, v.NextRuns, 3)
	assert.True(t, strings.HasSuffix(v.NextRuns[0], "Z"))
}

func TestValidateCmd_RequiresArg(t *testing.T) {
	_, err := execute(t, "validate")
	assert.Error(t, err)
}

func TestTasksFlow(t *testing.T) {
	url, eng := startServer(t)
	waitPollInterval = 10 * time.Millisecond

	out, err := execute(t, "--server", url, "tasks", "create", "--json",
		"--name", "greeter", "--type", "echo", "--cron", "*/5 * * * *", "--timeout", "20")
	require.NoError(t, err, out)
	var task client.Task
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	assert.Equal(t, 20, task.TimeoutSeconds)

	out, err = execute(t, "--server", url, "tasks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "greeter")
	assert.Contains(t, out, "Total: 1 tasks")

	out, err = execute(t, "--server", url, "tasks", "disable", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")

	out, err = execute(t, "--server", url, "tasks", "run", "--wait", task.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "[success]")
	assert.Contains(t, out, "line two")
	eng.Wait()

	out, err = execute(t, "--server", url, "tasks", "get", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Enabled:   false")
	assert.Contains(t, out, "Status:    success")

	out, err = execute(t, "--server", url, "tasks", "delete", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted task")

	out, err = execute(t, "--server", url, "runs", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "greeter (deleted task)")
	assert.Contains(t, out, "(manual)")

	_, err = execute(t, "--server", url, "tasks", "get", task.ID)
	assert.ErrorContains(t, err, "not_found")
}

func TestTasksCreate_RejectsBadConfig(t *testing.T) {
	url, _ := startServer(t)
	_, err := execute(t, "--server", url, "tasks", "create",
		"--name", "x", "--type", "echo", "--cron", "* * * * *", "--config", "{nope")
	assert.ErrorContains(t, err, "not valid JSON")
}
