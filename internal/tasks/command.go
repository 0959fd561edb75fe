package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// killGrace is how long a cancelled command has between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

const maxCommandOutput = 64 << 10

type commandConfig struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
}

func commandBody(logger zerolog.Logger) func(context.Context, json.RawMessage) (string, error) {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var cfg commandConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return "", err
		}
		if strings.TrimSpace(cfg.Command) == "" {
			return "", invalidConfig("command is required")
		}
		return runCommand(ctx, logger, cfg)
	}
}

func runCommand(ctx context.Context, logger zerolog.Logger, cfg commandConfig) (string, error) {
	out := &cappedBuffer{limit: maxCommandOutput}
	cmd := commandForTask(ctx, cfg.Command)
	cmd.Dir = cfg.WorkingDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		logger.Warn().Str("command", cfg.Command).Msg("command cancelled, sending termination")
		return sendTermination(cmd.Process)
	}
	cmd.WaitDelay = killGrace

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return out.String(), ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return out.String(), fmt.Errorf("exit code %d", exitErr.ExitCode())
		}
		return out.String(), waitErr
	}
	return out.String(), nil
}

func commandForTask(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

func sendTermination(process *os.Process) error {
	if process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}

// cappedBuffer collects combined output up to limit bytes and discards the
// rest while still reporting full writes to the child.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - len(c.buf)
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf = append(c.buf, p[:room]...)
		c.truncated = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return string(c.buf) + "\n... (truncated)"
	}
	return string(c.buf)
}
