package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

const defaultKeep = 5

type rotationConfig struct {
	Path    string `json:"path"`
	MaxSize string `json:"max_size"`
	Keep    int    `json:"keep"`
}

// RotateLog shifts path to path.1 (and path.1 to path.2, up to keep) once
// it grows past max_size, then recreates an empty path with the same mode.
func RotateLog(ctx context.Context, raw json.RawMessage) (string, error) {
	var cfg rotationConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return "", invalidConfig("path is required")
	}
	if cfg.MaxSize == "" {
		cfg.MaxSize = "10MB"
	}
	limit, err := humanize.ParseBytes(cfg.MaxSize)
	if err != nil {
		return "", invalidConfig("max_size %q: %v", cfg.MaxSize, err)
	}
	if cfg.Keep < 0 {
		return "", invalidConfig("keep must not be negative")
	}
	if cfg.Keep == 0 {
		cfg.Keep = defaultKeep
	}

	info, err := os.Stat(cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("%s does not exist; nothing to rotate", cfg.Path), nil
	}
	if err != nil {
		return "", fmt.Errorf("stat log: %w", err)
	}
	size := uint64(info.Size())
	if size <= limit {
		return fmt.Sprintf("%s is %s, below %s", cfg.Path, humanize.Bytes(size), humanize.Bytes(limit)), nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.Remove(backupName(cfg.Path, cfg.Keep)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("drop oldest backup: %w", err)
	}
	for i := cfg.Keep - 1; i >= 1; i-- {
		if err := os.Rename(backupName(cfg.Path, i), backupName(cfg.Path, i+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("shift backup %d: %w", i, err)
		}
	}
	if err := os.Rename(cfg.Path, backupName(cfg.Path, 1)); err != nil {
		return "", fmt.Errorf("rotate log: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("recreate log: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("recreate log: %w", err)
	}
	return fmt.Sprintf("rotated %s (%s), keeping %d backups", cfg.Path, humanize.Bytes(size), cfg.Keep), nil
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}
