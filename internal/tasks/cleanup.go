package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type cleanupConfig struct {
	Dir       string `json:"dir"`
	Pattern   string `json:"pattern"`
	OlderThan string `json:"older_than"`
}

// Cleanup deletes regular files in dir whose name matches pattern and whose
// modification time is older than older_than. Subdirectories are not visited.
func Cleanup(ctx context.Context, raw json.RawMessage) (string, error) {
	var cfg cleanupConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return "", invalidConfig("dir is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*"
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return "", invalidConfig("pattern %q: %v", cfg.Pattern, err)
	}
	var age time.Duration
	if cfg.OlderThan != "" {
		d, err := time.ParseDuration(cfg.OlderThan)
		if err != nil || d < 0 {
			return "", invalidConfig("older_than %q is not a duration", cfg.OlderThan)
		}
		age = d
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Sprintf("%s does not exist; nothing to clean", cfg.Dir), nil
		}
		return "", fmt.Errorf("read dir: %w", err)
	}
	cutoff := time.Now().Add(-age)
	var (
		removed int
		freed   uint64
		errs    []error
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary(removed, freed), err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(cfg.Pattern, entry.Name()); !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if age > 0 && !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(cfg.Dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		freed += uint64(info.Size())
	}
	return summary(removed, freed), errors.Join(errs...)
}

func summary(removed int, freed uint64) string {
	return fmt.Sprintf("removed %d files, freed %s", removed, humanize.Bytes(freed))
}
