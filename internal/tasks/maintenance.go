package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type maintenanceConfig struct {
	Vacuum  bool `json:"vacuum"`
	Analyze bool `json:"analyze"`
	// OlderThan drops finished records started before now minus this age,
	// on top of the per-task retention.
	OlderThan string `json:"older_than"`
}

func maintenanceBody(store HistoryStore, retention int) func(context.Context, json.RawMessage) (string, error) {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var cfg maintenanceConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return "", err
		}
		var maxAge time.Duration
		if cfg.OlderThan != "" {
			d, err := time.ParseDuration(cfg.OlderThan)
			if err != nil || d <= 0 {
				return "", invalidConfig("older_than %q is not a positive duration", cfg.OlderThan)
			}
			maxAge = d
		}

		var report []string
		pruned := 0
		if retention > 0 {
			defs, err := store.ListDefinitions(ctx)
			if err != nil {
				return "", fmt.Errorf("list definitions: %w", err)
			}
			for _, def := range defs {
				if err := store.PruneExecutions(ctx, def.ID, retention); err != nil {
					return fmt.Sprintf("pruned history for %d tasks", pruned), err
				}
				pruned++
			}
		}
		report = append(report, fmt.Sprintf("pruned history for %d tasks", pruned))

		if maxAge > 0 {
			n, err := store.DeleteExecutionsBefore(ctx, time.Now().Add(-maxAge))
			if err != nil {
				return strings.Join(report, "; "), err
			}
			report = append(report, fmt.Sprintf("deleted %d records older than %s", n, maxAge))
		}
		if cfg.Vacuum {
			if err := store.Vacuum(ctx); err != nil {
				return strings.Join(report, "; "), err
			}
			report = append(report, "database vacuumed")
		}
		if cfg.Analyze {
			if err := store.Analyze(ctx); err != nil {
				return strings.Join(report, "; "), err
			}
			report = append(report, "statistics refreshed")
		}
		return strings.Join(report, "; "), nil
	}
}
