package taskfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// Syncer loads a task file into the engine, on demand or whenever it changes.
type Syncer struct {
	path     string
	eng      Engine
	logger   zerolog.Logger
	debounce time.Duration

	mu       sync.Mutex
	lastData []byte
}

func NewSyncer(path string, eng Engine, logger zerolog.Logger) *Syncer {
	return &Syncer{
		path:     path,
		eng:      eng,
		logger:   logger.With().Str("component", "taskfile").Str("path", path).Logger(),
		debounce: defaultDebounce,
	}
}

// Sync applies the file once. Content identical to the previous successful
// sync is skipped.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Result{}, fmt.Errorf("read task file: %w", err)
	}
	if s.lastData != nil && bytes.Equal(data, s.lastData) {
		return Result{}, nil
	}
	f, err := Parse(data)
	if err != nil {
		return Result{}, err
	}
	res := Apply(ctx, s.eng, f, s.logger)
	s.lastData = data
	s.logger.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("skipped", len(res.Errors)).
		Msg("task file applied")
	return res, nil
}

// Watch re-applies the file after it changes, debounced, until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (s *Syncer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Debug().Str("dir", dir).Msg("task file watcher started")

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("task file reload failed")
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("task file watcher error")
		}
	}
}
