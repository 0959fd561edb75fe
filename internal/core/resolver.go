package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TaskFunc is an executable task body. It receives the definition's config
// verbatim and must return promptly once ctx is done; a body that ignores
// cancellation keeps running after the engine has recorded the timeout.
type TaskFunc func(ctx context.Context, config json.RawMessage) (output string, err error)

// Resolver maps a task type tag to its body.
type Resolver interface {
	Resolve(taskType string) (TaskFunc, error)
}

// Bodies is a Resolver backed by a registration map. New task kinds are added
// by calling Register.
type Bodies struct {
	mu    sync.RWMutex
	funcs map[string]TaskFunc
}

// NewBodies returns an empty body registry.
func NewBodies() *Bodies {
	return &Bodies{funcs: make(map[string]TaskFunc)}
}

// Register binds taskType to fn, replacing any previous binding.
func (b *Bodies) Register(taskType string, fn TaskFunc) {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" || fn == nil {
		panic("core: Register requires a task type and a body")
	}
	b.mu.Lock()
	b.funcs[taskType] = fn
	b.mu.Unlock()
}

// Resolve implements Resolver. Unknown tags are a permanent failure.
func (b *Bodies) Resolve(taskType string) (TaskFunc, error) {
	b.mu.RLock()
	fn, ok := b.funcs[taskType]
	b.mu.RUnlock()
	if !ok {
		return nil, NoRetry(fmt.Errorf("unknown task type %q", taskType))
	}
	return fn, nil
}

// Types lists the registered tags in sorted order.
func (b *Bodies) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.funcs))
	for k := range b.funcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
