// Package task spawns named goroutines and tracks them for orderly
// shutdown. Names surface in pprof goroutine profiles, which is the only
// practical way to tell the bridge's long-running loops apart in a dump.
package task

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const taskNameKey ctxKey = "task_name"

// Go starts a named goroutine. If parentCtx is nil, context.Background()
// is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("task_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, taskNameKey, name)
		fn(ctx)
	})
}

// Name retrieves the task name from the context.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(taskNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Group tracks a set of named goroutines so an owner can wait for all of
// them on shutdown.
type Group struct {
	wg sync.WaitGroup
}

// Go starts a named goroutine tracked by the group.
func (g *Group) Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parentCtx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every goroutine started via Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
