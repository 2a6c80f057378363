// Package background implements the bounded-lifetime task host described in
// §4.9: every asynchronous write the core performs (usage counters, key
// disabling, telemetry rows, cache-hit logs) is submitted through one Host
// rather than detached with a bare "go func()", so graceful shutdown can
// observe and bound the drain. Grounded on the teacher's errgroup-based
// worker Runner (internal/worker/runner.go in the lineage this replaces),
// generalized from a fixed set of long-running workers to arbitrary,
// heterogeneous, ad-hoc fire-and-forget tasks.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Host tracks in-flight background work and a shutdown token.
type Host struct {
	mu     sync.Mutex
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	count  int64
}

// New creates a Host ready to accept work.
func New() *Host {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	return &Host{g: g, ctx: ctx, cancel: cancel}
}

// Spawn submits work for background execution under name (used only for
// logging). It refuses new work once shutdown has begun and returns false
// in that case; work must no-op if it observes its context already done.
func (h *Host) Spawn(name string, work func(ctx context.Context)) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.count++
	h.mu.Unlock()

	h.g.Go(func() error {
		defer func() {
			h.mu.Lock()
			h.count--
			h.mu.Unlock()
		}()
		if h.ctx.Err() != nil {
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				slog.LogAttrs(context.Background(), slog.LevelError, "background task panicked",
					slog.String("task", name), slog.Any("panic", r))
			}
		}()
		work(h.ctx)
		return nil
	})
	return true
}

// BeginShutdown cancels the shutdown token: no further Spawn calls are
// accepted, a task that was spawned but has not yet started skips its work,
// and a task already running observes its context cancelled but is not
// interrupted by the Host. A Wait made before BeginShutdown lets every
// accepted task run.
func (h *Host) BeginShutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.cancel()
}

// Wait blocks up to timeout for all spawned tasks to finish. It returns
// true if every task finished before the deadline.
func (h *Host) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PendingCount reports the number of tasks currently in flight.
func (h *Host) PendingCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
