package orch

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/opencode-go/orch/emit"
	"github.com/dshills/opencode-go/orch/store"
)

// Coordinator performs graceful shutdown in a fixed sequence:
//
//  1. Stop accepting new work (registered intake stoppers).
//  2. Disarm every registered periodic timer.
//  3. Run cleanup hooks in descending priority order.
//  4. Final store checkpoint.
//  5. Close the store.
//
// Shutdown is idempotent; only the first call runs the sequence. Hook errors
// are collected and emitted but do not stop the sequence — a failing hook
// must not prevent the final checkpoint and close.
type Coordinator struct {
	store   store.Store
	emitter emit.Emitter

	mu      sync.Mutex
	intake  []func()
	timers  []func()
	hooks   []shutdownHook
	done    bool
	lastErr error
}

type shutdownHook struct {
	name     string
	priority int
	fn       func(context.Context) error
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(st store.Store, emitter emit.Emitter) *Coordinator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Coordinator{store: st, emitter: emitter}
}

// RegisterIntake registers a function that stops new work from being
// accepted, e.g. Executor.StopIntake.
func (c *Coordinator) RegisterIntake(stop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intake = append(c.intake, stop)
}

// RegisterTimer registers a stop function for a periodic timer. Every
// registered timer must be disarmed on shutdown; a timer that keeps firing
// after close is a defect.
func (c *Coordinator) RegisterTimer(stop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, stop)
}

// RegisterHook registers a cleanup hook. Hooks run in descending priority
// order; ties run in registration order.
func (c *Coordinator) RegisterHook(name string, priority int, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, shutdownHook{name: name, priority: priority, fn: fn})
}

// Shutdown runs the shutdown sequence. Subsequent calls return the first
// call's result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		err := c.lastErr
		c.mu.Unlock()
		return err
	}
	c.done = true
	intake := c.intake
	timers := c.timers
	hooks := make([]shutdownHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	for _, stop := range intake {
		stop()
	}
	for _, stop := range timers {
		stop()
	}

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority > hooks[j].priority
	})
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			c.emitter.Emit(emit.Event{
				Type: emit.TypeWorkflowFailed,
				Msg:  "shutdown hook " + h.name + " failed",
				Meta: map[string]interface{}{"error": err.Error(), "hook": h.name},
			})
		}
	}

	var err error
	if c.store != nil {
		if cerr := c.store.Checkpoint(ctx); cerr != nil {
			err = cerr
		}
		if cerr := c.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}
