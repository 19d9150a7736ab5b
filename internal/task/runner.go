package task

import (
	"context"
	"slices"
	"sync"

	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Runner owns every running task. Each task gets a Handle that can be
// canceled and joined; Shutdown cancels and joins them all.
type Runner struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	handles map[string]*Handle // by task id
	byKey   map[taskKey]*Handle
	wg      sync.WaitGroup
	stopped bool
	log     *logging.Logger
}

type taskKey struct {
	swapID uint64
	name   string
}

// Handle is the owning reference to a started task.
type Handle struct {
	task    *Task
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

// NewRunner creates a runner whose tasks are canceled when parent is done.
func NewRunner(parent context.Context) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[string]*Handle),
		byKey:   make(map[taskKey]*Handle),
		log:     logging.GetDefault().Component("runner"),
	}
}

// Start runs t on its own goroutine. Starting a task whose swap already has
// a running task of the same name returns the existing handle, so restores
// can re-issue watches without duplicating them.
func (r *Runner) Start(t *Task) (*Handle, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, ErrRunnerStopped
	}

	key := taskKey{swapID: t.SwapID, name: t.Name}
	if t.Name != "" {
		if h, ok := r.byKey[key]; ok {
			r.log.Debug("Task already running", "task", t.Name, "swap", t.SwapID)
			return h, nil
		}
	}

	ctx, cancel := context.WithCancel(r.ctx)
	h := &Handle{task: t, cancel: cancel, done: make(chan struct{})}
	r.handles[t.ID] = h
	if t.Name != "" {
		r.byKey[key] = h
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		out := Run(ctx, t)

		r.mu.Lock()
		delete(r.handles, t.ID)
		if r.byKey[key] == h {
			delete(r.byKey, key)
		}
		r.mu.Unlock()

		h.outcome = out
		close(h.done)
	}()

	return h, nil
}

// CancelSwap cancels every running task of a swap, except those named in
// keep, and returns how many were signaled. The tasks stop on their next
// suspension point.
func (r *Runner) CancelSwap(swapID uint64, keep ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		if h.task.SwapID != swapID || slices.Contains(keep, h.task.Name) {
			continue
		}
		h.cancel()
		n++
	}
	return n
}

// Active returns the running tasks of a swap.
func (r *Runner) Active(swapID uint64) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Handle
	for _, h := range r.handles {
		if h.task.SwapID == swapID {
			out = append(out, h)
		}
	}
	return out
}

// Running reports whether a task with this name is running for the swap.
func (r *Runner) Running(swapID uint64, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byKey[taskKey{swapID: swapID, name: name}]
	return ok
}

// Len returns the number of running tasks.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Shutdown cancels all tasks and waits for them to finish, or for ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Task returns the task definition.
func (h *Handle) Task() *Task { return h.task }

// ID returns the task id.
func (h *Handle) ID() string { return h.task.ID }

// State returns the task's lifecycle state.
func (h *Handle) State() State { return h.task.State() }

// Cancel asks the task to stop. It does not wait.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed after the task terminated and its handler returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task terminates or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
