// Package task implements the blockchain control task: a poll loop that
// watches a chain until a predicate completes, is canceled, runs out of
// attempts or passes its refund deadline.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Common errors
var (
	ErrNoCheck       = errors.New("task has no check function")
	ErrInvalidTask   = errors.New("invalid task")
	ErrRunnerStopped = errors.New("task runner is shut down")
	ErrTaskPanicked  = errors.New("task check panicked")
)

// Kind is the result of a single poll.
type Kind int

const (
	KindPending Kind = iota
	KindCompleted
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindCanceled:
		return "canceled"
	default:
		return "pending"
	}
}

// CancelReason explains why a task stopped without completing.
type CancelReason string

const (
	ReasonNone               CancelReason = ""
	ReasonAttemptsExhausted  CancelReason = "attempts_exhausted"
	ReasonExternallyCanceled CancelReason = "externally_canceled"
	ReasonRefundTimeReached  CancelReason = "refund_time_reached"
	ReasonProtocolViolation  CancelReason = "protocol_violation"
	ReasonSwapCanceled       CancelReason = "swap_canceled"
	ReasonInternalError      CancelReason = "internal_error"
)

// Outcome is what a check reports, and what a task ends with.
type Outcome struct {
	Kind    Kind
	Payload any
	Reason  CancelReason
	Err     error
}

// Pending keeps the task polling.
func Pending() Outcome { return Outcome{Kind: KindPending} }

// Completed stops the task successfully with payload.
func Completed(payload any) Outcome { return Outcome{Kind: KindCompleted, Payload: payload} }

// Canceled stops the task with reason.
func Canceled(reason CancelReason, err error) Outcome {
	return Outcome{Kind: KindCanceled, Reason: reason, Err: err}
}

func (o Outcome) String() string {
	if o.Kind == KindCanceled {
		if o.Err != nil {
			return fmt.Sprintf("canceled(%s: %v)", o.Reason, o.Err)
		}
		return fmt.Sprintf("canceled(%s)", o.Reason)
	}
	return o.Kind.String()
}

// State is the lifecycle of a task.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	default:
		return "created"
	}
}

// Terminal reports whether s is final.
func (s State) Terminal() bool { return s == StateCompleted || s == StateCanceled }

// CheckFunc polls the chain once. A transient error counts as Pending, a
// protocol violation cancels, any other error cancels as internal.
type CheckFunc func(ctx context.Context) (Outcome, error)

// Task describes one watch.
type Task struct {
	ID       string
	Name     string
	SwapID   uint64
	Currency string

	Interval    time.Duration
	MaxAttempts int // 0 means poll until canceled or the deadline
	// Deadline, when set, cancels the task with ReasonRefundTimeReached on
	// the first Pending poll at or after it.
	Deadline time.Time
	// CancelOnlyWhenRefundTimeReached ignores MaxAttempts when a deadline is
	// set, so a late counterparty redeem is still observed.
	CancelOnlyWhenRefundTimeReached bool

	Check          CheckFunc
	IsSwapCanceled func() bool

	// Handlers run exactly once, after the loop stops, with a context that
	// is not canceled by the task's own cancellation.
	OnCompleted func(ctx context.Context, payload any)
	OnCanceled  func(ctx context.Context, out Outcome)

	state    atomic.Int32
	attempts atomic.Int32
}

// State returns the lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Attempts returns the number of polls made so far.
func (t *Task) Attempts() int { return int(t.attempts.Load()) }

func (t *Task) validate() error {
	if t.Check == nil {
		return ErrNoCheck
	}
	if t.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidTask)
	}
	if t.MaxAttempts < 0 {
		return fmt.Errorf("%w: negative max attempts", ErrInvalidTask)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (t *Task) swapCanceled() bool {
	return t.IsSwapCanceled != nil && t.IsSwapCanceled()
}

// Run executes the task to a terminal outcome on the calling goroutine and
// invokes the matching handler.
func Run(ctx context.Context, t *Task) Outcome {
	if err := t.validate(); err != nil {
		out := Canceled(ReasonInternalError, err)
		t.state.Store(int32(StateCanceled))
		t.finish(ctx, out)
		return out
	}

	log := logging.GetDefault().Component("task").With("task", t.Name, "swap", t.SwapID, "currency", t.Currency)
	t.state.Store(int32(StateRunning))
	log.Debug("Task started", "interval", t.Interval, "max_attempts", t.MaxAttempts)

	out := t.loop(ctx)

	if out.Kind == KindCompleted {
		t.state.Store(int32(StateCompleted))
		log.Debug("Task completed", "attempts", t.Attempts())
	} else {
		t.state.Store(int32(StateCanceled))
		log.Info("Task canceled", "reason", out.Reason, "attempts", t.Attempts(), "error", out.Err)
	}

	t.finish(ctx, out)
	return out
}

func (t *Task) loop(ctx context.Context) Outcome {
	timer := time.NewTimer(t.Interval)
	timer.Stop()
	defer timer.Stop()

	for {
		if t.swapCanceled() {
			return Canceled(ReasonSwapCanceled, swap.ErrSwapCanceled)
		}
		if ctx.Err() != nil {
			return t.ctxOutcome(ctx)
		}

		out := t.poll(ctx)
		t.attempts.Add(1)

		switch out.Kind {
		case KindCompleted, KindCanceled:
			return out
		}

		if ctx.Err() != nil {
			return t.ctxOutcome(ctx)
		}
		if !t.Deadline.IsZero() && !time.Now().Before(t.Deadline) {
			return Canceled(ReasonRefundTimeReached, nil)
		}
		if t.MaxAttempts > 0 && t.Attempts() >= t.MaxAttempts {
			if !(t.CancelOnlyWhenRefundTimeReached && !t.Deadline.IsZero()) {
				return Canceled(ReasonAttemptsExhausted, nil)
			}
		}

		timer.Reset(t.Interval)
		select {
		case <-ctx.Done():
			return t.ctxOutcome(ctx)
		case <-timer.C:
		}
	}
}

func (t *Task) ctxOutcome(ctx context.Context) Outcome {
	if t.swapCanceled() {
		return Canceled(ReasonSwapCanceled, swap.ErrSwapCanceled)
	}
	return Canceled(ReasonExternallyCanceled, ctx.Err())
}

// poll runs the check once and classifies its result.
func (t *Task) poll(ctx context.Context) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Canceled(ReasonInternalError, fmt.Errorf("%w: %v", ErrTaskPanicked, r))
		}
	}()

	res, err := t.Check(ctx)
	if err == nil {
		if res.Kind == KindCanceled && res.Reason == ReasonNone {
			res.Reason = ReasonInternalError
		}
		return res
	}

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		if ctx.Err() != nil {
			return t.ctxOutcome(ctx)
		}
		return Pending()
	case swap.IsTransient(err):
		logging.GetDefault().Component("task").Debug("Transient check error", "task", t.Name, "swap", t.SwapID, "error", err)
		return Pending()
	case swap.IsProtocolViolation(err):
		return Canceled(ReasonProtocolViolation, err)
	default:
		return Canceled(ReasonInternalError, err)
	}
}

func (t *Task) finish(ctx context.Context, out Outcome) {
	hctx := context.WithoutCancel(ctx)
	if out.Kind == KindCompleted {
		if t.OnCompleted != nil {
			t.OnCompleted(hctx, out.Payload)
		}
		return
	}
	if t.OnCanceled != nil {
		t.OnCanceled(hctx, out)
	}
}
