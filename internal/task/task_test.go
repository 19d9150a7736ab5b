package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klingon-exchange/swapd/internal/swap"
)

func alwaysPending(calls *int32) CheckFunc {
	return func(ctx context.Context) (Outcome, error) {
		atomic.AddInt32(calls, 1)
		return Pending(), nil
	}
}

func TestAttemptsExhaustedAfterExactlyN(t *testing.T) {
	for _, n := range []int{1, 2, 5, 10} {
		var calls int32
		var canceled int32
		tk := &Task{
			Name:        "watch",
			Interval:    time.Millisecond,
			MaxAttempts: n,
			Check:       alwaysPending(&calls),
			OnCanceled:  func(ctx context.Context, out Outcome) { atomic.AddInt32(&canceled, 1) },
			OnCompleted: func(ctx context.Context, payload any) { t.Error("OnCompleted called") },
		}

		out := Run(context.Background(), tk)

		if out.Kind != KindCanceled || out.Reason != ReasonAttemptsExhausted {
			t.Errorf("n=%d: outcome = %s, want canceled(attempts_exhausted)", n, out)
		}
		if int(calls) != n {
			t.Errorf("n=%d: polls = %d, want %d", n, calls, n)
		}
		if canceled != 1 {
			t.Errorf("n=%d: OnCanceled calls = %d, want 1", n, canceled)
		}
		if tk.State() != StateCanceled {
			t.Errorf("n=%d: state = %s, want canceled", n, tk.State())
		}
	}
}

func TestCompletedPayload(t *testing.T) {
	var calls int32
	var got any
	tk := &Task{
		Interval:    time.Millisecond,
		MaxAttempts: 10,
		Check: func(ctx context.Context) (Outcome, error) {
			if atomic.AddInt32(&calls, 1) == 3 {
				return Completed("txid"), nil
			}
			return Pending(), nil
		},
		OnCompleted: func(ctx context.Context, payload any) { got = payload },
	}

	out := Run(context.Background(), tk)
	if out.Kind != KindCompleted {
		t.Fatalf("outcome = %s, want completed", out)
	}
	if got != "txid" {
		t.Errorf("payload = %v, want txid", got)
	}
	if calls != 3 {
		t.Errorf("polls = %d, want 3", calls)
	}
	if tk.State() != StateCompleted {
		t.Errorf("state = %s", tk.State())
	}
}

func TestTransientErrorsKeepPolling(t *testing.T) {
	var calls int32
	tk := &Task{
		Interval:    time.Millisecond,
		MaxAttempts: 4,
		Check: func(ctx context.Context) (Outcome, error) {
			atomic.AddInt32(&calls, 1)
			return Outcome{}, swap.Transient("get tx", errors.New("connection refused"))
		},
	}

	out := Run(context.Background(), tk)
	if out.Reason != ReasonAttemptsExhausted {
		t.Errorf("reason = %s, want attempts_exhausted", out.Reason)
	}
	if calls != 4 {
		t.Errorf("polls = %d, want 4", calls)
	}
}

func TestProtocolViolationCancelsImmediately(t *testing.T) {
	var calls int32
	tk := &Task{
		Interval:    time.Millisecond,
		MaxAttempts: 10,
		Check: func(ctx context.Context) (Outcome, error) {
			atomic.AddInt32(&calls, 1)
			return Outcome{}, swap.Protocol("detect", swap.ErrProtocolViolation)
		},
	}

	out := Run(context.Background(), tk)
	if out.Reason != ReasonProtocolViolation {
		t.Errorf("reason = %s, want protocol_violation", out.Reason)
	}
	if !errors.Is(out.Err, swap.ErrProtocolViolation) {
		t.Errorf("err = %v", out.Err)
	}
	if calls != 1 {
		t.Errorf("polls = %d, want 1", calls)
	}
}

func TestInternalErrorCancels(t *testing.T) {
	tk := &Task{
		Interval: time.Millisecond,
		Check: func(ctx context.Context) (Outcome, error) {
			return Outcome{}, errors.New("malformed transaction")
		},
	}
	if out := Run(context.Background(), tk); out.Reason != ReasonInternalError {
		t.Errorf("reason = %s, want internal_error", out.Reason)
	}
}

func TestPanicRecovered(t *testing.T) {
	tk := &Task{
		Interval: time.Millisecond,
		Check: func(ctx context.Context) (Outcome, error) {
			panic("boom")
		},
	}
	out := Run(context.Background(), tk)
	if out.Reason != ReasonInternalError || !errors.Is(out.Err, ErrTaskPanicked) {
		t.Errorf("outcome = %s, want internal error from panic", out)
	}
}

func TestRefundTimeReached(t *testing.T) {
	var calls int32
	tk := &Task{
		Interval:    time.Millisecond,
		MaxAttempts: 100,
		Deadline:    time.Now().Add(-time.Second),
		Check:       alwaysPending(&calls),
	}

	out := Run(context.Background(), tk)
	if out.Reason != ReasonRefundTimeReached {
		t.Errorf("reason = %s, want refund_time_reached", out.Reason)
	}
	// The chain is still checked once past the deadline.
	if calls != 1 {
		t.Errorf("polls = %d, want 1", calls)
	}
}

func TestCancelOnlyWhenRefundTimeReached(t *testing.T) {
	var calls int32
	tk := &Task{
		Interval:                        5 * time.Millisecond,
		MaxAttempts:                     2,
		Deadline:                        time.Now().Add(100 * time.Millisecond),
		CancelOnlyWhenRefundTimeReached: true,
		Check:                           alwaysPending(&calls),
	}

	out := Run(context.Background(), tk)
	if out.Reason != ReasonRefundTimeReached {
		t.Errorf("reason = %s, want refund_time_reached", out.Reason)
	}
	if calls <= 2 {
		t.Errorf("polls = %d, want more than max attempts", calls)
	}
}

func TestLateRedeemStillObserved(t *testing.T) {
	var calls int32
	tk := &Task{
		Interval:                        5 * time.Millisecond,
		MaxAttempts:                     1,
		Deadline:                        time.Now().Add(time.Second),
		CancelOnlyWhenRefundTimeReached: true,
		Check: func(ctx context.Context) (Outcome, error) {
			if atomic.AddInt32(&calls, 1) == 4 {
				return Completed("secret"), nil
			}
			return Pending(), nil
		},
	}

	if out := Run(context.Background(), tk); out.Kind != KindCompleted {
		t.Errorf("outcome = %s, want completed", out)
	}
}

func TestExternallyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	tk := &Task{
		Interval: time.Hour,
		Check: func(ctx context.Context) (Outcome, error) {
			atomic.AddInt32(&calls, 1)
			cancel()
			return Pending(), nil
		},
	}

	out := Run(ctx, tk)
	if out.Reason != ReasonExternallyCanceled {
		t.Errorf("reason = %s, want externally_canceled", out.Reason)
	}
}

func TestSwapCanceledOnNextPoll(t *testing.T) {
	var canceled atomic.Bool
	var calls int32
	tk := &Task{
		Interval:       time.Millisecond,
		IsSwapCanceled: canceled.Load,
		Check: func(ctx context.Context) (Outcome, error) {
			if atomic.AddInt32(&calls, 1) == 2 {
				canceled.Store(true)
			}
			return Pending(), nil
		},
	}

	out := Run(context.Background(), tk)
	if out.Reason != ReasonSwapCanceled {
		t.Errorf("reason = %s, want swap_canceled", out.Reason)
	}
	if calls != 2 {
		t.Errorf("polls = %d, want 2", calls)
	}
}

func TestHandlerContextSurvivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var handlerErr error
	tk := &Task{
		Interval:   time.Millisecond,
		Check:      func(ctx context.Context) (Outcome, error) { return Pending(), nil },
		OnCanceled: func(ctx context.Context, out Outcome) { handlerErr = ctx.Err() },
	}
	Run(ctx, tk)
	if handlerErr != nil {
		t.Errorf("handler ctx error = %v, want nil", handlerErr)
	}
}

func TestInvalidTask(t *testing.T) {
	out := Run(context.Background(), &Task{Interval: time.Second})
	if !errors.Is(out.Err, ErrNoCheck) {
		t.Errorf("err = %v, want ErrNoCheck", out.Err)
	}

	out = Run(context.Background(), &Task{Check: func(ctx context.Context) (Outcome, error) { return Pending(), nil }})
	if !errors.Is(out.Err, ErrInvalidTask) {
		t.Errorf("err = %v, want ErrInvalidTask", out.Err)
	}
}
