package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/task"
	"github.com/klingon-exchange/swapd/pkg/helpers"
)

func (d *swapDriver) newTask(s *swap.Swap, name string, interval time.Duration) *task.Task {
	return &task.Task{
		Name:           name,
		SwapID:         s.ID,
		Currency:       d.params.Symbol,
		Interval:       interval,
		MaxAttempts:    d.deps.Config.MaxAttempts,
		IsSwapCanceled: s.IsCanceled,
	}
}

// refundGuarded is IsSwapCanceled for watches that must outlive a canceled
// swap while our payment is still locked.
func refundGuarded(s *swap.Swap) func() bool {
	return func() bool { return s.IsCanceled() && !s.NeedsRefund() }
}

// onCanceled reports a watch that stopped without completing.
func (d *swapDriver) onCanceled(s *swap.Swap, name string) func(ctx context.Context, out task.Outcome) {
	return func(ctx context.Context, out task.Outcome) {
		switch out.Reason {
		case task.ReasonSwapCanceled, task.ReasonExternallyCanceled:
			d.log.Debug("Watch stopped", "swap_id", s.ID, "task", name, "reason", out.Reason)
		case task.ReasonProtocolViolation:
			d.fail(s, out.Err)
		default:
			if out.Err != nil {
				d.fail(s, fmt.Errorf("%w: %s: %w", ErrWatchCanceled, name, out.Err))
				return
			}
			d.fail(s, fmt.Errorf("%w: %s: %s", ErrWatchCanceled, name, out))
		}
	}
}

// confirmTask completes once txID() has the configured confirmations.
func (d *swapDriver) confirmTask(s *swap.Swap, name string, txID func() string, onConfirmed func()) *task.Task {
	t := d.newTask(s, name, d.deps.Config.ConfirmationCheckInterval)
	t.Check = func(ctx context.Context) (task.Outcome, error) {
		id := txID()
		if id == "" {
			return task.Outcome{}, swap.Internal(name, errors.New("no transaction recorded"))
		}
		n, err := d.ops.confirmations(ctx, id)
		if err != nil {
			return task.Outcome{}, classify(name, err)
		}
		if n < d.minConf {
			return task.Pending(), nil
		}
		return task.Completed(n), nil
	}
	t.OnCompleted = func(ctx context.Context, _ any) { onConfirmed() }
	t.OnCanceled = d.onCanceled(s, name)
	return t
}

func (d *swapDriver) startPaymentControl(s *swap.Swap) error {
	t := d.confirmTask(s, TaskPaymentConfirm,
		func() string { return s.Local().PaymentTxID },
		func() {
			d.log.Info("Payment confirmed", "swap_id", s.ID, "txid", s.Local().PaymentTxID)
			d.update(s, swap.IsPaymentConfirmed, paymentStatus(s.IsInitiator))
		})
	t.IsSwapCanceled = refundGuarded(s)
	_, err := d.deps.Runner.Start(t)
	return err
}

func (d *swapDriver) startRedeemControl(s *swap.Swap) error {
	t := d.confirmTask(s, TaskRedeemConfirm, s.RedeemTxID, func() {
		d.log.Info("Redeem confirmed", "swap_id", s.ID, "txid", s.RedeemTxID())
		d.update(s, swap.IsRedeemConfirmed, redeemStatus(s.IsInitiator))
	})
	t.IsSwapCanceled = nil
	_, err := d.deps.Runner.Start(t)
	return err
}

func (d *swapDriver) startPartyRedeemControl(s *swap.Swap) error {
	t := d.confirmTask(s, TaskPartyRedeemConfirm, s.PartyRedeemTxID, func() {
		d.update(s, swap.IsPaymentSpent, redeemStatus(!s.IsInitiator))
	})
	t.Interval = d.deps.Config.OutputSpentCheckInterval
	t.IsSwapCanceled = nil
	_, err := d.deps.Runner.Start(t)
	return err
}

func (d *swapDriver) startRefundControl(s *swap.Swap) error {
	t := d.confirmTask(s, TaskRefundConfirm, s.RefundTxID, func() {
		d.log.Info("Refund confirmed", "swap_id", s.ID, "txid", s.RefundTxID())
		d.update(s, swap.IsRefundConfirmed, refundStatus(s.IsInitiator))
	})
	t.IsSwapCanceled = nil
	_, err := d.deps.Runner.Start(t)
	return err
}

func (d *swapDriver) partyPaymentTask(s *swap.Swap) *task.Task {
	t := d.newTask(s, TaskPartyPayment, d.deps.Config.ConfirmationCheckInterval)
	t.Deadline = s.PartyPaymentRefundTime()
	t.Check = func(ctx context.Context) (task.Outcome, error) {
		lock, err := d.DetectCounterpartyLock(ctx, s)
		if err != nil {
			return task.Outcome{}, err
		}
		if lock == nil {
			return task.Pending(), nil
		}
		if !s.HasFlags(swap.HasPartyPayment) {
			d.log.Info("Counterparty lock found", "swap_id", s.ID, "txid", lock.TxID,
				"amount", helpers.FormatAmount(lock.Amount, d.params.UnitDecimals))
			d.recordPartyLock(s, lock)
			d.update(s, swap.HasPartyPayment, swap.StatusEmpty)
		}
		if lock.Confirmations < d.minConf {
			return task.Pending(), nil
		}
		return task.Completed(lock), nil
	}
	t.OnCompleted = func(ctx context.Context, payload any) {
		lock := payload.(*Lock)
		d.recordPartyLock(s, lock)
		d.update(s, swap.HasPartyPayment|swap.IsPartyPaymentConfirmed, paymentStatus(!s.IsInitiator))
		if s.IsInitiator {
			d.deps.Listener.AcceptorPaymentConfirmed(s)
		} else {
			d.deps.Listener.InitiatorPaymentConfirmed(s)
		}
	}
	t.OnCanceled = d.onCanceled(s, TaskPartyPayment)
	return t
}

func (d *swapDriver) recordPartyLock(s *swap.Swap, lock *Lock) {
	s.UpdateRemote(func(p *swap.Party) {
		p.PaymentTxID = lock.TxID
		if lock.Script != "" {
			p.RedeemScript = lock.Script
		}
	})
}

// startWaitForRedeem watches our payment until it is spent. At the refund
// time it gives up waiting and starts the refund.
func (d *swapDriver) startWaitForRedeem(s *swap.Swap) (*task.Handle, error) {
	const op = "wait for redeem"
	if err := d.checkLeg(op, s, true); err != nil {
		return nil, err
	}
	if !s.HasFlags(swap.IsPaymentBroadcast) {
		return nil, swap.Precondition(op, ErrNoPayment)
	}

	t := d.newTask(s, TaskWaitRedeem, d.deps.Config.RedeemWaitInterval)
	t.Deadline = s.PaymentRefundTime()
	t.CancelOnlyWhenRefundTimeReached = true
	t.IsSwapCanceled = refundGuarded(s)
	t.Check = func(ctx context.Context) (task.Outcome, error) {
		sp, err := d.ops.findSpend(ctx, s)
		if err != nil {
			return task.Outcome{}, classify(op, err)
		}
		if sp == nil {
			return task.Pending(), nil
		}
		if !sp.Refund && !swap.VerifyPreimage(s.Scheme, sp.Secret, s.SecretHash()) {
			return task.Outcome{}, swap.Internal(op, fmt.Errorf("%w: redeem %s", swap.ErrSecretMismatch, sp.TxID))
		}
		return task.Completed(sp), nil
	}
	t.OnCompleted = func(ctx context.Context, payload any) {
		d.onPaymentSpent(s, payload.(*spend))
	}
	t.OnCanceled = func(ctx context.Context, out task.Outcome) {
		if out.Reason == task.ReasonRefundTimeReached {
			d.log.Info("Refund time reached", "swap_id", s.ID)
			if err := d.startRefund(s); err != nil {
				d.fail(s, err)
			}
			return
		}
		d.onCanceled(s, TaskWaitRedeem)(ctx, out)
	}
	return d.deps.Runner.Start(t)
}

func (d *swapDriver) onPaymentSpent(s *swap.Swap, sp *spend) {
	if sp.Refund {
		s.SetRefundTxID(sp.TxID)
		d.update(s, swap.HasRefund|swap.IsRefundBroadcast, swap.StatusEmpty)
		if err := d.startRefundControl(s); err != nil {
			d.fail(s, err)
		}
		return
	}

	secret, err := swap.SecretFromBytes(sp.Secret)
	helpers.Wipe(sp.Secret)
	if err != nil {
		d.fail(s, swap.Internal("wait for redeem", err))
		return
	}
	defer secret.Wipe()
	if err := s.SetSecret(secret); err != nil {
		d.fail(s, swap.Internal("wait for redeem", err))
		return
	}
	s.SetPartyRedeemTxID(sp.TxID)
	d.log.Info("Payment redeemed by counterparty", "swap_id", s.ID, "txid", sp.TxID)
	d.update(s, swap.IsPaymentSpent|swap.HasSecret, redeemStatus(!s.IsInitiator))
	if !s.IsInitiator {
		d.deps.Listener.AcceptorPaymentSpent(s)
	}
}

// startRefund keeps trying to refund until it succeeds. A refund that is
// not final yet by the chain's clock is retried. The counterparty can still
// redeem after the refund time, so every attempt first looks for a spend of
// our payment.
func (d *swapDriver) startRefund(s *swap.Swap) error {
	const op = "refund"
	t := d.newTask(s, TaskRefund, d.deps.Config.ConfirmationCheckInterval)
	t.IsSwapCanceled = nil
	t.Check = func(ctx context.Context) (task.Outcome, error) {
		if s.HasFlags(swap.IsPaymentSpent) || s.HasFlags(swap.IsRefundBroadcast) {
			return task.Completed(nil), nil
		}
		sp, err := d.ops.findSpend(ctx, s)
		if err != nil {
			return task.Outcome{}, classify(op, err)
		}
		if sp != nil {
			if !sp.Refund && !swap.VerifyPreimage(s.Scheme, sp.Secret, s.SecretHash()) {
				return task.Outcome{}, swap.Internal(op, fmt.Errorf("%w: redeem %s", swap.ErrSecretMismatch, sp.TxID))
			}
			return task.Completed(sp), nil
		}
		err = d.Refund(ctx, s)
		switch {
		case err == nil:
			return task.Completed(nil), nil
		case errors.Is(err, swap.ErrRefundTooEarly):
			return task.Pending(), nil
		case errors.Is(err, backend.ErrBroadcastFailed):
			return task.Outcome{}, swap.Transient(op, err)
		}
		return task.Outcome{}, err
	}
	t.OnCompleted = func(ctx context.Context, payload any) {
		if sp, ok := payload.(*spend); ok {
			d.onPaymentSpent(s, sp)
		}
	}
	t.OnCanceled = d.onCanceled(s, TaskRefund)
	_, err := d.deps.Runner.Start(t)
	return err
}

// waitPartyRedeemTask watches the counterparty lock for a redeem made for
// us. Shortly before the lock expires we redeem it ourselves.
func (d *swapDriver) waitPartyRedeemTask(s *swap.Swap) *task.Task {
	const op = "wait for party redeem"
	t := d.newTask(s, TaskWaitPartyRedeem, d.deps.Config.OutputSpentCheckInterval)
	t.Deadline = s.PartyPaymentRefundTime().Add(-s.LockTimes.Margin / 2)
	t.CancelOnlyWhenRefundTimeReached = true
	t.Check = func(ctx context.Context) (task.Outcome, error) {
		sp, err := d.ops.findPartySpend(ctx, s)
		if err != nil {
			return task.Outcome{}, classify(op, err)
		}
		if sp == nil {
			return task.Pending(), nil
		}
		if sp.Refund {
			return task.Outcome{}, swap.Internal(op, fmt.Errorf("counterparty refunded its lock in %s", sp.TxID))
		}
		return task.Completed(sp), nil
	}
	t.OnCompleted = func(ctx context.Context, payload any) {
		sp := payload.(*spend)
		helpers.Wipe(sp.Secret)
		s.SetRedeemTxID(sp.TxID)
		d.log.Info("Counterparty redeemed for us", "swap_id", s.ID, "txid", sp.TxID)
		d.update(s, swap.HasRedeem|swap.IsRedeemBroadcast, swap.StatusEmpty)
		if err := d.startRedeemControl(s); err != nil {
			d.fail(s, err)
		}
	}
	t.OnCanceled = func(ctx context.Context, out task.Outcome) {
		if out.Reason != task.ReasonRefundTimeReached {
			d.onCanceled(s, TaskWaitPartyRedeem)(ctx, out)
			return
		}
		d.log.Warn("Counterparty did not redeem for us, redeeming", "swap_id", s.ID)
		if err := d.Redeem(ctx, s); err != nil {
			d.fail(s, err)
		}
	}
	return t
}
