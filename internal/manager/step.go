package manager

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/klingon-exchange/swapd/internal/driver"
	"github.com/klingon-exchange/swapd/internal/swap"
)

func stepKey(id uint64) string {
	return "swap:" + strconv.FormatUint(id, 10)
}

// schedule runs a step of swap id on its own goroutine.
func (m *Manager) schedule(id uint64) {
	m.mu.RLock()
	closed := m.closed
	if !closed {
		m.wg.Add(1)
	}
	m.mu.RUnlock()
	if closed {
		return
	}
	go func() {
		defer m.wg.Done()
		m.advance(m.ctx, id)
	}()
}

// advance runs one step of a swap. Steps of the same swap never overlap.
func (m *Manager) advance(ctx context.Context, id uint64) {
	s, err := m.swap(id)
	if err != nil {
		return
	}
	lease, err := m.locker.Lock(ctx, stepKey(id))
	if err != nil {
		return
	}
	defer lease.Unlock()

	m.handleStepError(s, m.step(ctx, s))
}

// step starts whatever the swap's flags allow next. It is idempotent:
// drivers skip work that is already recorded and the runner keeps one
// watch per name.
func (m *Manager) step(ctx context.Context, s *swap.Swap) error {
	if s.IsCanceled() || s.IsRefunded() {
		return nil
	}
	sold, err := m.driverFor(s.SoldCurrency)
	if err != nil {
		return swap.Internal("step", err)
	}
	purchased, err := m.driverFor(s.PurchasedCurrency)
	if err != nil {
		return swap.Internal("step", err)
	}
	if s.IsInitiator {
		return m.stepInitiator(ctx, s, sold, purchased)
	}
	return m.stepAcceptor(ctx, s, sold, purchased)
}

func (m *Manager) stepInitiator(ctx context.Context, s *swap.Swap, sold, purchased driver.Driver) error {
	if !s.Status().Has(swap.StatusAccepted) {
		return nil
	}
	if !s.HasFlags(swap.IsPaymentBroadcast) {
		if err := sold.Pay(ctx, s); err != nil {
			return err
		}
	}
	if err := m.guardPayment(ctx, s, sold); err != nil {
		return err
	}

	if !s.HasFlags(swap.IsPartyPaymentConfirmed) {
		return m.watchPartyPayment(ctx, s, purchased)
	}
	if !s.HasFlags(swap.HasRedeem) {
		if err := purchased.Redeem(ctx, s); err != nil {
			return err
		}
	}

	// Watch-tower: the acceptor asked us to redeem our lock for it.
	if s.HasFlags(swap.IsRedeemBroadcast) && s.Remote().RewardForRedeem > 0 &&
		!s.HasFlags(swap.IsPaymentSpent) && s.PartyRedeemTxID() == "" {
		return sold.RedeemForParty(ctx, s)
	}
	return nil
}

func (m *Manager) stepAcceptor(ctx context.Context, s *swap.Swap, sold, purchased driver.Driver) error {
	if !s.HasFlags(swap.IsPartyPaymentConfirmed) {
		return m.watchPartyPayment(ctx, s, purchased)
	}
	if !s.HasFlags(swap.IsPaymentBroadcast) {
		if err := sold.Pay(ctx, s); err != nil {
			return err
		}
	}
	if err := m.guardPayment(ctx, s, sold); err != nil {
		return err
	}

	if s.HasFlags(swap.HasRedeem) {
		return nil
	}
	if s.Local().RewardForRedeem > 0 {
		return purchased.StartWaitForPartyRedeem(ctx, s)
	}
	if s.HasFlags(swap.HasSecret) {
		return purchased.Redeem(ctx, s)
	}
	return nil
}

// watchPartyPayment looks for the counterparty's lock until the latest
// refund time it may carry.
func (m *Manager) watchPartyPayment(ctx context.Context, s *swap.Swap, purchased driver.Driver) error {
	if !time.Now().Before(s.PartyPaymentRefundTime()) {
		return nil
	}
	return purchased.StartPartyPaymentControl(ctx, s)
}

// guardPayment keeps a watch on our payment until it is redeemed or
// refunded.
func (m *Manager) guardPayment(ctx context.Context, s *swap.Swap, sold driver.Driver) error {
	if s.Flags().Any(swap.IsPaymentSpent | swap.IsRefundBroadcast) {
		return nil
	}
	if m.runner.Running(s.ID, driver.TaskWaitRedeem) || m.runner.Running(s.ID, driver.TaskRefund) {
		return nil
	}
	return sold.StartWaitForRedeem(ctx, s)
}

// handleStepError decides what a failed step means for the swap.
func (m *Manager) handleStepError(s *swap.Swap, err error) {
	if err == nil {
		m.mu.Lock()
		delete(m.retries, s.ID)
		m.mu.Unlock()
		return
	}
	if errors.Is(err, context.Canceled) && m.isClosed() {
		return
	}

	switch swap.KindOf(err) {
	case swap.KindTransient:
		m.retry(s, err)
	case swap.KindProtocol:
		m.cancelSwap(s, err.Error())
	case swap.KindPrecondition:
		m.log.Debug("Step not possible yet", "swap_id", s.ID, "error", err)
	default:
		// Insufficient funds, signing and internal failures need an
		// operator decision.
		m.log.Error("Swap step failed", "swap_id", s.ID, "kind", swap.KindOf(err), "error", err)
		m.broker.publish(Event{Type: EventSwapFailed, Swap: s.Snapshot(), Err: err})
	}
}

// retry schedules another step after a transient failure, up to the
// configured attempt budget.
func (m *Manager) retry(s *swap.Swap, err error) {
	m.mu.Lock()
	m.retries[s.ID]++
	n := m.retries[s.ID]
	m.mu.Unlock()

	if max := m.cfg.MaxAttempts; max > 0 && n > max {
		m.log.Error("Giving up after transient failures", "swap_id", s.ID, "attempts", n-1, "error", err)
		m.broker.publish(Event{Type: EventSwapFailed, Swap: s.Snapshot(), Err: err})
		return
	}
	wait := m.cfg.ConfirmationCheckInterval
	if wait <= 0 {
		wait = time.Minute
	}
	m.log.Warn("Transient failure, retrying", "swap_id", s.ID, "attempt", n, "in", wait, "error", err)
	m.after(wait, func() { m.schedule(s.ID) })
}

// after runs fn after d unless the manager closes first.
func (m *Manager) after(d time.Duration, fn func()) {
	m.mu.RLock()
	closed := m.closed
	if !closed {
		m.wg.Add(1)
	}
	m.mu.RUnlock()
	if closed {
		return
	}
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(d):
			fn()
		case <-m.ctx.Done():
		}
	}()
}

// =============================================================================
// Swap timeout
// =============================================================================

// armTimeout bounds the wait for the first sign of counterparty activity.
func (m *Manager) armTimeout(s *swap.Swap) {
	timeout := m.cfg.SwapTimeout
	if timeout <= 0 || s.HasFlags(swap.HasPartyPayment) {
		return
	}
	wait := time.Until(s.CreatedAt.Add(timeout))
	if wait < 0 {
		wait = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[s.ID]; ok {
		t.Stop()
	}
	id := s.ID
	m.timers[id] = time.AfterFunc(wait, func() { m.onTimeout(id) })
}

func (m *Manager) stopTimeout(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// onTimeout cancels a swap without counterparty activity. If we already
// paid, the swap is marked unsettled and left to the refund watch.
func (m *Manager) onTimeout(id uint64) {
	m.mu.Lock()
	delete(m.timers, id)
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	s, err := m.swap(id)
	if err != nil || s.IsTerminal() || s.HasFlags(swap.HasPartyPayment) {
		return
	}
	if !s.HasFlags(swap.HasPayment) {
		m.cancelSwap(s, "swap timeout: no counterparty activity")
		return
	}
	if added := s.SetFlags(swap.IsUnsettled); added != swap.FlagsEmpty {
		m.log.Warn("Swap unsettled, waiting for refund time", "swap_id", s.ID, "refund_time", s.PaymentRefundTime())
		m.SwapUpdated(s, added)
	}
}

func sortRecords(rs []swap.Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}
