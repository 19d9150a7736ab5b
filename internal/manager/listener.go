package manager

import (
	"errors"

	"github.com/klingon-exchange/swapd/internal/driver"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// Flags worth telling the counterparty about.
const notifyFlags = swap.IsPaymentBroadcast | swap.IsPaymentConfirmed | swap.IsRedeemBroadcast |
	swap.IsRefundBroadcast | swap.IsCanceled

// SwapUpdated persists s, publishes the change and runs the next step. A
// failed save is published as EventSwapFailed.
func (m *Manager) SwapUpdated(s *swap.Swap, added swap.StateFlags) {
	snap := s.Snapshot()
	if err := m.persist(s); err != nil {
		m.broker.publish(Event{Type: EventSwapFailed, Swap: snap, Err: err})
	}

	m.broker.publish(Event{Type: EventSwapUpdated, Swap: snap, Added: added})
	if added.Has(swap.IsCanceled) {
		m.stopTimeout(s.ID)
		m.broker.publish(Event{Type: EventSwapCanceled, Swap: snap})
	}
	if added.Has(swap.HasPartyPayment) {
		m.stopTimeout(s.ID)
	}
	if added.Any(notifyFlags) {
		m.notifyStatus(snap)
	}
	if !s.IsCanceled() {
		m.schedule(s.ID)
	}
}

// InitiatorPaymentConfirmed is raised on the acceptor's side.
func (m *Manager) InitiatorPaymentConfirmed(s *swap.Swap) {
	m.broker.publish(Event{Type: EventInitiatorPaymentConfirmed, Swap: s.Snapshot()})
}

// AcceptorPaymentConfirmed is raised on the initiator's side.
func (m *Manager) AcceptorPaymentConfirmed(s *swap.Swap) {
	m.broker.publish(Event{Type: EventAcceptorPaymentConfirmed, Swap: s.Snapshot()})
}

// AcceptorPaymentSpent is raised on the acceptor's side once the initiator
// redeemed, revealing the secret.
func (m *Manager) AcceptorPaymentSpent(s *swap.Swap) {
	m.broker.publish(Event{Type: EventAcceptorPaymentSpent, Swap: s.Snapshot()})
}

// SwapFailed reports a watch that stopped without completing. A swap we
// have not paid into yet is canceled; otherwise the refund watch takes
// over.
func (m *Manager) SwapFailed(s *swap.Swap, err error) {
	m.log.Warn("Swap watch failed", "swap_id", s.ID, "error", err)
	m.broker.publish(Event{Type: EventSwapFailed, Swap: s.Snapshot(), Err: err})

	if errors.Is(err, driver.ErrWatchCanceled) && !s.HasFlags(swap.HasPayment) && !s.IsTerminal() {
		m.cancelSwap(s, err.Error())
	}
}

func (m *Manager) notifyStatus(snap swap.Record) {
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
		if err := m.notifier.NotifyStatus(m.ctx, snap); err != nil {
			m.log.Debug("Status notification failed", "swap_id", snap.ID, "error", err)
		}
	}()
}
