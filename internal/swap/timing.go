package swap

import (
	"fmt"
	"time"
)

// Reference lock times. The initiator must be able to observe the
// acceptor's refund before its own lock expires.
const (
	DefaultInitiatorLockTime = 7 * time.Hour
	DefaultAcceptorLockTime  = 3 * time.Hour
	DefaultLockTimeMargin    = 4 * time.Hour
)

// LockTimes are the per-role lock durations counted from Terms.TimeStamp.
type LockTimes struct {
	Initiator time.Duration `json:"initiator"`
	Acceptor  time.Duration `json:"acceptor"`
	Margin    time.Duration `json:"margin"`
}

// DefaultLockTimes returns the reference 7h/3h/4h lock times.
func DefaultLockTimes() LockTimes {
	return LockTimes{
		Initiator: DefaultInitiatorLockTime,
		Acceptor:  DefaultAcceptorLockTime,
		Margin:    DefaultLockTimeMargin,
	}
}

// Validate enforces the asymmetric timing invariant.
func (l LockTimes) Validate() error {
	return CheckLockTimes(l.Initiator, l.Acceptor, l.Margin)
}

// CheckLockTimes fails unless initiator - acceptor >= margin.
func CheckLockTimes(initiator, acceptor, margin time.Duration) error {
	if acceptor <= 0 || initiator <= 0 {
		return fmt.Errorf("%w: lock times must be positive", ErrLockTimeMargin)
	}
	if initiator-acceptor < margin {
		return fmt.Errorf("%w: initiator %s, acceptor %s, margin %s", ErrLockTimeMargin, initiator, acceptor, margin)
	}
	return nil
}

// OwnLockTime is the lock time of our payment.
func (s *Swap) OwnLockTime() time.Duration {
	if s.IsInitiator {
		return s.LockTimes.Initiator
	}
	return s.LockTimes.Acceptor
}

// PartyLockTime is the lock time the counterparty's payment must carry.
func (s *Swap) PartyLockTime() time.Duration {
	if s.IsInitiator {
		return s.LockTimes.Acceptor
	}
	return s.LockTimes.Initiator
}

// PaymentRefundTime is the earliest time our payment can be refunded.
func (s *Swap) PaymentRefundTime() time.Time {
	return s.TimeStamp.Add(s.OwnLockTime())
}

// PartyPaymentRefundTime is the minimum refund time the counterparty's lock
// must carry.
func (s *Swap) PartyPaymentRefundTime() time.Time {
	return s.TimeStamp.Add(s.PartyLockTime())
}

// EstimateRewardForRedeem decides the reward a party asks the counterparty
// to attach to its lock. A party that can pay its own redeem fee asks for
// nothing. When the purchased amount cannot cover the fee either, the
// reward silently falls back to zero.
func EstimateRewardForRedeem(balance, redeemFee, purchasedAmount uint64) uint64 {
	if balance >= redeemFee {
		return 0
	}
	if purchasedAmount <= redeemFee {
		return 0
	}
	return redeemFee
}
