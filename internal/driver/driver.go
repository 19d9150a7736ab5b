// Package driver runs the on-chain legs of a swap. A Driver wraps one
// currency: it pays into the HTLC on the sold side, watches for the
// counterparty lock on the purchased side, redeems, refunds and extracts the
// secret from the counterparty's redeem.
//
// Every family shares one engine (swapDriver). What differs per family is
// how transactions are built and how chain state is read, which lives behind
// chainOps.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/locker"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/task"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Common errors
var (
	ErrWrongCurrency           = errors.New("swap leg is not on this currency")
	ErrNoPayment               = errors.New("payment not broadcast")
	ErrPaymentSpent            = errors.New("payment already spent")
	ErrPaymentNotFound         = errors.New("payment not found on chain")
	ErrPartyPaymentUnconfirmed = errors.New("counterparty payment not confirmed")
	ErrPartyLockNotFound       = errors.New("counterparty lock not found on chain")
	ErrTxReverted              = errors.New("transaction reverted")
	ErrWatchCanceled           = errors.New("watch canceled")
	ErrMissingDependency       = errors.New("missing driver dependency")
)

// Watch task names. A swap runs at most one task per name.
const (
	TaskPaymentConfirm     = "payment-confirm"
	TaskPartyPayment       = "party-payment"
	TaskRedeemConfirm      = "redeem-confirm"
	TaskPartyRedeemConfirm = "party-redeem-confirm"
	TaskWaitRedeem         = "wait-redeem"
	TaskWaitPartyRedeem    = "wait-party-redeem"
	TaskRefund             = "refund"
	TaskRefundConfirm      = "refund-confirm"
)

// RefundGuards are the tasks that must survive swap cancellation while our
// payment is still locked.
var RefundGuards = []string{TaskWaitRedeem, TaskRefund, TaskRefundConfirm}

// Lock is an HTLC lock observed on chain.
type Lock struct {
	TxID string
	// Vout is the HTLC output index (UTXO chains).
	Vout uint32
	// Script is the hex HTLC script (UTXO chains) or the contract address.
	Script        string
	Amount        uint64 // swap units, reward included
	Reward        uint64 // swap units paid to whoever redeems
	RefundTime    time.Time
	Confirmations int64
}

// Driver is the capability set of one currency.
type Driver interface {
	Currency() string
	Family() chain.Family
	Scheme() swap.HashScheme

	// Pay locks the sold amount into the HTLC and starts the confirmation
	// watch.
	Pay(ctx context.Context, s *swap.Swap) error
	// DetectCounterpartyLock returns the counterparty's lock on the
	// purchased side, or nil when none matches the agreed terms yet.
	DetectCounterpartyLock(ctx context.Context, s *swap.Swap) (*Lock, error)
	// StartPartyPaymentControl watches for the counterparty lock until it
	// is confirmed.
	StartPartyPaymentControl(ctx context.Context, s *swap.Swap) error
	// Redeem claims the counterparty lock, revealing the secret.
	Redeem(ctx context.Context, s *swap.Swap) error
	// RedeemForParty claims our own sold-side lock on behalf of the
	// counterparty, collecting the agreed reward.
	RedeemForParty(ctx context.Context, s *swap.Swap) error
	// StartWaitForPartyRedeem watches the counterparty lock for a redeem
	// made on our behalf and falls back to our own redeem near the deadline.
	StartWaitForPartyRedeem(ctx context.Context, s *swap.Swap) error
	// Refund reclaims our payment once its lock time has passed.
	Refund(ctx context.Context, s *swap.Swap) error
	// WaitForRedeem blocks until our payment is redeemed and returns the
	// revealed secret.
	WaitForRedeem(ctx context.Context, s *swap.Swap) (*swap.Secret, error)
	// StartWaitForRedeem watches our payment for a redeem and refunds it
	// once the lock time passes.
	StartWaitForRedeem(ctx context.Context, s *swap.Swap) error
	// RewardForRedeem is the reward we ask the counterparty to attach to
	// its lock so that it can be redeemed for us.
	RewardForRedeem(ctx context.Context, s *swap.Swap) (uint64, error)

	RestoreFromSoldSide(ctx context.Context, s *swap.Swap) error
	RestoreFromPurchasedSide(ctx context.Context, s *swap.Swap) error
}

// Listener receives swap progress from drivers. Calls are made from watch
// goroutines and must not block for long.
type Listener interface {
	// SwapUpdated is called after flags or recorded transactions changed.
	SwapUpdated(s *swap.Swap, added swap.StateFlags)
	InitiatorPaymentConfirmed(s *swap.Swap)
	AcceptorPaymentConfirmed(s *swap.Swap)
	AcceptorPaymentSpent(s *swap.Swap)
	// SwapFailed reports a watch that stopped without completing, or a
	// protocol violation that canceled the swap.
	SwapFailed(s *swap.Swap, err error)
}

// Deps are the collaborators every driver shares.
type Deps struct {
	Runner   *task.Runner
	Locker   *locker.Locker
	Listener Listener
	Signer   backend.Signer
	Config   config.SwapConfig
	Logger   *logging.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Runner == nil:
		return fmt.Errorf("%w: runner", ErrMissingDependency)
	case d.Locker == nil:
		return fmt.Errorf("%w: locker", ErrMissingDependency)
	case d.Signer == nil:
		return fmt.Errorf("%w: signer", ErrMissingDependency)
	}
	return nil
}

// New builds the driver for params' family.
func New(params *chain.Params, cc *config.ChainConfig, backends *backend.Registry, deps Deps) (Driver, error) {
	switch params.Family {
	case chain.FamilyUTXO:
		b, ok := backends.UTXO(params.Symbol)
		if !ok {
			return nil, fmt.Errorf("%w: no backend for %s", ErrMissingDependency, params.Symbol)
		}
		return NewBitcoinDriver(params, cc, b, deps)
	case chain.FamilyEVM:
		b, ok := backends.EVM(params.Symbol)
		if !ok {
			return nil, fmt.Errorf("%w: no backend for %s", ErrMissingDependency, params.Symbol)
		}
		return NewEthereumDriver(params, cc, b, deps)
	case chain.FamilyERC20:
		b, ok := backends.EVM(params.Symbol)
		if !ok {
			return nil, fmt.Errorf("%w: no backend for %s", ErrMissingDependency, params.Symbol)
		}
		return NewERC20Driver(params, cc, b, deps)
	}
	return nil, fmt.Errorf("unsupported chain family %q", params.Family)
}

type nopListener struct{}

func (nopListener) SwapUpdated(*swap.Swap, swap.StateFlags) {}
func (nopListener) InitiatorPaymentConfirmed(*swap.Swap)    {}
func (nopListener) AcceptorPaymentConfirmed(*swap.Swap)     {}
func (nopListener) AcceptorPaymentSpent(*swap.Swap)         {}
func (nopListener) SwapFailed(*swap.Swap, error)            {}

func paymentStatus(initiator bool) swap.Status {
	if initiator {
		return swap.StatusInitiatorPaymentReceived
	}
	return swap.StatusAcceptorPaymentReceived
}

func redeemStatus(initiator bool) swap.Status {
	if initiator {
		return swap.StatusInitiatorRedeemReceived
	}
	return swap.StatusAcceptorRedeemReceived
}

func refundStatus(initiator bool) swap.Status {
	if initiator {
		return swap.StatusInitiatorRefundReceived
	}
	return swap.StatusAcceptorRefundReceived
}
