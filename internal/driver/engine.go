package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/task"
	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// chainOps is what a chain family must provide to the engine. Own payment
// means our lock on the sold chain; party lock means the counterparty's lock
// on the purchased chain. Lookups return nil when nothing is on chain yet.
type chainOps interface {
	supportsReward() bool

	buildPayment(ctx context.Context, s *swap.Swap) (*signedTx, error)
	buildRedeem(ctx context.Context, s *swap.Swap, secret *swap.Secret) (*signedTx, error)
	buildRedeemForParty(ctx context.Context, s *swap.Swap, secret *swap.Secret) (*signedTx, error)
	buildRefund(ctx context.Context, s *swap.Swap) (*signedTx, error)

	findPayment(ctx context.Context, s *swap.Swap) (*Lock, error)
	findPartyLock(ctx context.Context, s *swap.Swap) (*Lock, error)
	findSpend(ctx context.Context, s *swap.Swap) (*spend, error)
	findPartySpend(ctx context.Context, s *swap.Swap) (*spend, error)

	// confirmations is 0 for a transaction that is not mined yet.
	confirmations(ctx context.Context, txID string) (int64, error)
	rewardForRedeem(ctx context.Context, s *swap.Swap) (uint64, error)
}

// signedTx is a signed transaction ready for broadcast.
type signedTx struct {
	TxID string
	// Script is the HTLC script or contract address, recorded on the party.
	Script string
	// send broadcasts the transaction. Sending it again after success is
	// not an error.
	send func(ctx context.Context) error
}

// spend is how an HTLC lock was consumed.
type spend struct {
	TxID   string
	Secret []byte // nil for a refund
	Refund bool
}

// swapDriver implements Driver on top of a chainOps.
type swapDriver struct {
	params  *chain.Params
	cc      *config.ChainConfig
	scheme  swap.HashScheme
	ops     chainOps
	deps    Deps
	minConf int64
	log     *logging.Logger
}

func newSwapDriver(params *chain.Params, cc *config.ChainConfig, scheme swap.HashScheme, ops chainOps, deps Deps) (*swapDriver, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Listener == nil {
		deps.Listener = nopListener{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetDefault()
	}
	minConf := cc.MinConfirmations
	if minConf <= 0 {
		minConf = 1
	}
	return &swapDriver{
		params:  params,
		cc:      cc,
		scheme:  scheme,
		ops:     ops,
		deps:    deps,
		minConf: minConf,
		log:     deps.Logger.Component("driver").With("currency", params.Symbol),
	}, nil
}

func (d *swapDriver) Currency() string        { return d.params.Symbol }
func (d *swapDriver) Family() chain.Family    { return d.params.Family }
func (d *swapDriver) Scheme() swap.HashScheme { return d.scheme }

func (d *swapDriver) lockKey(address string) string {
	return d.params.FeeSymbol + ":" + strings.ToLower(address)
}

// update ORs flags and status into s and tells the listener when anything
// was added.
func (d *swapDriver) update(s *swap.Swap, flags swap.StateFlags, status swap.Status) {
	added := s.SetFlags(flags)
	addedStatus := s.SetStatus(status)
	if added != swap.FlagsEmpty || addedStatus != swap.StatusEmpty {
		d.deps.Listener.SwapUpdated(s, added)
	}
}

// fail cancels s on a protocol violation and reports err.
func (d *swapDriver) fail(s *swap.Swap, err error) {
	if swap.IsProtocolViolation(err) && s.Cancel(err.Error()) {
		d.log.Warn("Swap canceled", "swap_id", s.ID, "error", err)
		d.deps.Listener.SwapUpdated(s, swap.IsCanceled)
	}
	d.deps.Listener.SwapFailed(s, err)
}

func (d *swapDriver) checkLeg(op string, s *swap.Swap, sold bool) error {
	currency := s.PurchasedCurrency
	if sold {
		currency = s.SoldCurrency
	}
	if currency != d.params.Symbol {
		return swap.Internal(op, fmt.Errorf("%w: %s", ErrWrongCurrency, currency))
	}
	if s.Scheme != d.scheme {
		return swap.Internal(op, fmt.Errorf("%w: swap uses %s, %s needs %s", swap.ErrIncompatibleCommitment, s.Scheme, d.params.Symbol, d.scheme))
	}
	if len(s.SecretHash()) == 0 {
		return swap.Precondition(op, swap.ErrInvalidSecretHash)
	}
	return nil
}

// classify maps adapter errors onto the swap error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *swap.Error
	if errors.As(err, &se) {
		return err
	}
	if backend.IsTransient(err) {
		return swap.Transient(op, err)
	}
	return swap.Internal(op, err)
}

// =============================================================================
// Sold side
// =============================================================================

// Pay builds, signs and broadcasts our payment. The sender address stays
// locked from coin selection or nonce lookup until the broadcast returns.
// A payment signed by an earlier call whose broadcast failed is looked up
// on chain first and only rebuilt when it is not there.
func (d *swapDriver) Pay(ctx context.Context, s *swap.Swap) error {
	const op = "pay"
	if err := d.checkLeg(op, s, true); err != nil {
		return err
	}
	if s.HasFlags(swap.IsPaymentBroadcast) {
		return d.startPaymentControl(s)
	}
	if !s.IsActive() {
		return swap.Precondition(op, swap.ErrSwapNotActive)
	}

	lease, err := d.deps.Locker.Lock(ctx, d.lockKey(s.Local().RefundAddress))
	if err != nil {
		return err
	}
	defer lease.Unlock()

	if s.HasFlags(swap.HasPayment) {
		found, err := d.resumePayment(ctx, s)
		if err != nil {
			return classify(op, err)
		}
		if found {
			return d.startPaymentControl(s)
		}
	}

	tx, err := d.ops.buildPayment(ctx, s)
	if err != nil {
		return classify(op, err)
	}
	s.UpdateLocal(func(p *swap.Party) {
		p.PaymentTxID = tx.TxID
		p.RedeemScript = tx.Script
	})
	d.update(s, swap.HasPayment|swap.IsPaymentSigned, swap.StatusEmpty)

	if err := d.broadcast(ctx, op, tx); err != nil {
		return err
	}
	d.update(s, swap.IsPaymentBroadcast, swap.StatusEmpty)
	d.log.Info("Payment broadcast", "swap_id", s.ID, "txid", tx.TxID,
		"amount", helpers.FormatAmount(s.SoldAmount, d.params.UnitDecimals))

	return d.startPaymentControl(s)
}

// RedeemForParty redeems our own lock for the counterparty after checking
// that the reward on chain is the one the counterparty asked for.
func (d *swapDriver) RedeemForParty(ctx context.Context, s *swap.Swap) error {
	const op = "redeem for party"
	if !d.ops.supportsReward() {
		return swap.Precondition(op, swap.ErrNotSupported)
	}
	if err := d.checkLeg(op, s, true); err != nil {
		return err
	}
	if s.HasFlags(swap.IsPaymentSpent) {
		return nil
	}
	if s.PartyRedeemTxID() != "" {
		return d.startPartyRedeemControl(s)
	}
	if !s.HasFlags(swap.IsPaymentBroadcast) {
		return swap.Precondition(op, ErrNoPayment)
	}
	secret := s.Secret()
	if secret == nil {
		return swap.Precondition(op, swap.ErrSecretUnknown)
	}
	defer secret.Wipe()

	lock, err := d.ops.findPayment(ctx, s)
	if err != nil {
		return classify(op, err)
	}
	if lock == nil {
		return swap.Transient(op, ErrPaymentNotFound)
	}
	if want := s.Remote().RewardForRedeem; lock.Reward != want {
		err := swap.Protocol(op, fmt.Errorf("%w: reward on chain %d, agreed %d", swap.ErrProtocolViolation, lock.Reward, want))
		d.fail(s, err)
		return err
	}

	lease, err := d.deps.Locker.Lock(ctx, d.lockKey(s.Local().RefundAddress))
	if err != nil {
		return err
	}
	defer lease.Unlock()

	tx, err := d.ops.buildRedeemForParty(ctx, s, secret)
	if err != nil {
		return classify(op, err)
	}
	s.SetPartyRedeemTxID(tx.TxID)
	d.deps.Listener.SwapUpdated(s, swap.FlagsEmpty)

	if err := d.broadcast(ctx, op, tx); err != nil {
		return err
	}
	d.log.Info("Redeemed for counterparty", "swap_id", s.ID, "txid", tx.TxID, "reward", lock.Reward)
	return d.startPartyRedeemControl(s)
}

// Refund reclaims our payment. It refuses before the payment refund time.
func (d *swapDriver) Refund(ctx context.Context, s *swap.Swap) error {
	const op = "refund"
	if err := d.checkLeg(op, s, true); err != nil {
		return err
	}
	switch {
	case s.HasFlags(swap.IsRefundConfirmed):
		return nil
	case s.HasFlags(swap.IsRefundBroadcast):
		return d.startRefundControl(s)
	case !s.HasFlags(swap.IsPaymentBroadcast):
		return swap.Precondition(op, ErrNoPayment)
	case s.HasFlags(swap.IsPaymentSpent):
		return swap.Precondition(op, ErrPaymentSpent)
	}
	if at := s.PaymentRefundTime(); time.Now().Before(at) {
		return swap.Precondition(op, fmt.Errorf("%w: refundable at %s", swap.ErrRefundTooEarly, at.UTC().Format(time.RFC3339)))
	}

	lease, err := d.deps.Locker.Lock(ctx, d.lockKey(s.Local().RefundAddress))
	if err != nil {
		return err
	}
	defer lease.Unlock()

	tx, err := d.ops.buildRefund(ctx, s)
	if err != nil {
		return classify(op, err)
	}
	s.SetRefundTxID(tx.TxID)
	d.update(s, swap.HasRefund|swap.IsRefundSigned, swap.StatusEmpty)

	if err := d.broadcast(ctx, op, tx); err != nil {
		return err
	}
	d.update(s, swap.IsRefundBroadcast, swap.StatusEmpty)
	d.log.Info("Refund broadcast", "swap_id", s.ID, "txid", tx.TxID)

	return d.startRefundControl(s)
}

// StartWaitForRedeem starts the refund guard of our payment.
func (d *swapDriver) StartWaitForRedeem(ctx context.Context, s *swap.Swap) error {
	_, err := d.startWaitForRedeem(s)
	return err
}

// WaitForRedeem blocks until the counterparty redeems our payment and
// returns the secret it revealed. If the refund time passes first, the
// refund is started and an error is returned.
func (d *swapDriver) WaitForRedeem(ctx context.Context, s *swap.Swap) (*swap.Secret, error) {
	if s.HasFlags(swap.IsPaymentSpent) {
		if secret := s.Secret(); secret != nil {
			return secret, nil
		}
	}
	h, err := d.startWaitForRedeem(s)
	if err != nil {
		return nil, err
	}
	out, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if out.Kind != task.KindCompleted {
		return nil, fmt.Errorf("%w: %s", ErrWatchCanceled, out)
	}
	secret := s.Secret()
	if secret == nil {
		// Spent by our own refund.
		return nil, swap.Precondition("wait for redeem", swap.ErrSecretUnknown)
	}
	return secret, nil
}

// =============================================================================
// Purchased side
// =============================================================================

// DetectCounterpartyLock looks for the counterparty lock and checks it
// against the terms. A lock that pays too little or unlocks too early is
// reported as absent so the watch keeps polling; a lock with the wrong
// reward is a protocol violation.
func (d *swapDriver) DetectCounterpartyLock(ctx context.Context, s *swap.Swap) (*Lock, error) {
	const op = "detect party lock"
	if err := d.checkLeg(op, s, false); err != nil {
		return nil, err
	}
	lock, err := d.ops.findPartyLock(ctx, s)
	if err != nil {
		return nil, classify(op, err)
	}
	if lock == nil {
		return nil, nil
	}

	local := s.Local()
	required := s.PurchasedAmount
	if d.ops.supportsReward() {
		if lock.Reward != local.RewardForRedeem {
			return nil, swap.Protocol(op, fmt.Errorf("%w: reward on chain %d, agreed %d", swap.ErrProtocolViolation, lock.Reward, local.RewardForRedeem))
		}
		required += local.RewardForRedeem
	}
	if lock.Amount < required {
		d.log.Debug("Counterparty lock below required amount", "swap_id", s.ID, "txid", lock.TxID, "amount", lock.Amount, "required", required)
		return nil, nil
	}
	// Lock times are stored on chain with second precision.
	if minRefund := s.PartyPaymentRefundTime().Truncate(time.Second); lock.RefundTime.Before(minRefund) {
		d.log.Debug("Counterparty lock refund time too early", "swap_id", s.ID, "txid", lock.TxID, "refund_time", lock.RefundTime, "required", minRefund)
		return nil, nil
	}
	return lock, nil
}

// StartPartyPaymentControl watches for the counterparty lock until it has
// the configured confirmations.
func (d *swapDriver) StartPartyPaymentControl(ctx context.Context, s *swap.Swap) error {
	if err := d.checkLeg("party payment control", s, false); err != nil {
		return err
	}
	if s.HasFlags(swap.IsPartyPaymentConfirmed) {
		return nil
	}
	_, err := d.deps.Runner.Start(d.partyPaymentTask(s))
	return err
}

// Redeem claims the counterparty lock with the secret.
func (d *swapDriver) Redeem(ctx context.Context, s *swap.Swap) error {
	const op = "redeem"
	if err := d.checkLeg(op, s, false); err != nil {
		return err
	}
	switch {
	case s.HasFlags(swap.IsRedeemConfirmed):
		return nil
	case s.HasFlags(swap.IsRedeemBroadcast):
		return d.startRedeemControl(s)
	case s.IsCanceled():
		return swap.Precondition(op, swap.ErrSwapCanceled)
	case !s.HasFlags(swap.IsPartyPaymentConfirmed):
		return swap.Precondition(op, ErrPartyPaymentUnconfirmed)
	}
	secret := s.Secret()
	if secret == nil {
		return swap.Precondition(op, swap.ErrSecretUnknown)
	}
	defer secret.Wipe()

	lease, err := d.deps.Locker.Lock(ctx, d.lockKey(s.Local().Address))
	if err != nil {
		return err
	}
	defer lease.Unlock()

	tx, err := d.ops.buildRedeem(ctx, s, secret)
	if err != nil {
		return classify(op, err)
	}
	s.SetRedeemTxID(tx.TxID)
	d.update(s, swap.HasRedeem|swap.IsRedeemSigned, swap.StatusEmpty)

	if err := d.broadcast(ctx, op, tx); err != nil {
		return err
	}
	d.update(s, swap.IsRedeemBroadcast, swap.StatusEmpty)
	d.log.Info("Redeem broadcast", "swap_id", s.ID, "txid", tx.TxID)

	return d.startRedeemControl(s)
}

// StartWaitForPartyRedeem is used by a party that asked for a redeem
// reward: the counterparty is expected to redeem for us.
func (d *swapDriver) StartWaitForPartyRedeem(ctx context.Context, s *swap.Swap) error {
	if err := d.checkLeg("wait for party redeem", s, false); err != nil {
		return err
	}
	if s.HasFlags(swap.IsRedeemBroadcast) {
		return d.startRedeemControl(s)
	}
	_, err := d.deps.Runner.Start(d.waitPartyRedeemTask(s))
	return err
}

// RewardForRedeem estimates the reward to ask for. Chains without contract
// rewards always return zero.
func (d *swapDriver) RewardForRedeem(ctx context.Context, s *swap.Swap) (uint64, error) {
	if !d.ops.supportsReward() {
		return 0, nil
	}
	reward, err := d.ops.rewardForRedeem(ctx, s)
	if err != nil {
		return 0, classify("reward for redeem", err)
	}
	return reward, nil
}

// =============================================================================
// Restore
// =============================================================================

// RestoreFromSoldSide re-issues the watches of our payment. It never
// broadcasts anything; a payment that was signed but not seen broadcast is
// looked up on chain first.
func (d *swapDriver) RestoreFromSoldSide(ctx context.Context, s *swap.Swap) error {
	const op = "restore sold side"
	if err := d.checkLeg(op, s, true); err != nil {
		return err
	}
	f := s.Flags()
	if f.Has(swap.IsRefundConfirmed) {
		return nil
	}

	if f.Has(swap.HasPayment) && !f.Has(swap.IsPaymentBroadcast) {
		if _, err := d.resumePayment(ctx, s); err != nil {
			return classify(op, err)
		}
		f = s.Flags()
	}
	if !f.Has(swap.IsPaymentBroadcast) {
		return nil
	}

	if f.Has(swap.IsRefundBroadcast) {
		return d.startRefundControl(s)
	}
	if !f.Has(swap.IsPaymentConfirmed) {
		if err := d.startPaymentControl(s); err != nil {
			return err
		}
	}
	if f.Has(swap.IsPaymentSpent) {
		return nil
	}
	if s.PartyRedeemTxID() != "" {
		if err := d.startPartyRedeemControl(s); err != nil {
			return err
		}
	}
	_, err := d.startWaitForRedeem(s)
	return err
}

// resumePayment marks a signed payment broadcast when it is found on chain.
func (d *swapDriver) resumePayment(ctx context.Context, s *swap.Swap) (bool, error) {
	lock, err := d.ops.findPayment(ctx, s)
	if err != nil || lock == nil {
		return false, err
	}
	d.log.Info("Found unrecorded payment on chain", "swap_id", s.ID, "txid", lock.TxID)
	s.UpdateLocal(func(p *swap.Party) {
		p.PaymentTxID = lock.TxID
		if lock.Script != "" {
			p.RedeemScript = lock.Script
		}
	})
	d.update(s, swap.IsPaymentBroadcast, swap.StatusEmpty)
	return true, nil
}

// RestoreFromPurchasedSide re-issues the watches of the counterparty lock
// and of our redeem.
func (d *swapDriver) RestoreFromPurchasedSide(ctx context.Context, s *swap.Swap) error {
	const op = "restore purchased side"
	if err := d.checkLeg(op, s, false); err != nil {
		return err
	}
	f := s.Flags()
	switch {
	case f.Has(swap.IsRedeemConfirmed):
		return nil
	case f.Has(swap.IsRedeemBroadcast):
		return d.startRedeemControl(s)
	case f.Has(swap.HasRedeem):
		sp, err := d.ops.findPartySpend(ctx, s)
		if err != nil {
			return classify(op, err)
		}
		if sp != nil && !sp.Refund {
			s.SetRedeemTxID(sp.TxID)
			d.update(s, swap.IsRedeemBroadcast, swap.StatusEmpty)
			return d.startRedeemControl(s)
		}
	}
	if !s.IsActive() {
		return nil
	}
	if !f.Has(swap.IsPartyPaymentConfirmed) {
		_, err := d.deps.Runner.Start(d.partyPaymentTask(s))
		return err
	}
	return nil
}
