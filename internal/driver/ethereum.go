package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/contracts/htlc"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// gweiDecimals is the precision gas shortfalls are reported in.
const gweiDecimals = 9

// ErrNoContract is returned for an EVM chain without an HTLC contract.
var ErrNoContract = errors.New("no HTLC contract configured")

// NewEthereumDriver creates the driver of a native EVM coin. The HTLC
// contract commits to hash256 only.
func NewEthereumDriver(params *chain.Params, cc *config.ChainConfig, b backend.EVMBackend, deps Deps) (Driver, error) {
	ops, err := newEVMOps(params, cc, b, deps, common.Address{})
	if err != nil {
		return nil, err
	}
	d, err := newSwapDriver(params, cc, swap.HashHash256, ops, deps)
	if err != nil {
		return nil, err
	}
	return d, nil
}

type evmOps struct {
	params   *chain.Params
	cc       *config.ChainConfig
	backend  backend.EVMBackend
	signer   backend.Signer
	contract common.Address
	token    common.Address // zero for the native coin
	chainID  *big.Int
	log      *logging.Logger
}

func newEVMOps(params *chain.Params, cc *config.ChainConfig, b backend.EVMBackend, deps Deps, token common.Address) (*evmOps, error) {
	if scheme, err := swap.ParseHashScheme(cc.HashScheme); err != nil {
		return nil, err
	} else if scheme != swap.HashHash256 {
		return nil, fmt.Errorf("%w: %s contract needs %s, configured %s", swap.ErrIncompatibleCommitment, params.Symbol, swap.HashHash256, scheme)
	}
	if cc.Contract == "" || !common.IsHexAddress(cc.Contract) {
		return nil, fmt.Errorf("%w: %s", ErrNoContract, params.Symbol)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &evmOps{
		params:   params,
		cc:       cc,
		backend:  b,
		signer:   deps.Signer,
		contract: common.HexToAddress(cc.Contract),
		token:    token,
		chainID:  new(big.Int).SetUint64(params.ChainID),
		log:      logger.Component("evm").With("currency", params.Symbol),
	}, nil
}

func (o *evmOps) supportsReward() bool { return true }

// toChain converts swap units to the chain's base units.
func (o *evmOps) toChain(amount uint64) *big.Int {
	return helpers.ScaleUp(amount, o.params.UnitDecimals, o.params.Decimals)
}

// toUnits converts chain base units to swap units, saturating on overflow.
func (o *evmOps) toUnits(v *big.Int) uint64 {
	u, ok := helpers.ScaleDown(v, o.params.Decimals, o.params.UnitDecimals)
	if !ok {
		if v != nil && v.Sign() > 0 {
			return math.MaxUint64
		}
		return 0
	}
	return u
}

// insufficient reports a native balance shortfall. Token drivers only spend
// the native coin on gas, reported in gwei.
func (o *evmOps) insufficient(op string, need, have *big.Int) error {
	if o.token != (common.Address{}) {
		return swap.InsufficientFunds(op, gwei(need), gwei(have))
	}
	return swap.InsufficientFunds(op, o.toUnits(need), o.toUnits(have))
}

func gwei(wei *big.Int) uint64 {
	u, ok := helpers.ScaleDown(wei, 18, gweiDecimals)
	if !ok {
		return math.MaxUint64
	}
	return u
}

func secretHash32(s *swap.Swap) ([32]byte, error) {
	var out [32]byte
	hash := s.SecretHash()
	if len(hash) != len(out) {
		return out, fmt.Errorf("%w: contract needs 32 bytes, got %d", swap.ErrInvalidSecretHash, len(hash))
	}
	copy(out[:], hash)
	return out, nil
}

func address(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("invalid address %q", addr)
	}
	return common.HexToAddress(addr), nil
}

// =============================================================================
// Transactions
// =============================================================================

// newTx signs a legacy transaction from from.
func (o *evmOps) newTx(ctx context.Context, from string, to common.Address, value *big.Int, data []byte, gas, nonce uint64, gasPrice *big.Int) (*types.Transaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signer := types.NewEIP155Signer(o.chainID)
	digest := signer.Hash(tx)
	sig, err := o.signer.SignDigest(ctx, o.params.Symbol, from, digest[:])
	if err != nil {
		return nil, swap.Signing("sign", err)
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, swap.Signing("sign", err)
	}
	return signed, nil
}

// contractCall signs a call to the HTLC contract from from and checks the
// sender can pay for it.
func (o *evmOps) contractCall(ctx context.Context, op, from string, value *big.Int, data []byte, gas uint64) (*types.Transaction, error) {
	sender, err := address(from)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	gasPrice, err := o.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := o.backend.BalanceAt(ctx, sender)
	if err != nil {
		return nil, err
	}
	need := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gas))
	need.Add(need, value)
	if balance.Cmp(need) < 0 {
		return nil, o.insufficient(op, need, balance)
	}
	nonce, err := o.backend.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, err
	}
	return o.newTx(ctx, from, o.contract, value, data, gas, nonce, gasPrice)
}

func (o *evmOps) buildPayment(ctx context.Context, s *swap.Swap) (*signedTx, error) {
	const op = "pay"
	hash, err := secretHash32(s)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	participant, err := address(s.Remote().Address)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	reward := s.Remote().RewardForRedeem
	data, err := htlc.PackInitiate(hash, participant, s.PaymentRefundTime(), o.toChain(reward))
	if err != nil {
		return nil, err
	}
	tx, err := o.contractCall(ctx, op, s.Local().RefundAddress, o.toChain(s.SoldAmount+reward), data, o.cc.GasLimitInitiate)
	if err != nil {
		return nil, err
	}
	return o.signed(o.contract.Hex(), tx), nil
}

func (o *evmOps) buildRedeem(ctx context.Context, s *swap.Swap, secret *swap.Secret) (*signedTx, error) {
	return o.redeemFrom(ctx, "redeem", s, s.Local().Address, secret)
}

func (o *evmOps) buildRedeemForParty(ctx context.Context, s *swap.Swap, secret *swap.Secret) (*signedTx, error) {
	return o.redeemFrom(ctx, "redeem for party", s, s.Local().RefundAddress, secret)
}

func (o *evmOps) redeemFrom(ctx context.Context, op string, s *swap.Swap, from string, secret *swap.Secret) (*signedTx, error) {
	hash, err := secretHash32(s)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	data, err := packRedeem(hash, secret)
	if err != nil {
		return nil, err
	}
	tx, err := o.contractCall(ctx, op, from, new(big.Int), data, o.cc.GasLimitRedeem)
	if err != nil {
		return nil, err
	}
	return o.signed(o.contract.Hex(), tx), nil
}

func packRedeem(hash [32]byte, secret *swap.Secret) ([]byte, error) {
	var preimage [32]byte
	b := secret.Bytes()
	copy(preimage[:], b)
	helpers.Wipe(b)
	defer helpers.Wipe(preimage[:])
	return htlc.PackRedeem(hash, preimage)
}

func (o *evmOps) buildRefund(ctx context.Context, s *swap.Swap) (*signedTx, error) {
	const op = "refund"
	hash, err := secretHash32(s)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	data, err := htlc.PackRefund(hash)
	if err != nil {
		return nil, err
	}
	tx, err := o.contractCall(ctx, op, s.Local().RefundAddress, new(big.Int), data, o.cc.GasLimitRefund)
	if err != nil {
		return nil, err
	}
	return o.signed(o.contract.Hex(), tx), nil
}

// signed wraps txs, sent in order. The last one is the one recorded.
func (o *evmOps) signed(script string, txs ...*types.Transaction) *signedTx {
	last := txs[len(txs)-1]
	return &signedTx{
		TxID:   last.Hash().Hex(),
		Script: script,
		send: func(ctx context.Context) error {
			for _, tx := range txs {
				if err := o.send(ctx, tx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (o *evmOps) send(ctx context.Context, tx *types.Transaction) error {
	err := o.backend.SendTransaction(ctx, tx)
	if err == nil || !errors.Is(err, backend.ErrBroadcastFailed) {
		return err
	}
	if strings.Contains(err.Error(), "already known") {
		return nil
	}
	// Resent after it was mined.
	if _, _, cerr := o.backend.Confirmations(ctx, tx.Hash()); cerr == nil {
		return nil
	}
	return err
}

// =============================================================================
// Lookups
// =============================================================================

func (o *evmOps) lockOf(ctx context.Context, l backend.HTLCLock) (*Lock, error) {
	confs, _, err := o.backend.Confirmations(ctx, l.TxHash)
	if err != nil && !errors.Is(err, backend.ErrTxNotFound) {
		return nil, err
	}
	return &Lock{
		TxID:          l.TxHash.Hex(),
		Script:        o.contract.Hex(),
		Amount:        o.toUnits(l.Value),
		Reward:        o.toUnits(l.Payoff),
		RefundTime:    time.Unix(l.RefundTimestamp, 0),
		Confirmations: confs,
	}, nil
}

func (o *evmOps) findPayment(ctx context.Context, s *swap.Swap) (*Lock, error) {
	hash, err := secretHash32(s)
	if err != nil {
		return nil, err
	}
	locks, err := o.backend.FindLocks(ctx, o.contract, hash)
	if err != nil {
		return nil, err
	}
	from := strings.ToLower(s.Local().RefundAddress)
	for _, l := range locks {
		if strings.ToLower(l.Initiator.Hex()) == from {
			return o.lockOf(ctx, l)
		}
	}
	return nil, nil
}

func (o *evmOps) findPartyLock(ctx context.Context, s *swap.Swap) (*Lock, error) {
	const op = "detect party lock"
	hash, err := secretHash32(s)
	if err != nil {
		return nil, err
	}
	locks, err := o.backend.FindLocks(ctx, o.contract, hash)
	if err != nil {
		return nil, err
	}
	if len(locks) == 0 {
		return nil, nil
	}
	// The contract holds one lock per secret hash.
	l := locks[0]
	local, remote := s.Local(), s.Remote()
	switch {
	case !strings.EqualFold(l.Participant.Hex(), local.Address):
		return nil, swap.Protocol(op, fmt.Errorf("%w: lock pays %s", swap.ErrProtocolViolation, l.Participant.Hex()))
	case remote.RefundAddress != "" && !strings.EqualFold(l.Initiator.Hex(), remote.RefundAddress):
		return nil, swap.Protocol(op, fmt.Errorf("%w: lock funded by %s", swap.ErrProtocolViolation, l.Initiator.Hex()))
	case l.Token != o.token:
		return nil, swap.Protocol(op, fmt.Errorf("%w: lock holds token %s", swap.ErrProtocolViolation, l.Token.Hex()))
	}
	return o.lockOf(ctx, l)
}

func (o *evmOps) findSpend(ctx context.Context, s *swap.Swap) (*spend, error) {
	if s.Local().PaymentTxID == "" {
		return nil, nil
	}
	return o.spendOf(ctx, s)
}

func (o *evmOps) findPartySpend(ctx context.Context, s *swap.Swap) (*spend, error) {
	if s.Remote().PaymentTxID == "" {
		return nil, nil
	}
	return o.spendOf(ctx, s)
}

func (o *evmOps) spendOf(ctx context.Context, s *swap.Swap) (*spend, error) {
	hash, err := secretHash32(s)
	if err != nil {
		return nil, err
	}
	redeems, err := o.backend.FindRedeems(ctx, o.contract, hash)
	if err != nil {
		return nil, err
	}
	if len(redeems) > 0 {
		r := redeems[0]
		secret := append([]byte(nil), r.Secret[:]...)
		return &spend{TxID: r.TxHash.Hex(), Secret: secret}, nil
	}
	refunds, err := o.backend.FindRefunds(ctx, o.contract, hash)
	if err != nil {
		return nil, err
	}
	if len(refunds) > 0 {
		return &spend{TxID: refunds[0].TxHash.Hex(), Refund: true}, nil
	}
	return nil, nil
}

func (o *evmOps) confirmations(ctx context.Context, txID string) (int64, error) {
	confs, ok, err := o.backend.Confirmations(ctx, common.HexToHash(txID))
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if !ok {
		return 0, swap.Internal("confirmations", fmt.Errorf("%w: %s", ErrTxReverted, txID))
	}
	return confs, nil
}

// rewardForRedeem asks for the redeem fee when our receive address cannot
// pay the gas itself.
func (o *evmOps) rewardForRedeem(ctx context.Context, s *swap.Swap) (uint64, error) {
	to, err := address(s.Local().Address)
	if err != nil {
		return 0, err
	}
	balance, err := o.backend.BalanceAt(ctx, to)
	if err != nil {
		return 0, err
	}
	gasPrice, err := o.backend.SuggestGasPrice(ctx)
	if err != nil {
		return 0, err
	}
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(o.cc.GasLimitRedeem))
	return swap.EstimateRewardForRedeem(o.toUnits(balance), o.toUnits(fee), s.PurchasedAmount), nil
}
