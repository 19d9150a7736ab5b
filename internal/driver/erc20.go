package driver

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/contracts/htlc"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// NewERC20Driver creates the driver of a token held in the HTLC contract.
// Gas is paid in the chain's native coin.
func NewERC20Driver(params *chain.Params, cc *config.ChainConfig, b backend.EVMBackend, deps Deps) (Driver, error) {
	tokenAddr := cc.Token
	if tokenAddr == "" {
		tokenAddr = params.TokenAddress
	}
	if !common.IsHexAddress(tokenAddr) {
		return nil, fmt.Errorf("%s: invalid token address %q", params.Symbol, tokenAddr)
	}
	ops, err := newEVMOps(params, cc, b, deps, common.HexToAddress(tokenAddr))
	if err != nil {
		return nil, err
	}
	d, err := newSwapDriver(params, cc, swap.HashHash256, &erc20Ops{evmOps: ops}, deps)
	if err != nil {
		return nil, err
	}
	return d, nil
}

type erc20Ops struct {
	*evmOps
}

// buildPayment approves the contract when the allowance is short, then
// locks the tokens. Both transactions are signed up front with consecutive
// nonces.
func (o *erc20Ops) buildPayment(ctx context.Context, s *swap.Swap) (*signedTx, error) {
	const op = "pay"
	hash, err := secretHash32(s)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	local, remote := s.Local(), s.Remote()
	from, err := address(local.RefundAddress)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	participant, err := address(remote.Address)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}

	value := o.toChain(s.SoldAmount + remote.RewardForRedeem)
	tokens, err := o.backend.TokenBalance(ctx, o.token, from)
	if err != nil {
		return nil, err
	}
	if tokens.Cmp(value) < 0 {
		return nil, swap.InsufficientFunds(op, o.toUnits(value), o.toUnits(tokens))
	}
	allowance, err := o.backend.Allowance(ctx, o.token, from, o.contract)
	if err != nil {
		return nil, err
	}
	needApprove := allowance.Cmp(value) < 0

	gasPrice, err := o.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gas := o.cc.GasLimitInitiate
	if needApprove {
		gas += o.cc.GasLimitApprove
	}
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gas))
	native, err := o.backend.BalanceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	if native.Cmp(fee) < 0 {
		return nil, o.insufficient(op, fee, native)
	}

	nonce, err := o.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	var txs []*types.Transaction
	if needApprove {
		data, err := htlc.PackApprove(o.contract, value)
		if err != nil {
			return nil, err
		}
		approve, err := o.newTx(ctx, local.RefundAddress, o.token, new(big.Int), data, o.cc.GasLimitApprove, nonce, gasPrice)
		if err != nil {
			return nil, err
		}
		txs = append(txs, approve)
		nonce++
	}

	data, err := htlc.PackInitiateToken(hash, o.token, participant, s.PaymentRefundTime(), value, o.toChain(remote.RewardForRedeem))
	if err != nil {
		return nil, err
	}
	initiate, err := o.newTx(ctx, local.RefundAddress, o.contract, new(big.Int), data, o.cc.GasLimitInitiate, nonce, gasPrice)
	if err != nil {
		return nil, err
	}
	txs = append(txs, initiate)

	o.log.Debug("Token payment built", "swap_id", s.ID, "approve", needApprove, "nonce", nonce)
	return o.signed(o.contract.Hex(), txs...), nil
}

// rewardForRedeem is zero: gas is paid in the native coin and a token
// reward cannot be priced against it.
func (o *erc20Ops) rewardForRedeem(ctx context.Context, s *swap.Swap) (uint64, error) {
	o.log.Debug("No redeem reward for token swaps", "swap_id", s.ID)
	return 0, nil
}
