package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/klingon-exchange/swapd/internal/contracts/htlc"
)

// ethRPC is the subset of ethclient.Client the EVM backend uses.
type ethRPC interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EVMClient implements EVMBackend over an Ethereum JSON-RPC node.
type EVMClient struct {
	rpc ethRPC
	// FromBlock bounds log searches. Zero searches from genesis.
	FromBlock uint64
}

// DialEVM connects to an EVM JSON-RPC endpoint.
func DialEVM(ctx context.Context, url string) (*EVMClient, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return &EVMClient{rpc: c}, nil
}

// NewEVMClient wraps an existing client.
func NewEVMClient(c *ethclient.Client) *EVMClient {
	return &EVMClient{rpc: c}
}

// ChainID returns the chain id reported by the node.
func (e *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := e.rpc.ChainID(ctx)
	return id, wrapRPC(err)
}

// BalanceAt returns the latest native balance of account in wei.
func (e *EVMClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	b, err := e.rpc.BalanceAt(ctx, account, nil)
	return b, wrapRPC(err)
}

// TokenBalance returns the ERC-20 balance of account.
func (e *EVMClient) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := htlc.PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	return e.callUint(ctx, token, "balanceOf", data)
}

// Allowance returns how much spender may pull from owner.
func (e *EVMClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := htlc.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	return e.callUint(ctx, token, "allowance", data)
}

func (e *EVMClient) callUint(ctx context.Context, to common.Address, method string, data []byte) (*big.Int, error) {
	out, err := e.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, wrapRPC(err)
	}
	return htlc.UnpackUint256(method, out)
}

// PendingNonceAt returns the next nonce for account.
func (e *EVMClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	n, err := e.rpc.PendingNonceAt(ctx, account)
	return n, wrapRPC(err)
}

// SuggestGasPrice returns the node's legacy gas price suggestion.
func (e *EVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	p, err := e.rpc.SuggestGasPrice(ctx)
	return p, wrapRPC(err)
}

// SendTransaction submits a signed transaction.
func (e *EVMClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := e.rpc.SendTransaction(ctx, tx); err != nil {
		if IsTransient(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return nil
}

// Confirmations returns the confirmations of a mined transaction.
func (e *EVMClient) Confirmations(ctx context.Context, txHash common.Hash) (int64, bool, error) {
	receipt, err := e.rpc.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return 0, false, ErrTxNotFound
	}
	if err != nil {
		return 0, false, wrapRPC(err)
	}
	head, err := e.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, false, wrapRPC(err)
	}

	var confs int64
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		confs = int64(head-receipt.BlockNumber.Uint64()) + 1
	}
	return confs, receipt.Status == types.ReceiptStatusSuccessful, nil
}

// FindLocks returns Initiated events for secretHash.
func (e *EVMClient) FindLocks(ctx context.Context, contract common.Address, secretHash [32]byte) ([]HTLCLock, error) {
	logs, err := e.filter(ctx, contract, htlc.InitiatedTopic, secretHash)
	if err != nil {
		return nil, err
	}
	var locks []HTLCLock
	for _, l := range logs {
		ev, err := htlc.UnpackInitiated(l)
		if err != nil {
			return nil, err
		}
		locks = append(locks, HTLCLock{
			TxHash:          l.TxHash,
			BlockNumber:     l.BlockNumber,
			SecretHash:      ev.SecretHash,
			Initiator:       ev.Initiator,
			Participant:     ev.Participant,
			Token:           ev.Token,
			RefundTimestamp: ev.RefundTimestamp,
			Value:           ev.Value,
			Payoff:          ev.Payoff,
		})
	}
	return locks, nil
}

// FindRedeems returns Redeemed events for secretHash.
func (e *EVMClient) FindRedeems(ctx context.Context, contract common.Address, secretHash [32]byte) ([]HTLCRedeem, error) {
	logs, err := e.filter(ctx, contract, htlc.RedeemedTopic, secretHash)
	if err != nil {
		return nil, err
	}
	var redeems []HTLCRedeem
	for _, l := range logs {
		ev, err := htlc.UnpackRedeemed(l)
		if err != nil {
			return nil, err
		}
		redeems = append(redeems, HTLCRedeem{
			TxHash:      l.TxHash,
			BlockNumber: l.BlockNumber,
			SecretHash:  ev.SecretHash,
			Secret:      ev.Secret,
		})
	}
	return redeems, nil
}

// FindRefunds returns Refunded events for secretHash.
func (e *EVMClient) FindRefunds(ctx context.Context, contract common.Address, secretHash [32]byte) ([]HTLCRefund, error) {
	logs, err := e.filter(ctx, contract, htlc.RefundedTopic, secretHash)
	if err != nil {
		return nil, err
	}
	refunds := make([]HTLCRefund, 0, len(logs))
	for _, l := range logs {
		refunds = append(refunds, HTLCRefund{
			TxHash:      l.TxHash,
			BlockNumber: l.BlockNumber,
			SecretHash:  secretHash,
		})
	}
	return refunds, nil
}

func (e *EVMClient) filter(ctx context.Context, contract common.Address, topic common.Hash, secretHash [32]byte) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(e.FromBlock),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic}, {secretHash}},
	}
	logs, err := e.rpc.FilterLogs(ctx, q)
	if err != nil {
		return nil, wrapRPC(err)
	}
	live := logs[:0]
	for _, l := range logs {
		if !l.Removed {
			live = append(live, l)
		}
	}
	return live, nil
}

// Close closes the RPC connection.
func (e *EVMClient) Close() {
	e.rpc.Close()
}

// wrapRPC marks connectivity failures as ErrUnavailable so callers retry.
func wrapRPC(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		if httpErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// Ensure EVMClient implements EVMBackend
var _ EVMBackend = (*EVMClient)(nil)
