// Package backend provides the chain adapters swap drivers talk to: REST
// block explorers for UTXO chains and JSON-RPC nodes for EVM chains.
// No private keys are handled here; signing goes through a Signer.
package backend

import (
	"context"
	"errors"
	"math/big"
	"net"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("backend unavailable")
	ErrTimeout         = errors.New("backend timeout")
)

// IsTransient reports whether err is a connectivity failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
	TypeEVM     Type = "evm"     // Ethereum JSON-RPC
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"` // in smallest unit (satoshis)
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction represents a transaction.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Witness  []string  `json:"witness,omitempty"` // hex items
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// Outspend reports whether an output has been spent, and by what.
type Outspend struct {
	Spent     bool   `json:"spent"`
	TxID      string `json:"txid,omitempty"`
	Vin       uint32 `json:"vin,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// UTXOBackend is a block explorer for a Bitcoin-family chain.
type UTXOBackend interface {
	Type() Type
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// HTLCLock is an observed lock in the HTLC contract.
type HTLCLock struct {
	TxHash          common.Hash
	BlockNumber     uint64
	SecretHash      [32]byte
	Initiator       common.Address
	Participant     common.Address
	Token           common.Address
	RefundTimestamp int64
	Value           *big.Int
	Payoff          *big.Int
}

// HTLCRedeem is an observed redeem revealing the secret.
type HTLCRedeem struct {
	TxHash      common.Hash
	BlockNumber uint64
	SecretHash  [32]byte
	Secret      [32]byte
}

// HTLCRefund is an observed refund.
type HTLCRefund struct {
	TxHash      common.Hash
	BlockNumber uint64
	SecretHash  [32]byte
}

// EVMBackend is an EVM JSON-RPC node with knowledge of the HTLC contract.
type EVMBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// Confirmations returns the confirmation count of a mined transaction
	// and whether it succeeded. ErrTxNotFound means not mined yet.
	Confirmations(ctx context.Context, txHash common.Hash) (int64, bool, error)

	FindLocks(ctx context.Context, contract common.Address, secretHash [32]byte) ([]HTLCLock, error)
	FindRedeems(ctx context.Context, contract common.Address, secretHash [32]byte) ([]HTLCRedeem, error)
	FindRefunds(ctx context.Context, contract common.Address, secretHash [32]byte) ([]HTLCRefund, error)

	Close()
}

// Signer signs on behalf of wallet addresses. Keys never leave it.
type Signer interface {
	// PublicKey returns the 33-byte compressed key of address.
	PublicKey(ctx context.Context, currency, address string) ([]byte, error)
	// SignDigest signs a 32-byte digest and returns [R || S || V], V in {0,1}.
	SignDigest(ctx context.Context, currency, address string, digest []byte) ([]byte, error)
}

// Registry holds backend instances by chain symbol.
type Registry struct {
	utxo map[string]UTXOBackend
	evm  map[string]EVMBackend
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		utxo: make(map[string]UTXOBackend),
		evm:  make(map[string]EVMBackend),
	}
}

// RegisterUTXO adds a UTXO backend.
func (r *Registry) RegisterUTXO(symbol string, b UTXOBackend) {
	r.utxo[symbol] = b
}

// RegisterEVM adds an EVM backend.
func (r *Registry) RegisterEVM(symbol string, b EVMBackend) {
	r.evm[symbol] = b
}

// UTXO returns the UTXO backend for symbol.
func (r *Registry) UTXO(symbol string) (UTXOBackend, bool) {
	b, ok := r.utxo[symbol]
	return b, ok
}

// EVM returns the EVM backend for symbol.
func (r *Registry) EVM(symbol string) (EVMBackend, bool) {
	b, ok := r.evm[symbol]
	return b, ok
}

// List returns all registered symbols, sorted.
func (r *Registry) List() []string {
	symbols := make([]string, 0, len(r.utxo)+len(r.evm))
	for s := range r.utxo {
		symbols = append(symbols, s)
	}
	for s := range r.evm {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// ConnectAll connects all registered UTXO backends.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for _, b := range r.utxo {
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CloseAll closes all registered backends.
func (r *Registry) CloseAll() {
	for _, b := range r.utxo {
		b.Close()
	}
	for _, b := range r.evm {
		b.Close()
	}
}
