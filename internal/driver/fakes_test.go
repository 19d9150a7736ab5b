package driver

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/contracts/htlc"
	"github.com/klingon-exchange/swapd/internal/locker"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/task"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	return w
}

func deriveAddress(t *testing.T, w *wallet.Wallet, symbol string, index uint32) string {
	t.Helper()
	addr, err := w.DeriveAddress(symbol, 0, index)
	if err != nil {
		t.Fatalf("DeriveAddress(%s, %d) error = %v", symbol, index, err)
	}
	return addr
}

func testSwapConfig() config.SwapConfig {
	return config.SwapConfig{
		InitiatorLockTime:         swap.DefaultInitiatorLockTime,
		AcceptorLockTime:          swap.DefaultAcceptorLockTime,
		LockTimeMargin:            swap.DefaultLockTimeMargin,
		ConfirmationCheckInterval: 5 * time.Millisecond,
		OutputSpentCheckInterval:  5 * time.Millisecond,
		RedeemWaitInterval:        5 * time.Millisecond,
		BroadcastRetries:          2,
		BroadcastBackoff:          time.Millisecond,
	}
}

func testDeps(t *testing.T, signer backend.Signer, l Listener) Deps {
	t.Helper()
	runner := task.NewRunner(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runner.Shutdown(ctx)
	})
	return Deps{
		Runner:   runner,
		Locker:   locker.New(),
		Listener: l,
		Signer:   signer,
		Config:   testSwapConfig(),
		Logger:   logging.Discard(),
	}
}

// newTestSwap creates a swap selling sold for purchased. Both parties of a
// test exchange share ts so their lock times line up.
func newTestSwap(t *testing.T, id uint64, initiator bool, sold, purchased string, soldAmount, purchasedAmount uint64, ts time.Time, local swap.Party) *swap.Swap {
	t.Helper()
	terms := swap.Terms{
		Symbol:            sold + "/" + purchased,
		Side:              swap.SideSell,
		Price:             1,
		Qty:               1,
		TimeStamp:         ts,
		SoldCurrency:      sold,
		PurchasedCurrency: purchased,
		SoldAmount:        soldAmount,
		PurchasedAmount:   purchasedAmount,
	}
	s, err := swap.New(id, terms, initiator, swap.HashHash256, swap.DefaultLockTimes(), local)
	if err != nil {
		t.Fatalf("swap.New() error = %v", err)
	}
	return s
}

func commit(t *testing.T, secret *swap.Secret, swaps ...*swap.Swap) {
	t.Helper()
	for _, s := range swaps {
		if err := s.SetSecretHash(swap.Commit(s.Scheme, secret)); err != nil {
			t.Fatalf("SetSecretHash() error = %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// =============================================================================
// Listener
// =============================================================================

type recordingListener struct {
	mu       sync.Mutex
	updates  int
	failures []error
	events   []string
}

func (l *recordingListener) SwapUpdated(s *swap.Swap, added swap.StateFlags) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates++
}

func (l *recordingListener) InitiatorPaymentConfirmed(s *swap.Swap) {
	l.event("initiator_payment_confirmed")
}

func (l *recordingListener) AcceptorPaymentConfirmed(s *swap.Swap) {
	l.event("acceptor_payment_confirmed")
}

func (l *recordingListener) AcceptorPaymentSpent(s *swap.Swap) {
	l.event("acceptor_payment_spent")
}

func (l *recordingListener) SwapFailed(s *swap.Swap, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *recordingListener) event(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, name)
}

func (l *recordingListener) Failures() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.failures...)
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// =============================================================================
// UTXO backend
// =============================================================================

// fakeUTXO is an in-memory block explorer. Broadcast transactions are
// decoded and indexed by the addresses they pay.
type fakeUTXO struct {
	mu         sync.Mutex
	net        *chaincfg.Params
	txs        map[string]*backend.Transaction
	raw        map[string]*wire.MsgTx
	byAddress  map[string][]string
	utxos      map[string][]backend.UTXO
	outspends  map[string]backend.Outspend
	broadcasts int
	funded     int
	failNext   int // broadcasts to fail transiently
	// failTimeLocked fails broadcasts of time-locked transactions
	// transiently.
	failTimeLocked int
}

func newFakeUTXO(net *chaincfg.Params) *fakeUTXO {
	return &fakeUTXO{
		net:       net,
		txs:       make(map[string]*backend.Transaction),
		raw:       make(map[string]*wire.MsgTx),
		byAddress: make(map[string][]string),
		utxos:     make(map[string][]backend.UTXO),
		outspends: make(map[string]backend.Outspend),
	}
}

func outpointKey(txID string, vout uint32) string { return fmt.Sprintf("%s:%d", txID, vout) }

func (f *fakeUTXO) fund(address string, amounts ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range amounts {
		f.funded++
		txID := fmt.Sprintf("%064x", f.funded)
		f.utxos[address] = append(f.utxos[address], backend.UTXO{TxID: txID, Vout: 0, Amount: a, Confirmations: 6})
	}
}

func (f *fakeUTXO) confirm(txID string, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[txID]; ok {
		tx.Confirmed = n > 0
		tx.Confirmations = n
	}
}

func (f *fakeUTXO) tx(txID string) *wire.MsgTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw[txID]
}

func (f *fakeUTXO) setFailTimeLocked(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTimeLocked = n
}

func (f *fakeUTXO) Broadcasts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts
}

func (f *fakeUTXO) Type() backend.Type                { return backend.TypeMempool }
func (f *fakeUTXO) Connect(ctx context.Context) error { return nil }
func (f *fakeUTXO) Close() error                      { return nil }
func (f *fakeUTXO) IsConnected() bool                 { return true }

func (f *fakeUTXO) GetAddressUTXOs(ctx context.Context, address string) ([]backend.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.UTXO(nil), f.utxos[address]...), nil
}

func (f *fakeUTXO) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]backend.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.byAddress[address]
	if !ok {
		return nil, backend.ErrAddressNotFound
	}
	out := make([]backend.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.txs[id])
	}
	return out, nil
}

func (f *fakeUTXO) GetTransaction(ctx context.Context, txID string) (*backend.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txID]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeUTXO) GetOutspend(ctx context.Context, txID string, vout uint32) (*backend.Outspend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.outspends[outpointKey(txID, vout)]
	return &out, nil
}

func (f *fakeUTXO) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return "", backend.ErrUnavailable
	}
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrBroadcastFailed, err)
	}
	msg := wire.NewMsgTx(2)
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrBroadcastFailed, err)
	}
	txID := msg.TxHash().String()
	if _, ok := f.txs[txID]; ok {
		return "", fmt.Errorf("%w: txn-already-known", backend.ErrBroadcastFailed)
	}
	if msg.LockTime != 0 && f.failTimeLocked > 0 {
		f.failTimeLocked--
		return "", backend.ErrUnavailable
	}
	for _, in := range msg.TxIn {
		prev := in.PreviousOutPoint
		if out := f.outspends[outpointKey(prev.Hash.String(), prev.Index)]; out.Spent {
			return "", fmt.Errorf("%w: txn-mempool-conflict with %s", backend.ErrBroadcastFailed, out.TxID)
		}
	}
	f.broadcasts++

	tx := &backend.Transaction{TxID: txID, Version: msg.Version, LockTime: msg.LockTime}
	for vin, in := range msg.TxIn {
		prev := in.PreviousOutPoint
		witness := make([]string, len(in.Witness))
		for i, w := range in.Witness {
			witness[i] = hex.EncodeToString(w)
		}
		tx.Inputs = append(tx.Inputs, backend.TxInput{
			TxID:     prev.Hash.String(),
			Vout:     prev.Index,
			Witness:  witness,
			Sequence: in.Sequence,
		})
		f.outspends[outpointKey(prev.Hash.String(), prev.Index)] = backend.Outspend{Spent: true, TxID: txID, Vin: uint32(vin)}
	}
	for _, out := range msg.TxOut {
		o := backend.TxOutput{ScriptPubKey: hex.EncodeToString(out.PkScript), Value: uint64(out.Value)}
		if _, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, f.net); err == nil && len(addrs) == 1 {
			o.ScriptPubKeyAddr = addrs[0].EncodeAddress()
			f.byAddress[o.ScriptPubKeyAddr] = append(f.byAddress[o.ScriptPubKeyAddr], txID)
		}
		tx.Outputs = append(tx.Outputs, o)
	}
	f.txs[txID] = tx
	f.raw[txID] = msg
	return txID, nil
}

func (f *fakeUTXO) GetBlockHeight(ctx context.Context) (int64, error) { return 800_000, nil }

func (f *fakeUTXO) GetFeeEstimates(ctx context.Context) (*backend.FeeEstimate, error) {
	return &backend.FeeEstimate{FastestFee: 20, HalfHourFee: 10, HourFee: 5, EconomyFee: 2, MinimumFee: 1}, nil
}

// =============================================================================
// EVM backend
// =============================================================================

var contractABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(htlc.ABI))
	if err != nil {
		panic(err)
	}
	return a
}()

// fakeEVM executes HTLC contract calls in memory.
type fakeEVM struct {
	mu        sync.Mutex
	chainID   *big.Int
	balances  map[common.Address]*big.Int
	tokens    map[common.Address]*big.Int
	allowance map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	gasPrice  *big.Int
	sent      []*types.Transaction
	mined     map[common.Hash]int64
	reverted  map[common.Hash]bool
	locks     map[[32]byte]*backend.HTLCLock
	redeems   map[[32]byte]backend.HTLCRedeem
	refunds   map[[32]byte]backend.HTLCRefund
}

func newFakeEVM(chainID uint64) *fakeEVM {
	return &fakeEVM{
		chainID:   new(big.Int).SetUint64(chainID),
		balances:  make(map[common.Address]*big.Int),
		tokens:    make(map[common.Address]*big.Int),
		allowance: make(map[common.Address]*big.Int),
		nonces:    make(map[common.Address]uint64),
		gasPrice:  big.NewInt(10_000_000_000), // 10 gwei
		mined:     make(map[common.Hash]int64),
		reverted:  make(map[common.Hash]bool),
		locks:     make(map[[32]byte]*backend.HTLCLock),
		redeems:   make(map[[32]byte]backend.HTLCRedeem),
		refunds:   make(map[[32]byte]backend.HTLCRefund),
	}
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func (f *fakeEVM) setBalance(addr string, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[common.HexToAddress(addr)] = v
}

func (f *fakeEVM) setTokens(addr string, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[common.HexToAddress(addr)] = v
}

func (f *fakeEVM) mine(hash string, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mined[common.HexToHash(hash)] = n
}

func (f *fakeEVM) lock(hash []byte) *backend.HTLCLock {
	f.mu.Lock()
	defer f.mu.Unlock()
	var key [32]byte
	copy(key[:], hash)
	return f.locks[key]
}

// shiftRefund moves the refund time of the lock committed to hash.
func (f *fakeEVM) shiftRefund(hash []byte, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var key [32]byte
	copy(key[:], hash)
	if l, ok := f.locks[key]; ok {
		l.RefundTimestamp += int64(d / time.Second)
	}
}

func (f *fakeEVM) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func orZeroBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func (f *fakeEVM) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeEVM) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(orZeroBig(f.balances[account])), nil
}

func (f *fakeEVM) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(orZeroBig(f.tokens[account])), nil
}

func (f *fakeEVM) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(orZeroBig(f.allowance[owner])), nil
}

func (f *fakeEVM) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeEVM) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeEVM) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.NewEIP155Signer(f.chainID), tx)
	if err != nil {
		return fmt.Errorf("%w: invalid sender: %v", backend.ErrBroadcastFailed, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prev := range f.sent {
		if prev.Hash() == tx.Hash() {
			return fmt.Errorf("%w: already known", backend.ErrBroadcastFailed)
		}
	}
	if tx.Nonce() != f.nonces[from] {
		return fmt.Errorf("%w: nonce %d, want %d", backend.ErrBroadcastFailed, tx.Nonce(), f.nonces[from])
	}
	f.nonces[from]++
	f.sent = append(f.sent, tx)

	data := tx.Data()
	if len(data) < 4 {
		return nil
	}
	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		return nil
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrBroadcastFailed, err)
	}

	switch method.Name {
	case "initiate":
		hash := args[0].([32]byte)
		f.locks[hash] = &backend.HTLCLock{
			TxHash:          tx.Hash(),
			SecretHash:      hash,
			Initiator:       from,
			Participant:     args[1].(common.Address),
			RefundTimestamp: args[2].(*big.Int).Int64(),
			Value:           tx.Value(),
			Payoff:          args[3].(*big.Int),
		}
	case "initiateToken":
		hash := args[0].([32]byte)
		f.locks[hash] = &backend.HTLCLock{
			TxHash:          tx.Hash(),
			SecretHash:      hash,
			Initiator:       from,
			Token:           args[1].(common.Address),
			Participant:     args[2].(common.Address),
			RefundTimestamp: args[3].(*big.Int).Int64(),
			Value:           args[4].(*big.Int),
			Payoff:          args[5].(*big.Int),
		}
	case "redeem":
		hash := args[0].([32]byte)
		f.redeems[hash] = backend.HTLCRedeem{TxHash: tx.Hash(), SecretHash: hash, Secret: args[1].([32]byte)}
	case "refund":
		hash := args[0].([32]byte)
		f.refunds[hash] = backend.HTLCRefund{TxHash: tx.Hash(), SecretHash: hash}
	case "approve":
		f.allowance[from] = args[1].(*big.Int)
	}
	return nil
}

func (f *fakeEVM) Confirmations(ctx context.Context, txHash common.Hash) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.mined[txHash]
	if !ok {
		return 0, false, backend.ErrTxNotFound
	}
	return n, !f.reverted[txHash], nil
}

func (f *fakeEVM) FindLocks(ctx context.Context, contract common.Address, secretHash [32]byte) ([]backend.HTLCLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[secretHash]; ok {
		return []backend.HTLCLock{*l}, nil
	}
	return nil, nil
}

func (f *fakeEVM) FindRedeems(ctx context.Context, contract common.Address, secretHash [32]byte) ([]backend.HTLCRedeem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.redeems[secretHash]; ok {
		return []backend.HTLCRedeem{r}, nil
	}
	return nil, nil
}

func (f *fakeEVM) FindRefunds(ctx context.Context, contract common.Address, secretHash [32]byte) ([]backend.HTLCRefund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.refunds[secretHash]; ok {
		return []backend.HTLCRefund{r}, nil
	}
	return nil, nil
}

func (f *fakeEVM) Close() {}
