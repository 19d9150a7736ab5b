package driver

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Transaction size estimates in vbytes.
const (
	txOverheadVSize  = 11
	p2wpkhInputVSize = 68
	p2wpkhOutVSize   = 31
	p2wshOutVSize    = 43
	htlcInputVSize   = 41 // outpoint, sequence and empty script sig

	dustThreshold = 546
)

// NewBitcoinDriver creates the driver of a Bitcoin-family chain. Locks are
// P2WSH outputs paying to htlcScript.
func NewBitcoinDriver(params *chain.Params, cc *config.ChainConfig, b backend.UTXOBackend, deps Deps) (Driver, error) {
	net, err := params.BTCParams()
	if err != nil {
		return nil, err
	}
	scheme, err := swap.ParseHashScheme(cc.HashScheme)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetDefault()
	}
	ops := &utxoOps{
		params:  params,
		net:     net,
		cc:      cc,
		backend: b,
		signer:  deps.Signer,
		log:     logger.Component("utxo").With("currency", params.Symbol),
	}
	d, err := newSwapDriver(params, cc, scheme, ops, deps)
	if err != nil {
		return nil, err
	}
	return d, nil
}

type utxoOps struct {
	params  *chain.Params
	net     *chaincfg.Params
	cc      *config.ChainConfig
	backend backend.UTXOBackend
	signer  backend.Signer
	log     *logging.Logger
}

func (o *utxoOps) supportsReward() bool { return false }

func (o *utxoOps) rewardForRedeem(context.Context, *swap.Swap) (uint64, error) { return 0, nil }

// =============================================================================
// Scripts
// =============================================================================

// paymentScript is the HTLC of our payment. Once recorded, the script on the
// swap wins over a rebuilt one.
func (o *utxoOps) paymentScript(s *swap.Swap) (*htlcScript, []byte, error) {
	local := s.Local()
	if local.RedeemScript != "" {
		return o.decodeScript(local.RedeemScript)
	}
	recipient, err := pubKeyHash(s.Remote().Address, o.net)
	if err != nil {
		return nil, nil, fmt.Errorf("counterparty address: %w", err)
	}
	refund, err := pubKeyHash(local.RefundAddress, o.net)
	if err != nil {
		return nil, nil, fmt.Errorf("refund address: %w", err)
	}
	h := &htlcScript{
		Scheme:     s.Scheme,
		SecretHash: s.SecretHash(),
		Recipient:  recipient,
		Refund:     refund,
		LockTime:   s.PaymentRefundTime().Unix(),
	}
	script, err := h.Script()
	if err != nil {
		return nil, nil, err
	}
	return h, script, nil
}

// partyScript is the HTLC of the counterparty lock: the script it announced,
// or the one it should have built from the agreed terms.
func (o *utxoOps) partyScript(s *swap.Swap) (*htlcScript, []byte, error) {
	remote := s.Remote()
	if remote.RedeemScript != "" {
		return o.decodeScript(remote.RedeemScript)
	}
	recipient, err := pubKeyHash(s.Local().Address, o.net)
	if err != nil {
		return nil, nil, fmt.Errorf("receive address: %w", err)
	}
	refund, err := pubKeyHash(remote.RefundAddress, o.net)
	if err != nil {
		return nil, nil, fmt.Errorf("counterparty refund address: %w", err)
	}
	h := &htlcScript{
		Scheme:     s.Scheme,
		SecretHash: s.SecretHash(),
		Recipient:  recipient,
		Refund:     refund,
		LockTime:   s.PartyPaymentRefundTime().Unix(),
	}
	script, err := h.Script()
	if err != nil {
		return nil, nil, err
	}
	return h, script, nil
}

func (o *utxoOps) decodeScript(scriptHex string) (*htlcScript, []byte, error) {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	h, err := parseHTLCScript(script)
	if err != nil {
		return nil, nil, err
	}
	return h, script, nil
}

// =============================================================================
// Lookups
// =============================================================================

func (o *utxoOps) findPayment(ctx context.Context, s *swap.Swap) (*Lock, error) {
	h, script, err := o.paymentScript(s)
	if err != nil {
		return nil, err
	}
	return o.scanLock(ctx, h, script)
}

func (o *utxoOps) findPartyLock(ctx context.Context, s *swap.Swap) (*Lock, error) {
	const op = "detect party lock"
	h, script, err := o.partyScript(s)
	if err != nil {
		return nil, swap.Protocol(op, err)
	}
	recipient, err := pubKeyHash(s.Local().Address, o.net)
	if err != nil {
		return nil, swap.Internal(op, err)
	}
	switch {
	case h.Scheme != s.Scheme:
		return nil, swap.Protocol(op, fmt.Errorf("%w: script uses %s", swap.ErrIncompatibleCommitment, h.Scheme))
	case !equalHash(h.SecretHash, s.SecretHash()):
		return nil, swap.Protocol(op, fmt.Errorf("%w: script commits to another secret", swap.ErrProtocolViolation))
	case !bytes.Equal(h.Recipient, recipient):
		return nil, swap.Protocol(op, fmt.Errorf("%w: script pays another recipient", swap.ErrProtocolViolation))
	}
	return o.scanLock(ctx, h, script)
}

// scanLock finds the largest output paying to the P2WSH of script.
func (o *utxoOps) scanLock(ctx context.Context, h *htlcScript, script []byte) (*Lock, error) {
	pkScript, address, err := p2wsh(script, o.net)
	if err != nil {
		return nil, err
	}
	txs, err := o.backend.GetAddressTxs(ctx, address, "")
	if err != nil {
		if errors.Is(err, backend.ErrAddressNotFound) {
			return nil, nil
		}
		return nil, err
	}

	want := hex.EncodeToString(pkScript)
	var best *Lock
	for _, tx := range txs {
		for i, out := range tx.Outputs {
			if out.ScriptPubKey != want {
				continue
			}
			if best != nil && out.Value <= best.Amount {
				continue
			}
			best = &Lock{
				TxID:          tx.TxID,
				Vout:          uint32(i),
				Script:        hex.EncodeToString(script),
				Amount:        out.Value,
				RefundTime:    time.Unix(h.LockTime, 0),
				Confirmations: tx.Confirmations,
			}
		}
	}
	return best, nil
}

func (o *utxoOps) findSpend(ctx context.Context, s *swap.Swap) (*spend, error) {
	txID := s.Local().PaymentTxID
	if txID == "" {
		return nil, nil
	}
	_, script, err := o.paymentScript(s)
	if err != nil {
		return nil, err
	}
	return o.spendOf(ctx, txID, script)
}

func (o *utxoOps) findPartySpend(ctx context.Context, s *swap.Swap) (*spend, error) {
	txID := s.Remote().PaymentTxID
	if txID == "" {
		return nil, nil
	}
	_, script, err := o.partyScript(s)
	if err != nil {
		return nil, err
	}
	return o.spendOf(ctx, txID, script)
}

// spendOf returns how the HTLC output of txID was spent, reading the
// witness of the spending input.
func (o *utxoOps) spendOf(ctx context.Context, txID string, script []byte) (*spend, error) {
	vout, _, err := o.locate(ctx, txID, script)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out, err := o.backend.GetOutspend(ctx, txID, vout)
	if err != nil {
		return nil, err
	}
	if !out.Spent {
		return nil, nil
	}
	tx, err := o.backend.GetTransaction(ctx, out.TxID)
	if err != nil {
		return nil, err
	}
	if int(out.Vin) >= len(tx.Inputs) {
		return nil, fmt.Errorf("spending tx %s has no input %d", out.TxID, out.Vin)
	}
	sp, err := classifyWitness(tx.Inputs[out.Vin].Witness, script)
	if err != nil {
		return nil, err
	}
	sp.TxID = out.TxID
	return sp, nil
}

// locate returns the index and value of the HTLC output of txID.
func (o *utxoOps) locate(ctx context.Context, txID string, script []byte) (uint32, uint64, error) {
	pkScript, _, err := p2wsh(script, o.net)
	if err != nil {
		return 0, 0, err
	}
	tx, err := o.backend.GetTransaction(ctx, txID)
	if err != nil {
		return 0, 0, err
	}
	want := hex.EncodeToString(pkScript)
	for i, out := range tx.Outputs {
		if out.ScriptPubKey == want {
			return uint32(i), out.Value, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s has no HTLC output", ErrPaymentNotFound, txID)
}

func (o *utxoOps) confirmations(ctx context.Context, txID string) (int64, error) {
	tx, err := o.backend.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if !tx.Confirmed {
		return 0, nil
	}
	if tx.Confirmations > 0 {
		return tx.Confirmations, nil
	}
	height, err := o.backend.GetBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	return height - tx.BlockHeight + 1, nil
}

// =============================================================================
// Transactions
// =============================================================================

func (o *utxoOps) feeRate(ctx context.Context) (uint64, error) {
	if o.cc.FeeRate > 0 {
		return o.cc.FeeRate, nil
	}
	est, err := o.backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, err
	}
	if est.HalfHourFee == 0 {
		return 1, nil
	}
	return est.HalfHourFee, nil
}

// buildPayment funds the HTLC output from the refund address. Change goes
// back to the refund address.
func (o *utxoOps) buildPayment(ctx context.Context, s *swap.Swap) (*signedTx, error) {
	const op = "pay"
	_, script, err := o.paymentScript(s)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	htlcPkScript, htlcAddr, err := p2wsh(script, o.net)
	if err != nil {
		return nil, err
	}

	from := s.Local().RefundAddress
	fromAddr, err := btcutil.DecodeAddress(from, o.net)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	fromScript, err := txscript.PayToAddrScript(fromAddr)
	if err != nil {
		return nil, err
	}

	utxos, err := o.backend.GetAddressUTXOs(ctx, from)
	if err != nil && !errors.Is(err, backend.ErrAddressNotFound) {
		return nil, err
	}
	rate, err := o.feeRate(ctx)
	if err != nil {
		return nil, err
	}

	// Largest coins first keeps the input count low.
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Amount > utxos[j].Amount })
	amount := s.SoldAmount
	var (
		selected []backend.UTXO
		total    uint64
		fee      uint64
	)
	for _, u := range utxos {
		selected = append(selected, u)
		total += u.Amount
		fee = rate * uint64(txOverheadVSize+len(selected)*p2wpkhInputVSize+p2wshOutVSize+p2wpkhOutVSize)
		if total >= amount+fee {
			break
		}
	}
	if total < amount+fee || len(selected) == 0 {
		need := amount + rate*uint64(txOverheadVSize+p2wpkhInputVSize+p2wshOutVSize+p2wpkhOutVSize)
		return nil, swap.InsufficientFunds(op, need, total)
	}

	tx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", u.TxID, err)
		}
		in := wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum - 2
		tx.AddTxIn(in)
		prevOuts[in.PreviousOutPoint] = wire.NewTxOut(int64(u.Amount), fromScript)
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), htlcPkScript))
	if change := total - amount - fee; change > dustThreshold {
		tx.AddTxOut(wire.NewTxOut(int64(change), fromScript))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	pubKey, err := o.signer.PublicKey(ctx, o.params.Symbol, from)
	if err != nil {
		return nil, swap.Signing(op, err)
	}
	for i, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		digest, err := txscript.CalcWitnessSigHash(fromScript, sigHashes, txscript.SigHashAll, tx, i, prev.Value)
		if err != nil {
			return nil, swap.Signing(op, err)
		}
		sig, err := o.sign(ctx, from, digest)
		if err != nil {
			return nil, swap.Signing(op, err)
		}
		in.Witness = wire.TxWitness{sig, pubKey}
	}

	o.log.Debug("Payment built", "swap_id", s.ID, "htlc", htlcAddr, "inputs", len(selected), "fee", fee)
	return o.signed(tx, hex.EncodeToString(script))
}

func (o *utxoOps) buildRedeem(ctx context.Context, s *swap.Swap, secret *swap.Secret) (*signedTx, error) {
	h, script, err := o.partyScript(s)
	if err != nil {
		return nil, swap.Precondition("redeem", err)
	}
	txID := s.Remote().PaymentTxID
	if txID == "" {
		return nil, swap.Precondition("redeem", ErrPartyLockNotFound)
	}
	to := s.Local().Address
	return o.buildSpend(ctx, "redeem", txID, h, script, to, secret)
}

func (o *utxoOps) buildRedeemForParty(context.Context, *swap.Swap, *swap.Secret) (*signedTx, error) {
	return nil, swap.Precondition("redeem for party", swap.ErrNotSupported)
}

func (o *utxoOps) buildRefund(ctx context.Context, s *swap.Swap) (*signedTx, error) {
	h, script, err := o.paymentScript(s)
	if err != nil {
		return nil, swap.Precondition("refund", err)
	}
	local := s.Local()
	if local.PaymentTxID == "" {
		return nil, swap.Precondition("refund", ErrNoPayment)
	}
	return o.buildSpend(ctx, "refund", local.PaymentTxID, h, script, local.RefundAddress, nil)
}

// buildSpend spends the HTLC output of lockTxID to address. A nil secret
// takes the refund branch.
func (o *utxoOps) buildSpend(ctx context.Context, op, lockTxID string, h *htlcScript, script []byte, address string, secret *swap.Secret) (*signedTx, error) {
	vout, value, err := o.locate(ctx, lockTxID, script)
	if err != nil {
		return nil, err
	}
	htlcPkScript, _, err := p2wsh(script, o.net)
	if err != nil {
		return nil, err
	}
	toAddr, err := btcutil.DecodeAddress(address, o.net)
	if err != nil {
		return nil, swap.Precondition(op, err)
	}
	toScript, err := txscript.PayToAddrScript(toAddr)
	if err != nil {
		return nil, err
	}

	rate, err := o.feeRate(ctx)
	if err != nil {
		return nil, err
	}
	fee := rate * spendVSize(script)
	if value <= fee+dustThreshold {
		return nil, swap.Internal(op, fmt.Errorf("lock value %d does not cover fee %d", value, fee))
	}

	hash, err := chainhash.NewHashFromStr(lockTxID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %w", lockTxID, err)
	}
	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(wire.NewOutPoint(hash, vout), nil, nil)
	if secret == nil {
		// CLTV needs a non-final sequence and the lock time on the spender.
		in.Sequence = wire.MaxTxInSequenceNum - 1
		tx.LockTime = uint32(h.LockTime)
	} else {
		in.Sequence = wire.MaxTxInSequenceNum - 2
	}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(int64(value-fee), toScript))

	fetcher := txscript.NewCannedPrevOutputFetcher(htlcPkScript, int64(value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	digest, err := txscript.CalcWitnessSigHash(script, sigHashes, txscript.SigHashAll, tx, 0, int64(value))
	if err != nil {
		return nil, swap.Signing(op, err)
	}
	sig, err := o.sign(ctx, address, digest)
	if err != nil {
		return nil, swap.Signing(op, err)
	}
	pubKey, err := o.signer.PublicKey(ctx, o.params.Symbol, address)
	if err != nil {
		return nil, swap.Signing(op, err)
	}
	signer, branch := h.Recipient, "redeem"
	if secret == nil {
		signer, branch = h.Refund, "refund"
	}
	if !bytes.Equal(btcutil.Hash160(pubKey), signer) {
		return nil, swap.Signing(op, fmt.Errorf("key of %s cannot %s this lock", address, branch))
	}
	if secret == nil {
		in.Witness = refundWitness(sig, pubKey, script)
	} else {
		preimage := secret.Bytes()
		defer helpers.Wipe(preimage)
		in.Witness = redeemWitness(sig, pubKey, preimage, script)
	}
	return o.signed(tx, hex.EncodeToString(script))
}

// spendVSize estimates an HTLC spend with one P2WPKH output.
func spendVSize(script []byte) uint64 {
	// sig, pubkey, secret, branch selector and script, each length-prefixed
	witness := 1 + 73 + 34 + 33 + 2 + 1 + len(script)
	return uint64(txOverheadVSize + htlcInputVSize + p2wpkhOutVSize + (witness+3)/4)
}

// sign returns a DER signature with the sighash type appended.
func (o *utxoOps) sign(ctx context.Context, address string, digest []byte) ([]byte, error) {
	compact, err := o.signer.SignDigest(ctx, o.params.Symbol, address, digest)
	if err != nil {
		return nil, err
	}
	der, err := derSignature(compact)
	if err != nil {
		return nil, err
	}
	return append(der, byte(txscript.SigHashAll)), nil
}

// derSignature converts [R || S || V] to DER with a low S.
func derSignature(compact []byte) ([]byte, error) {
	if len(compact) < 64 {
		return nil, fmt.Errorf("signature of %d bytes", len(compact))
	}
	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(compact[:32]); overflow {
		return nil, errors.New("signature R overflows")
	}
	if overflow := s.SetByteSlice(compact[32:64]); overflow {
		return nil, errors.New("signature S overflows")
	}
	return ecdsa.NewSignature(&r, &s).Serialize(), nil
}

func (o *utxoOps) signed(tx *wire.MsgTx, script string) (*signedTx, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize: %w", err)
	}
	raw := hex.EncodeToString(buf.Bytes())
	txID := tx.TxHash().String()
	return &signedTx{
		TxID:   txID,
		Script: script,
		send: func(ctx context.Context) error {
			_, err := o.backend.BroadcastTransaction(ctx, raw)
			if err == nil || !errors.Is(err, backend.ErrBroadcastFailed) {
				return err
			}
			// A rejected resend of a transaction the explorer already has.
			if _, gerr := o.backend.GetTransaction(ctx, txID); gerr == nil {
				return nil
			}
			return err
		},
	}, nil
}
