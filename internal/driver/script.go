package driver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/swapd/internal/swap"
)

// Script errors
var (
	ErrInvalidScript  = errors.New("invalid HTLC script")
	ErrInvalidAddress = errors.New("address is not P2WPKH")
)

const pubKeyHashSize = 20

// htlcScript is a P2WSH hash time lock with an absolute refund time.
//
//	OP_IF
//	    OP_SIZE 32 OP_EQUALVERIFY <hash op> <secret hash> OP_EQUALVERIFY
//	    OP_DUP OP_HASH160 <recipient pkh>
//	OP_ELSE
//	    <refund time> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <refund pkh>
//	OP_ENDIF
//	OP_EQUALVERIFY OP_CHECKSIG
type htlcScript struct {
	Scheme     swap.HashScheme
	SecretHash []byte
	Recipient  []byte // HASH160 of the redeemer's key
	Refund     []byte // HASH160 of the refunder's key
	LockTime   int64  // unix seconds
}

func hashOp(scheme swap.HashScheme) (byte, error) {
	switch scheme {
	case swap.HashSHA256:
		return txscript.OP_SHA256, nil
	case swap.HashHash256:
		return txscript.OP_HASH256, nil
	case swap.HashHash160:
		return txscript.OP_HASH160, nil
	}
	return 0, fmt.Errorf("%w: %q", swap.ErrUnknownHashScheme, scheme)
}

func schemeOf(op byte) (swap.HashScheme, bool) {
	switch op {
	case txscript.OP_SHA256:
		return swap.HashSHA256, true
	case txscript.OP_HASH256:
		return swap.HashHash256, true
	case txscript.OP_HASH160:
		return swap.HashHash160, true
	}
	return "", false
}

// Script serializes h.
func (h *htlcScript) Script() ([]byte, error) {
	op, err := hashOp(h.Scheme)
	if err != nil {
		return nil, err
	}
	if len(h.SecretHash) != h.Scheme.Size() {
		return nil, fmt.Errorf("%w: secret hash must be %d bytes, got %d", ErrInvalidScript, h.Scheme.Size(), len(h.SecretHash))
	}
	if len(h.Recipient) != pubKeyHashSize || len(h.Refund) != pubKeyHashSize {
		return nil, fmt.Errorf("%w: public key hashes must be %d bytes", ErrInvalidScript, pubKeyHashSize)
	}
	if h.LockTime < txscript.LockTimeThreshold {
		return nil, fmt.Errorf("%w: lock time %d is not a timestamp", ErrInvalidScript, h.LockTime)
	}

	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF)
	b.AddOp(txscript.OP_SIZE)
	b.AddInt64(swap.SecretSize)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(op)
	b.AddData(h.SecretHash)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(h.Recipient)

	b.AddOp(txscript.OP_ELSE)
	b.AddInt64(h.LockTime)
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(h.Refund)

	b.AddOp(txscript.OP_ENDIF)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIG)
	return b.Script()
}

// parseHTLCScript decodes a script built by htlcScript.Script.
func parseHTLCScript(script []byte) (*htlcScript, error) {
	tok := txscript.MakeScriptTokenizer(0, script)
	next := func(what string) error {
		if !tok.Next() {
			if err := tok.Err(); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidScript, what, err)
			}
			return fmt.Errorf("%w: expected %s", ErrInvalidScript, what)
		}
		return nil
	}
	expect := func(op byte, what string) error {
		if err := next(what); err != nil {
			return err
		}
		if tok.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrInvalidScript, what)
		}
		return nil
	}
	push := func(what string, size int) ([]byte, error) {
		if err := next(what); err != nil {
			return nil, err
		}
		data := tok.Data()
		if size > 0 && len(data) != size {
			return nil, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrInvalidScript, what, size, len(data))
		}
		return data, nil
	}

	h := &htlcScript{}
	if err := expect(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err := expect(txscript.OP_SIZE, "OP_SIZE"); err != nil {
		return nil, err
	}
	size, err := push("secret size", 1)
	if err != nil {
		return nil, err
	}
	if size[0] != swap.SecretSize {
		return nil, fmt.Errorf("%w: secret size %d", ErrInvalidScript, size[0])
	}
	if err := expect(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}

	if err := next("hash opcode"); err != nil {
		return nil, err
	}
	scheme, ok := schemeOf(tok.Opcode())
	if !ok {
		return nil, fmt.Errorf("%w: unknown hash opcode 0x%02x", ErrInvalidScript, tok.Opcode())
	}
	h.Scheme = scheme
	if h.SecretHash, err = push("secret hash", scheme.Size()); err != nil {
		return nil, err
	}
	for _, op := range []byte{txscript.OP_EQUALVERIFY, txscript.OP_DUP, txscript.OP_HASH160} {
		if err := expect(op, opName(op)); err != nil {
			return nil, err
		}
	}
	if h.Recipient, err = push("recipient hash", pubKeyHashSize); err != nil {
		return nil, err
	}

	if err := expect(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}
	lockTime, err := push("lock time", 0)
	if err != nil {
		return nil, err
	}
	if len(lockTime) == 0 || len(lockTime) > 5 {
		return nil, fmt.Errorf("%w: lock time push of %d bytes", ErrInvalidScript, len(lockTime))
	}
	h.LockTime = decodeScriptNum(lockTime)
	for _, op := range []byte{txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP, txscript.OP_DUP, txscript.OP_HASH160} {
		if err := expect(op, opName(op)); err != nil {
			return nil, err
		}
	}
	if h.Refund, err = push("refund hash", pubKeyHashSize); err != nil {
		return nil, err
	}
	for _, op := range []byte{txscript.OP_ENDIF, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG} {
		if err := expect(op, opName(op)); err != nil {
			return nil, err
		}
	}
	if tok.Next() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidScript)
	}
	return h, nil
}

func opName(op byte) string {
	for name, code := range txscript.OpcodeByName {
		if code == op {
			return name
		}
	}
	return fmt.Sprintf("opcode 0x%02x", op)
}

// decodeScriptNum reads a minimally encoded little-endian script number.
func decodeScriptNum(b []byte) int64 {
	var v int64
	for i, c := range b {
		v |= int64(c) << (8 * i)
	}
	if b[len(b)-1]&0x80 != 0 {
		v &^= int64(0x80) << (8 * (len(b) - 1))
		return -v
	}
	return v
}

// p2wsh returns the output script and address paying to script.
func p2wsh(script []byte, net *chaincfg.Params) (pkScript []byte, address string, err error) {
	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], net)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	pkScript, err = txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, "", err
	}
	return pkScript, addr.EncodeAddress(), nil
}

// pubKeyHash returns the witness program of a P2WPKH address.
func pubKeyHash(address string, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}
	wpkh, ok := addr.(*btcutil.AddressWitnessPubKeyHash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	return wpkh.WitnessProgram(), nil
}

// redeemWitness spends the OP_IF branch.
func redeemWitness(sig, pubKey, secret, script []byte) [][]byte {
	return [][]byte{sig, pubKey, secret, {0x01}, script}
}

// refundWitness spends the OP_ELSE branch.
func refundWitness(sig, pubKey, script []byte) [][]byte {
	return [][]byte{sig, pubKey, {}, script}
}

// classifyWitness tells a redeem from a refund of the HTLC and returns the
// revealed secret of a redeem. Witness items are hex encoded.
func classifyWitness(witness []string, script []byte) (*spend, error) {
	scriptHex := hex.EncodeToString(script)
	switch {
	case len(witness) == 5 && witness[3] == "01" && witness[4] == scriptHex:
		secret, err := hex.DecodeString(witness[2])
		if err != nil || len(secret) != swap.SecretSize {
			return nil, fmt.Errorf("%w: malformed secret in redeem witness", ErrInvalidScript)
		}
		return &spend{Secret: secret}, nil
	case len(witness) == 4 && witness[2] == "" && witness[3] == scriptHex:
		return &spend{Refund: true}, nil
	}
	return nil, fmt.Errorf("%w: unexpected witness of %d items", ErrInvalidScript, len(witness))
}

func equalHash(a, b []byte) bool { return len(a) > 0 && bytes.Equal(a, b) }
