// Package htlc encodes calls to and decodes events of the swap HTLC contract
// deployed on EVM chains.
//
// A lock is keyed by its secret hash. The contract checks redeems against
// sha256(sha256(secret)) and pays the lock's payoff to whoever submits the
// redeem, the rest to the participant.
package htlc

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ABI is the contract interface, plus the ERC-20 calls the token driver needs.
const ABI = `[
	{"type":"function","name":"initiate","stateMutability":"payable","inputs":[
		{"name":"_hashedSecret","type":"bytes32"},
		{"name":"_participant","type":"address"},
		{"name":"_refundTimestamp","type":"uint256"},
		{"name":"_payoff","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"initiateToken","stateMutability":"nonpayable","inputs":[
		{"name":"_hashedSecret","type":"bytes32"},
		{"name":"_token","type":"address"},
		{"name":"_participant","type":"address"},
		{"name":"_refundTimestamp","type":"uint256"},
		{"name":"_value","type":"uint256"},
		{"name":"_payoff","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
		{"name":"_hashedSecret","type":"bytes32"},
		{"name":"_secret","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
		{"name":"_hashedSecret","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"swaps","stateMutability":"view","inputs":[
		{"name":"","type":"bytes32"}],"outputs":[
		{"name":"initiator","type":"address"},
		{"name":"participant","type":"address"},
		{"name":"token","type":"address"},
		{"name":"refundTimestamp","type":"uint256"},
		{"name":"value","type":"uint256"},
		{"name":"payoff","type":"uint256"},
		{"name":"state","type":"uint8"}]},
	{"type":"event","name":"Initiated","anonymous":false,"inputs":[
		{"name":"_hashedSecret","type":"bytes32","indexed":true},
		{"name":"_participant","type":"address","indexed":true},
		{"name":"_initiator","type":"address","indexed":false},
		{"name":"_token","type":"address","indexed":false},
		{"name":"_refundTimestamp","type":"uint256","indexed":false},
		{"name":"_value","type":"uint256","indexed":false},
		{"name":"_payoff","type":"uint256","indexed":false}]},
	{"type":"event","name":"Redeemed","anonymous":false,"inputs":[
		{"name":"_hashedSecret","type":"bytes32","indexed":true},
		{"name":"_secret","type":"bytes32","indexed":false}]},
	{"type":"event","name":"Refunded","anonymous":false,"inputs":[
		{"name":"_hashedSecret","type":"bytes32","indexed":true}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},
		{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	ErrUnexpectedEvent = errors.New("unexpected event")
	ErrMalformedLog    = errors.New("malformed log")
)

var parsed = mustParse(ABI)

func mustParse(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("htlc: invalid ABI: %v", err))
	}
	return a
}

// Event topics.
var (
	InitiatedTopic = parsed.Events["Initiated"].ID
	RedeemedTopic  = parsed.Events["Redeemed"].ID
	RefundedTopic  = parsed.Events["Refunded"].ID
)

// LockState is the on-chain state of a lock.
type LockState uint8

const (
	StateEmpty LockState = iota
	StateInitiated
	StateRedeemed
	StateRefunded
)

func (s LockState) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateRedeemed:
		return "redeemed"
	case StateRefunded:
		return "refunded"
	default:
		return "empty"
	}
}

// Initiated is a decoded Initiated event.
type Initiated struct {
	SecretHash      [32]byte
	Participant     common.Address
	Initiator       common.Address
	Token           common.Address // zero for the native coin
	RefundTimestamp int64
	Value           *big.Int
	Payoff          *big.Int
}

// Redeemed is a decoded Redeemed event.
type Redeemed struct {
	SecretHash [32]byte
	Secret     [32]byte
}

// Refunded is a decoded Refunded event.
type Refunded struct {
	SecretHash [32]byte
}

// Lock is the result of the swaps view.
type Lock struct {
	Initiator       common.Address
	Participant     common.Address
	Token           common.Address
	RefundTimestamp int64
	Value           *big.Int
	Payoff          *big.Int
	State           LockState
}

// PackInitiate encodes a native coin lock. The value is sent with the call.
func PackInitiate(secretHash [32]byte, participant common.Address, refundTime time.Time, payoff *big.Int) ([]byte, error) {
	return parsed.Pack("initiate", secretHash, participant, big.NewInt(refundTime.Unix()), orZero(payoff))
}

// PackInitiateToken encodes a token lock. The contract pulls value from the
// caller, which must have approved it first.
func PackInitiateToken(secretHash [32]byte, token, participant common.Address, refundTime time.Time, value, payoff *big.Int) ([]byte, error) {
	return parsed.Pack("initiateToken", secretHash, token, participant, big.NewInt(refundTime.Unix()), value, orZero(payoff))
}

// PackRedeem encodes a redeem revealing secret.
func PackRedeem(secretHash, secret [32]byte) ([]byte, error) {
	return parsed.Pack("redeem", secretHash, secret)
}

// PackRefund encodes a refund.
func PackRefund(secretHash [32]byte) ([]byte, error) {
	return parsed.Pack("refund", secretHash)
}

// PackSwaps encodes the lock lookup.
func PackSwaps(secretHash [32]byte) ([]byte, error) {
	return parsed.Pack("swaps", secretHash)
}

// UnpackSwaps decodes the lock lookup result.
func UnpackSwaps(data []byte) (*Lock, error) {
	out, err := parsed.Unpack("swaps", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("%w: swaps returned %d values", ErrMalformedLog, len(out))
	}
	refund, _ := out[3].(*big.Int)
	lock := &Lock{
		Initiator:   out[0].(common.Address),
		Participant: out[1].(common.Address),
		Token:       out[2].(common.Address),
		Value:       out[4].(*big.Int),
		Payoff:      out[5].(*big.Int),
		State:       LockState(out[6].(uint8)),
	}
	if refund != nil {
		lock.RefundTimestamp = refund.Int64()
	}
	return lock, nil
}

// PackApprove encodes an ERC-20 approve.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return parsed.Pack("approve", spender, amount)
}

// PackAllowance encodes an ERC-20 allowance query.
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return parsed.Pack("allowance", owner, spender)
}

// PackBalanceOf encodes an ERC-20 balance query.
func PackBalanceOf(account common.Address) ([]byte, error) {
	return parsed.Pack("balanceOf", account)
}

// UnpackUint256 decodes the single uint256 result of method.
func UnpackUint256(method string, data []byte) (*big.Int, error) {
	out, err := parsed.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, out[0])
	}
	return v, nil
}

// UnpackInitiated decodes an Initiated log.
func UnpackInitiated(log types.Log) (*Initiated, error) {
	if err := checkTopics(log, InitiatedTopic, 3); err != nil {
		return nil, err
	}
	out, err := parsed.Unpack("Initiated", log.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformedLog, len(out))
	}

	ev := &Initiated{
		SecretHash:  log.Topics[1],
		Participant: common.BytesToAddress(log.Topics[2].Bytes()),
		Initiator:   out[0].(common.Address),
		Token:       out[1].(common.Address),
		Value:       out[3].(*big.Int),
		Payoff:      out[4].(*big.Int),
	}
	ev.RefundTimestamp = out[2].(*big.Int).Int64()
	return ev, nil
}

// UnpackRedeemed decodes a Redeemed log.
func UnpackRedeemed(log types.Log) (*Redeemed, error) {
	if err := checkTopics(log, RedeemedTopic, 2); err != nil {
		return nil, err
	}
	out, err := parsed.Unpack("Redeemed", log.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformedLog, len(out))
	}
	return &Redeemed{
		SecretHash: log.Topics[1],
		Secret:     out[0].([32]byte),
	}, nil
}

// UnpackRefunded decodes a Refunded log.
func UnpackRefunded(log types.Log) (*Refunded, error) {
	if err := checkTopics(log, RefundedTopic, 2); err != nil {
		return nil, err
	}
	return &Refunded{SecretHash: log.Topics[1]}, nil
}

func checkTopics(log types.Log, topic common.Hash, n int) error {
	if len(log.Topics) == 0 || log.Topics[0] != topic {
		return ErrUnexpectedEvent
	}
	if len(log.Topics) != n {
		return fmt.Errorf("%w: %d topics", ErrMalformedLog, len(log.Topics))
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
