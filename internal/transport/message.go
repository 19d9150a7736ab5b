// Package transport carries swap negotiation messages between the two
// parties through a websocket relay. Messages are notifications only: every
// claim they make about chain state is re-checked on chain before it is
// acted upon.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/swapd/internal/swap"
)

// Common errors
var (
	ErrInvalidMessage = errors.New("invalid swap message")
	ErrClosed         = errors.New("transport closed")
	ErrQueueFull      = errors.New("outgoing queue full")
)

// MessageType identifies a swap message.
type MessageType string

const (
	// TypeHello registers this node with the relay.
	TypeHello MessageType = "hello"
	// TypeInitiate carries a new swap proposal from the initiator.
	TypeInitiate MessageType = "initiate"
	// TypeAccept carries the acceptor's requisites back to the initiator.
	TypeAccept MessageType = "accept"
	// TypeStatus carries progress hints after a state transition.
	TypeStatus MessageType = "status"
)

// SwapMessage is a swap as seen by the sender. Swaps are correlated across
// the two nodes by their secret hash; local ids differ.
type SwapMessage struct {
	SecretHash string          `json:"secret_hash"`
	Scheme     swap.HashScheme `json:"scheme"`
	Terms      swap.Terms      `json:"terms"`
	LockTimes  swap.LockTimes  `json:"lock_times"`
	Status     swap.Status     `json:"status"`
	// Party is the sender's own party.
	Party swap.Party `json:"party"`
}

// Message is the envelope exchanged through the relay.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	Type      MessageType `json:"type"`
	From      string      `json:"from"`
	To        string      `json:"to,omitempty"`
	Swap      SwapMessage `json:"swap"`
	Timestamp int64       `json:"timestamp"`
}

// NewMessage wraps a swap record for the counterparty. The record must be a
// snapshot: secrets never leave the node.
func NewMessage(typ MessageType, from string, r swap.Record) Message {
	return Message{
		ID:   uuid.New(),
		Type: typ,
		From: from,
		To:   r.Remote.ID,
		Swap: SwapMessage{
			SecretHash: r.SecretHash,
			Scheme:     r.Scheme,
			Terms:      r.Terms,
			LockTimes:  r.LockTimes,
			Status:     r.Status,
			Party:      r.Local,
		},
		Timestamp: time.Now().Unix(),
	}
}

// Validate checks the fields every swap message needs.
func (m Message) Validate() error {
	switch m.Type {
	case TypeInitiate, TypeAccept, TypeStatus:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidMessage, m.Type)
	}
	if m.From == "" {
		return fmt.Errorf("%w: no sender", ErrInvalidMessage)
	}
	if m.Swap.SecretHash == "" {
		return fmt.Errorf("%w: no secret hash", ErrInvalidMessage)
	}
	if m.Type == TypeInitiate {
		if err := m.Swap.Terms.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
	}
	return nil
}

// CounterpartyTerms returns the terms from the receiver's side: what the
// sender sells, the receiver purchases.
func (m SwapMessage) CounterpartyTerms() swap.Terms {
	t := m.Terms
	t.SoldCurrency, t.PurchasedCurrency = m.Terms.PurchasedCurrency, m.Terms.SoldCurrency
	t.SoldAmount, t.PurchasedAmount = m.Terms.PurchasedAmount, m.Terms.SoldAmount
	switch m.Terms.Side {
	case swap.SideBuy:
		t.Side = swap.SideSell
	case swap.SideSell:
		t.Side = swap.SideBuy
	}
	return t
}

// Notifier sends swap notifications to the counterparty. Delivery is best
// effort; callers never wait for the counterparty.
type Notifier interface {
	NotifyInitiate(ctx context.Context, r swap.Record) error
	NotifyAccept(ctx context.Context, r swap.Record) error
	NotifyStatus(ctx context.Context, r swap.Record) error
}

// Discard is a Notifier that drops every message.
type Discard struct{}

func (Discard) NotifyInitiate(context.Context, swap.Record) error { return nil }
func (Discard) NotifyAccept(context.Context, swap.Record) error   { return nil }
func (Discard) NotifyStatus(context.Context, swap.Record) error   { return nil }
