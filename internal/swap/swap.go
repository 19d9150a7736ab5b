// Package swap implements the swap state model and the secret commitment
// rules shared by every chain driver.
//
// A Swap is owned by exactly one manager. Its negotiated terms are fixed at
// construction; progress is recorded through monotonic flags and status bits
// that are only ever OR'd in. The only way to install an arbitrary flag set
// is FromRecord, used when loading from storage.
package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Side is the order side of the local party on Symbol.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Terms are the negotiated, immutable parameters of a swap.
type Terms struct {
	Symbol    string    `json:"symbol"` // traded pair, e.g. "ETH/BTC"
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	TimeStamp time.Time `json:"timestamp"` // negotiation time, base of all deadlines

	SoldCurrency      string `json:"sold_currency"`
	PurchasedCurrency string `json:"purchased_currency"`
	SoldAmount        uint64 `json:"sold_amount"`      // smallest units of the sold chain
	PurchasedAmount   uint64 `json:"purchased_amount"` // smallest units of the purchased chain
}

// Validate checks the terms are self-consistent.
func (t Terms) Validate() error {
	switch {
	case t.SoldCurrency == "" || t.PurchasedCurrency == "":
		return fmt.Errorf("%w: missing currency", ErrInvalidTerms)
	case t.SoldCurrency == t.PurchasedCurrency:
		return fmt.Errorf("%w: sold and purchased currency are both %s", ErrInvalidTerms, t.SoldCurrency)
	case t.SoldAmount == 0 || t.PurchasedAmount == 0:
		return fmt.Errorf("%w: zero amount", ErrInvalidTerms)
	case t.TimeStamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTerms)
	case t.Side != SideBuy && t.Side != SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidTerms, t.Side)
	}
	return nil
}

// Party is one side of the exchange.
type Party struct {
	ID string `json:"id"`
	// Address receives funds on the chain this party purchases.
	Address string `json:"address"`
	// RefundAddress funds the lock and receives the refund on the chain this
	// party sells.
	RefundAddress string `json:"refund_address"`
	// RewardForRedeem is paid out of this party's purchased leg to whoever
	// redeems it.
	RewardForRedeem uint64 `json:"reward_for_redeem"`
	PaymentTxID     string `json:"payment_txid,omitempty"`
	// RedeemScript is the hex HTLC script (UTXO chains) or the contract
	// address (account chains) holding this party's lock.
	RedeemScript string `json:"redeem_script,omitempty"`
}

// Swap is the canonical record of one exchange.
type Swap struct {
	Terms

	ID          uint64
	IsInitiator bool
	Scheme      HashScheme
	LockTimes   LockTimes
	CreatedAt   time.Time

	mu           sync.RWMutex
	status       Status
	flags        StateFlags
	secretHash   []byte
	secret       *Secret
	local        Party
	remote       Party
	redeemTxID   string
	refundTxID   string
	partyRedeem  string
	cancelReason string
	updatedAt    time.Time
}

// New creates a swap for the local party. The id is assigned by storage.
func New(id uint64, terms Terms, isInitiator bool, scheme HashScheme, lockTimes LockTimes, local Party) (*Swap, error) {
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	if !scheme.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHashScheme, scheme)
	}
	if err := lockTimes.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	return &Swap{
		Terms:       terms,
		ID:          id,
		IsInitiator: isInitiator,
		Scheme:      scheme,
		LockTimes:   lockTimes,
		CreatedAt:   now,
		local:       local,
		updatedAt:   now,
	}, nil
}

func (s *Swap) String() string {
	role := "acceptor"
	if s.IsInitiator {
		role = "initiator"
	}
	return fmt.Sprintf("swap %d (%s %s->%s)", s.ID, role, s.SoldCurrency, s.PurchasedCurrency)
}

// =============================================================================
// Flags and status
// =============================================================================

// Flags returns the current state flags.
func (s *Swap) Flags() StateFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// HasFlags reports whether all bits of f are set.
func (s *Swap) HasFlags(f StateFlags) bool {
	return s.Flags().Has(f)
}

// SetFlags ORs f into the flags and returns the bits that were not set
// before. A zero result means nothing changed.
func (s *Swap) SetFlags(f StateFlags) StateFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := f &^ s.flags
	if added != 0 {
		s.flags |= f
		s.updatedAt = time.Now()
	}
	return added
}

// Status returns the protocol status bits.
func (s *Swap) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus ORs st into the status and returns the newly set bits.
func (s *Swap) SetStatus(st Status) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := st &^ s.status
	if added != 0 {
		s.status |= st
		s.updatedAt = time.Now()
	}
	return added
}

// Cancel marks the swap canceled. Only the first reason is kept; the
// return value reports whether this call canceled it.
func (s *Swap) Cancel(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags.Has(IsCanceled) {
		return false
	}
	s.flags |= IsCanceled
	s.cancelReason = reason
	s.updatedAt = time.Now()
	return true
}

// CancelReason returns why the swap was canceled.
func (s *Swap) CancelReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelReason
}

// IsComplete reports whether our redeem is confirmed.
func (s *Swap) IsComplete() bool { return s.HasFlags(IsRedeemConfirmed) }

// IsRefunded reports whether our refund is confirmed.
func (s *Swap) IsRefunded() bool { return s.HasFlags(IsRefundConfirmed) }

// IsCanceled reports whether the swap was canceled.
func (s *Swap) IsCanceled() bool { return s.HasFlags(IsCanceled) }

// IsUnsettled reports whether the swap timed out after we paid.
func (s *Swap) IsUnsettled() bool { return s.HasFlags(IsUnsettled) }

// IsTerminal reports whether the swap reached a final state.
func (s *Swap) IsTerminal() bool {
	return s.Flags().Any(IsRedeemConfirmed | IsRefundConfirmed | IsCanceled)
}

// IsActive reports whether none of the terminal flags are set.
func (s *Swap) IsActive() bool { return !s.IsTerminal() }

// NeedsRefund reports whether our payment is on chain and has neither been
// spent by the counterparty nor refunded. Such a swap keeps its refund
// guard even after cancellation.
func (s *Swap) NeedsRefund() bool {
	f := s.Flags()
	return f.Has(IsPaymentBroadcast) && !f.Any(IsPaymentSpent|IsRefundConfirmed)
}

// IsRestorable reports whether the swap still needs any watch after a
// restart.
func (s *Swap) IsRestorable() bool {
	return s.IsActive() || s.NeedsRefund()
}

// =============================================================================
// Secret
// =============================================================================

// SecretHash returns a copy of the commitment, or nil.
func (s *Swap) SecretHash() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secretHash == nil {
		return nil
	}
	return append([]byte(nil), s.secretHash...)
}

// SetSecretHash records the commitment and sets HasSecretHash. Setting the
// same value again is a no-op; a different value is rejected.
func (s *Swap) SetSecretHash(hash []byte) error {
	if len(hash) != s.Scheme.Size() {
		return fmt.Errorf("%w: %d bytes for %s", ErrInvalidSecretHash, len(hash), s.Scheme)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secretHash != nil {
		if !bytes.Equal(s.secretHash, hash) {
			return ErrSecretHashImmutable
		}
		return nil
	}
	s.secretHash = append([]byte(nil), hash...)
	s.flags |= HasSecretHash
	s.updatedAt = time.Now()
	return nil
}

// Secret returns a copy of the secret, or nil when unknown. The caller owns
// the copy and should Wipe it.
func (s *Swap) Secret() *Secret {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secret == nil {
		return nil
	}
	return s.secret.Clone()
}

// SetSecret stores a copy of secret after checking it against the recorded
// commitment, and sets HasSecret.
func (s *Swap) SetSecret(secret *Secret) error {
	if secret == nil {
		return ErrInvalidSecret
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secretHash == nil {
		return fmt.Errorf("%w: no secret hash recorded", ErrSecretMismatch)
	}
	if !VerifySecret(s.Scheme, secret, s.secretHash) {
		return ErrSecretMismatch
	}
	if s.secret != nil {
		return nil
	}
	s.secret = secret.Clone()
	s.flags |= HasSecret
	s.updatedAt = time.Now()
	return nil
}

// WipeSecret zeroes the stored secret. The HasSecret flag stays set.
func (s *Swap) WipeSecret() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret != nil {
		s.secret.Wipe()
	}
}

// =============================================================================
// Parties
// =============================================================================

// Local returns the local party.
func (s *Swap) Local() Party {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// Remote returns the counterparty.
func (s *Swap) Remote() Party {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// Initiator returns the initiating party.
func (s *Swap) Initiator() Party {
	if s.IsInitiator {
		return s.Local()
	}
	return s.Remote()
}

// Acceptor returns the accepting party.
func (s *Swap) Acceptor() Party {
	if s.IsInitiator {
		return s.Remote()
	}
	return s.Local()
}

// UpdateLocal applies fn to the local party under the lock.
func (s *Swap) UpdateLocal(fn func(p *Party)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.local)
	s.updatedAt = time.Now()
}

// UpdateRemote applies fn to the counterparty under the lock.
func (s *Swap) UpdateRemote(fn func(p *Party)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.remote)
	s.updatedAt = time.Now()
}

// =============================================================================
// Transaction ids
// =============================================================================

// RedeemTxID returns the id of our redeem.
func (s *Swap) RedeemTxID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.redeemTxID
}

// SetRedeemTxID records the id of our redeem.
func (s *Swap) SetRedeemTxID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redeemTxID = id
	s.updatedAt = time.Now()
}

// RefundTxID returns the id of our refund.
func (s *Swap) RefundTxID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refundTxID
}

// SetRefundTxID records the id of our refund.
func (s *Swap) SetRefundTxID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refundTxID = id
	s.updatedAt = time.Now()
}

// PartyRedeemTxID returns the id of the redeem made on the counterparty's
// behalf.
func (s *Swap) PartyRedeemTxID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partyRedeem
}

// SetPartyRedeemTxID records a redeem made on the counterparty's behalf.
func (s *Swap) SetPartyRedeemTxID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partyRedeem = id
	s.updatedAt = time.Now()
}

// UpdatedAt returns the time of the last mutation.
func (s *Swap) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// =============================================================================
// Records
// =============================================================================

// Record is the persisted form of a Swap.
type Record struct {
	ID           uint64     `json:"id"`
	IsInitiator  bool       `json:"is_initiator"`
	Terms        Terms      `json:"terms"`
	Scheme       HashScheme `json:"scheme"`
	LockTimes    LockTimes  `json:"lock_times"`
	Status       Status     `json:"status"`
	Flags        StateFlags `json:"flags"`
	SecretHash   string     `json:"secret_hash,omitempty"`
	Secret       string     `json:"secret,omitempty"`
	Local        Party      `json:"local"`
	Remote       Party      `json:"remote"`
	RedeemTxID   string     `json:"redeem_txid,omitempty"`
	RefundTxID   string     `json:"refund_txid,omitempty"`
	PartyRedeem  string     `json:"party_redeem_txid,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsRestorable is Swap.IsRestorable evaluated on the recorded flags.
func (r Record) IsRestorable() bool {
	terminal := r.Flags.Any(IsRedeemConfirmed | IsRefundConfirmed | IsCanceled)
	needsRefund := r.Flags.Has(IsPaymentBroadcast) && !r.Flags.Any(IsPaymentSpent|IsRefundConfirmed)
	return !terminal || needsRefund
}

// Record returns the full persisted form, including the secret.
func (s *Swap) Record() Record {
	r := s.Snapshot()
	s.mu.RLock()
	if s.secret != nil && !s.secret.Wiped() {
		r.Secret = s.secret.Hex()
	}
	s.mu.RUnlock()
	return r
}

// Snapshot returns a copy of the swap without the secret, safe to hand to
// event subscribers.
func (s *Swap) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := Record{
		ID:           s.ID,
		IsInitiator:  s.IsInitiator,
		Terms:        s.Terms,
		Scheme:       s.Scheme,
		LockTimes:    s.LockTimes,
		Status:       s.status,
		Flags:        s.flags,
		Local:        s.local,
		Remote:       s.remote,
		RedeemTxID:   s.redeemTxID,
		RefundTxID:   s.refundTxID,
		PartyRedeem:  s.partyRedeem,
		CancelReason: s.cancelReason,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.updatedAt,
	}
	if s.secretHash != nil {
		r.SecretHash = hex.EncodeToString(s.secretHash)
	}
	return r
}

// FromRecord rebuilds a swap from storage. This is the only path that
// installs flags and status wholesale.
func FromRecord(r Record) (*Swap, error) {
	s := &Swap{
		Terms:        r.Terms,
		ID:           r.ID,
		IsInitiator:  r.IsInitiator,
		Scheme:       r.Scheme,
		LockTimes:    r.LockTimes,
		CreatedAt:    r.CreatedAt,
		status:       r.Status,
		flags:        r.Flags,
		local:        r.Local,
		remote:       r.Remote,
		redeemTxID:   r.RedeemTxID,
		refundTxID:   r.RefundTxID,
		partyRedeem:  r.PartyRedeem,
		cancelReason: r.CancelReason,
		updatedAt:    r.UpdatedAt,
	}
	if s.Scheme == "" {
		s.Scheme = DefaultHashScheme
	}

	if r.SecretHash != "" {
		hash, err := hex.DecodeString(r.SecretHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSecretHash, err)
		}
		s.secretHash = hash
	}
	if r.Secret != "" {
		secret, err := SecretFromHex(r.Secret)
		if err != nil {
			return nil, err
		}
		if s.secretHash == nil || !VerifySecret(s.Scheme, secret, s.secretHash) {
			secret.Wipe()
			return nil, fmt.Errorf("swap %d: %w", r.ID, ErrSecretMismatch)
		}
		s.secret = secret
	}
	return s, nil
}
