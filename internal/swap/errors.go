package swap

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrProtocolViolation      = errors.New("counterparty protocol violation")
	ErrSecretMismatch         = errors.New("secret does not match hash")
	ErrSecretUnknown          = errors.New("secret is not known")
	ErrSecretHashImmutable    = errors.New("secret hash already set")
	ErrInvalidSecret          = errors.New("invalid secret")
	ErrInvalidSecretHash      = errors.New("invalid secret hash")
	ErrUnknownHashScheme      = errors.New("unknown hash scheme")
	ErrIncompatibleCommitment = errors.New("legs use different commitment schemes")
	ErrRefundTooEarly         = errors.New("refund time not reached")
	ErrSwapCanceled           = errors.New("swap canceled")
	ErrSwapNotActive          = errors.New("swap is not active")
	ErrNotSupported           = errors.New("operation not supported for this chain")
	ErrLockTimeMargin         = errors.New("initiator lock time does not exceed acceptor lock time by the safety margin")
	ErrInvalidTerms           = errors.New("invalid swap terms")
)

// Kind classifies an error for retry and cancellation decisions.
type Kind int

const (
	// KindInternal is an unexpected local failure. Fatal for the swap, never
	// for the process.
	KindInternal Kind = iota
	// KindTransient is a connectivity or rate-limit failure. Retried.
	KindTransient
	// KindProtocol is a counterparty commitment that does not match the
	// agreed terms. Cancels the swap.
	KindProtocol
	// KindInsufficientFunds requires an external decision before retrying.
	KindInsufficientFunds
	// KindSigning is a wallet signing failure. Fatal for the swap.
	KindSigning
	// KindPrecondition is a call made in the wrong swap state.
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindSigning:
		return "signing"
	case KindPrecondition:
		return "precondition"
	default:
		return "internal"
	}
}

// Error is a classified error raised by drivers and the manager.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as retryable.
func Transient(op string, err error) error { return newError(KindTransient, op, err) }

// Protocol wraps err as a counterparty protocol violation.
func Protocol(op string, err error) error { return newError(KindProtocol, op, err) }

// Internal wraps err as a local failure.
func Internal(op string, err error) error { return newError(KindInternal, op, err) }

// Signing wraps err as a wallet signing failure.
func Signing(op string, err error) error { return newError(KindSigning, op, err) }

// Precondition wraps err as a wrong-state call.
func Precondition(op string, err error) error { return newError(KindPrecondition, op, err) }

// InsufficientFunds reports a shortfall of need against have.
func InsufficientFunds(op string, need, have uint64) error {
	return newError(KindInsufficientFunds, op, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, need, have))
}

// KindOf returns the classification of err. Unclassified errors that wrap a
// well-known sentinel are mapped to its kind; anything else is internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrSecretMismatch):
		return KindProtocol
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrSecretUnknown), errors.Is(err, ErrRefundTooEarly), errors.Is(err, ErrSwapCanceled):
		return KindPrecondition
	}
	return KindInternal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsProtocolViolation reports whether err should cancel the swap.
func IsProtocolViolation(err error) bool { return err != nil && KindOf(err) == KindProtocol }

// IsInsufficientFunds reports whether err is a funds shortfall.
func IsInsufficientFunds(err error) bool { return err != nil && KindOf(err) == KindInsufficientFunds }

// IsSigning reports whether err is a signing failure.
func IsSigning(err error) bool { return err != nil && KindOf(err) == KindSigning }
