package swap

import "strings"

// Status is the protocol-level progress of a swap as seen by both parties.
type Status uint32

const (
	StatusInitiated Status = 1 << iota
	StatusAccepted
	StatusInitiatorPaymentReceived
	StatusAcceptorPaymentReceived
	StatusInitiatorRedeemReceived
	StatusAcceptorRedeemReceived
	StatusInitiatorRefundReceived
	StatusAcceptorRefundReceived
)

// StatusEmpty is the status of a swap that has not been negotiated yet.
const StatusEmpty Status = 0

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusInitiated, "Initiated"},
	{StatusAccepted, "Accepted"},
	{StatusInitiatorPaymentReceived, "InitiatorPaymentReceived"},
	{StatusAcceptorPaymentReceived, "AcceptorPaymentReceived"},
	{StatusInitiatorRedeemReceived, "InitiatorRedeemReceived"},
	{StatusAcceptorRedeemReceived, "AcceptorRedeemReceived"},
	{StatusInitiatorRefundReceived, "InitiatorRefundReceived"},
	{StatusAcceptorRefundReceived, "AcceptorRefundReceived"},
}

// Has reports whether all bits of b are set.
func (s Status) Has(b Status) bool { return s&b == b }

func (s Status) String() string {
	if s == StatusEmpty {
		return "Empty"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// StateFlags records what this node has done and observed for a swap.
type StateFlags uint32

const (
	HasSecret StateFlags = 1 << iota
	HasSecretHash
	HasPayment
	IsPaymentSigned
	IsPaymentBroadcast
	IsPaymentConfirmed
	IsPaymentSpent
	HasRefund
	IsRefundSigned
	IsRefundBroadcast
	IsRefundConfirmed
	HasRedeem
	IsRedeemSigned
	IsRedeemBroadcast
	IsRedeemConfirmed
	HasPartyPayment
	IsPartyPaymentConfirmed
	IsCanceled
	IsUnsettled
)

// FlagsEmpty is the zero flag set.
const FlagsEmpty StateFlags = 0

var flagNames = []struct {
	bit  StateFlags
	name string
}{
	{HasSecret, "HasSecret"},
	{HasSecretHash, "HasSecretHash"},
	{HasPayment, "HasPayment"},
	{IsPaymentSigned, "IsPaymentSigned"},
	{IsPaymentBroadcast, "IsPaymentBroadcast"},
	{IsPaymentConfirmed, "IsPaymentConfirmed"},
	{IsPaymentSpent, "IsPaymentSpent"},
	{HasRefund, "HasRefund"},
	{IsRefundSigned, "IsRefundSigned"},
	{IsRefundBroadcast, "IsRefundBroadcast"},
	{IsRefundConfirmed, "IsRefundConfirmed"},
	{HasRedeem, "HasRedeem"},
	{IsRedeemSigned, "IsRedeemSigned"},
	{IsRedeemBroadcast, "IsRedeemBroadcast"},
	{IsRedeemConfirmed, "IsRedeemConfirmed"},
	{HasPartyPayment, "HasPartyPayment"},
	{IsPartyPaymentConfirmed, "IsPartyPaymentConfirmed"},
	{IsCanceled, "IsCanceled"},
	{IsUnsettled, "IsUnsettled"},
}

// Has reports whether all bits of f are set.
func (s StateFlags) Has(f StateFlags) bool { return s&f == f }

// Any reports whether at least one bit of f is set.
func (s StateFlags) Any(f StateFlags) bool { return s&f != 0 }

func (s StateFlags) String() string {
	if s == FlagsEmpty {
		return "Empty"
	}
	var parts []string
	for _, n := range flagNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
