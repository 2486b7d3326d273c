package events

import (
	"math/big"
	"strings"

	"escrowmarket/core/types"
	"escrowmarket/crypto"
)

const (
	// TypeTransfer is emitted for every balance movement performed by the bank.
	TypeTransfer = "bank.transfer"
)

// Transfer describes a balance movement between two principals. Kind labels
// the movement ("collect", "disburse" or "credit").
type Transfer struct {
	Kind   string
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	if kind := normalizeKind(e.Kind); kind != "" {
		attrs["kind"] = kind
	}
	if !zeroBytes(e.From[:]) {
		attrs["from"] = crypto.MarketAddress(e.From).String()
	}
	attrs["to"] = crypto.MarketAddress(e.To).String()
	attrs["amount"] = formatAmount(e.Amount)
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
