package escrow

import (
	"strconv"
	"strings"

	"escrowmarket/core/types"
	"escrowmarket/crypto"
)

const (
	EventTypeItemRegistered    = "escrow.item.registered"
	EventTypeItemStatusChanged = "escrow.item.status_changed"
	EventTypeItemBought        = "escrow.item.bought"
	EventTypeRefundRequested   = "escrow.refund.requested"
	EventTypeRefundApproved    = "escrow.refund.approved"
	EventTypeRefundRefused     = "escrow.refund.refused"
	EventTypeDisputeResolved   = "escrow.dispute.resolved"
	EventTypeItemRated         = "escrow.item.rated"
)

// NewItemRegisteredEvent returns the canonical payload for a new listing.
func NewItemRegisteredEvent(item *Item) *types.Event {
	evt := newItemEvent(EventTypeItemRegistered, item)
	if item != nil {
		evt.Attributes["name"] = item.Name
		evt.Attributes["price"] = cloneBigInt(item.Price).String()
	}
	return evt
}

// NewItemStatusChangedEvent returns the payload emitted whenever an item moves
// between lifecycle states. Registration reports an empty previous status.
func NewItemStatusChangedEvent(item *Item, previous *Status) *types.Event {
	evt := newItemEvent(EventTypeItemStatusChanged, item)
	if previous != nil {
		evt.Attributes["previousStatus"] = previous.String()
	}
	return evt
}

// NewItemBoughtEvent returns the payload emitted when a buyer funds an item.
func NewItemBoughtEvent(item *Item) *types.Event {
	return newItemEvent(EventTypeItemBought, item)
}

// NewRefundRequestedEvent carries the buyer's refund reason.
func NewRefundRequestedEvent(item *Item) *types.Event {
	evt := newItemEvent(EventTypeRefundRequested, item)
	if item != nil {
		evt.Attributes["reason"] = item.RefundReason
	}
	return evt
}

// NewRefundApprovedEvent reports the amount returned to the buyer.
func NewRefundApprovedEvent(item *Item, amount string) *types.Event {
	evt := newItemEvent(EventTypeRefundApproved, item)
	evt.Attributes["amount"] = amount
	return evt
}

// NewRefundRefusedEvent carries the seller's refusal reason.
func NewRefundRefusedEvent(item *Item) *types.Event {
	evt := newItemEvent(EventTypeRefundRefused, item)
	if item != nil {
		evt.Attributes["reason"] = item.RefusalReason
	}
	return evt
}

// NewDisputeResolvedEvent reports the arbitration outcome and recipient.
func NewDisputeResolvedEvent(item *Item, recipient [20]byte, amount string) *types.Event {
	evt := newItemEvent(EventTypeDisputeResolved, item)
	if item != nil {
		evt.Attributes["reason"] = item.ResolutionReason
		evt.Attributes["favorBuyer"] = strconv.FormatBool(item.FavorBuyer)
	}
	evt.Attributes["recipient"] = formatPrincipal(recipient)
	evt.Attributes["amount"] = amount
	return evt
}

// NewItemRatedEvent reports the buyer's rating.
func NewItemRatedEvent(item *Item) *types.Event {
	evt := newItemEvent(EventTypeItemRated, item)
	if item != nil {
		evt.Attributes["rating"] = strconv.FormatUint(uint64(item.Rating), 10)
	}
	return evt
}

func newItemEvent(eventType string, item *Item) *types.Event {
	attrs := make(map[string]string)
	if item == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(item.ID, 10)
	attrs["seller"] = formatPrincipal(item.Seller)
	if item.HasBuyer() {
		attrs["buyer"] = formatPrincipal(item.Buyer)
	}
	attrs["status"] = item.Status.String()
	attrs["escrow"] = cloneBigInt(item.Escrow).String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatPrincipal(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return crypto.MarketAddress(addr).String()
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return strings.TrimSpace(e.evt.Type)
}

func (e escrowEvent) Event() *types.Event { return e.evt }
