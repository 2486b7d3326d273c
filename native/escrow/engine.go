package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"escrowmarket/core/events"
	"escrowmarket/core/types"
)

type engineState interface {
	ItemPut(*Item) error
	ItemGet(id uint64) (*Item, bool, error)
	ItemCount() (uint64, error)
	SetItemCount(count uint64) error
	SellerIndexAppend(seller [20]byte, id uint64) error
	BuyerIndexAppend(buyer [20]byte, id uint64) error
	ItemsBySeller(seller [20]byte) ([]uint64, error)
	ItemsByBuyer(buyer [20]byte) ([]uint64, error)
	EscrowAdmin() ([20]byte, bool, error)
	SetEscrowAdmin(admin [20]byte) error
}

// Settlement moves value on behalf of the ledger. Collect pulls a buyer's
// payment into custody and Transfer disburses custody to a principal. Each
// call succeeds completely or reports an error without side effects.
type Settlement interface {
	Collect(from [20]byte, amount *big.Int) error
	Transfer(to [20]byte, amount *big.Int) error
}

// Engine applies the marketplace state machine against an external state
// backend and settlement substrate. It performs no locking: callers must
// serialise operations and discard state on error.
type Engine struct {
	state      engineState
	settlement Settlement
	emitter    events.Emitter
	nowFn      func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetSettlement configures the substrate used to move escrowed funds.
func (e *Engine) SetSettlement(settlement Settlement) { e.settlement = settlement }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

// Init records the ledger admin. The admin can be set exactly once;
// re-initialising with the same principal is a no-op.
func (e *Engine) Init(admin [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if admin == ([20]byte{}) {
		return fmt.Errorf("%w: admin must not be the zero address", ErrInvalidPrincipal)
	}
	existing, ok, err := e.state.EscrowAdmin()
	if err != nil {
		return err
	}
	if ok {
		if existing == admin {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAdminAlreadySet, formatPrincipal(existing))
	}
	return e.state.SetEscrowAdmin(admin)
}

// Admin returns the arbitrator configured at initialisation.
func (e *Engine) Admin() ([20]byte, error) {
	if err := e.ready(); err != nil {
		return [20]byte{}, err
	}
	admin, ok, err := e.state.EscrowAdmin()
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, fmt.Errorf("escrow engine: admin not initialised")
	}
	return admin, nil
}

// ItemCount returns the number of items registered so far.
func (e *Engine) ItemCount() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.state.ItemCount()
}

// Item returns a copy of the stored item.
func (e *Engine) Item(id uint64) (*Item, error) {
	item, err := e.loadItem(id)
	if err != nil {
		return nil, err
	}
	return item.Clone(), nil
}

// ItemsBySeller returns the ids listed by the seller in registration order.
func (e *Engine) ItemsBySeller(seller [20]byte) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if seller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: seller must not be the zero address", ErrInvalidPrincipal)
	}
	return e.state.ItemsBySeller(seller)
}

// ItemsByBuyer returns the ids purchased by the buyer in purchase order.
func (e *Engine) ItemsByBuyer(buyer [20]byte) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if buyer == ([20]byte{}) {
		return nil, fmt.Errorf("%w: buyer must not be the zero address", ErrInvalidPrincipal)
	}
	return e.state.ItemsByBuyer(buyer)
}

func (e *Engine) loadItem(id uint64) (*Item, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	count, err := e.state.ItemCount()
	if err != nil {
		return nil, err
	}
	if id == 0 || id > count {
		return nil, fmt.Errorf("%w: id %d outside [1, %d]", ErrNotFound, id, count)
	}
	item, ok, err := e.state.ItemGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return item, nil
}

func (e *Engine) storeItem(item *Item) error {
	item.UpdatedAt = e.now()
	return e.state.ItemPut(item)
}

func (e *Engine) roles(item *Item, caller [20]byte) (Role, error) {
	admin, _, err := e.state.EscrowAdmin()
	if err != nil {
		return 0, err
	}
	return RolesFor(item, caller, admin), nil
}

func (e *Engine) disburse(to [20]byte, amount *big.Int) error {
	if e.settlement == nil {
		return errNilSettlement
	}
	if err := e.settlement.Transfer(to, cloneBigInt(amount)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func requireReason(reason string) (string, error) {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return "", ErrEmptyReason
	}
	return trimmed, nil
}

// RegisterItem lists a new item for sale and returns the stored copy.
func (e *Engine) RegisterItem(caller [20]byte, name, description string, price *big.Int) (*Item, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: seller must not be the zero address", ErrInvalidPrincipal)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidArgument)
	}
	count, err := e.state.ItemCount()
	if err != nil {
		return nil, err
	}
	now := e.now()
	item := &Item{
		ID:          count + 1,
		Name:        name,
		Description: description,
		Price:       cloneBigInt(price),
		Seller:      caller,
		Status:      StatusOnSale,
		Escrow:      big.NewInt(0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.state.ItemPut(item); err != nil {
		return nil, err
	}
	if err := e.state.SetItemCount(item.ID); err != nil {
		return nil, err
	}
	if err := e.state.SellerIndexAppend(caller, item.ID); err != nil {
		return nil, err
	}
	e.emit(NewItemRegisteredEvent(item))
	e.emit(NewItemStatusChangedEvent(item, nil))
	return item.Clone(), nil
}

// Buy records the caller as buyer and moves the tendered amount into escrow.
// The full amount is held even when it exceeds the asking price.
func (e *Engine) Buy(id uint64, caller [20]byte, paid *big.Int) error {
	item, err := e.loadItem(id)
	if err != nil {
		return err
	}
	if caller == ([20]byte{}) {
		return fmt.Errorf("%w: buyer must not be the zero address", ErrInvalidPrincipal)
	}
	if caller == item.Seller {
		return ErrSelfTrade
	}
	amount := cloneBigInt(paid)
	if amount.Cmp(item.Price) < 0 {
		return fmt.Errorf("%w: paid %s, price %s", ErrInsufficientPayment, amount, item.Price)
	}
	roles, err := e.roles(item, caller)
	if err != nil {
		return err
	}
	previous := item.Status
	next, err := Allowed(item.Status, OpBuy, roles)
	if err != nil {
		return err
	}
	if e.settlement == nil {
		return errNilSettlement
	}
	if err := e.settlement.Collect(caller, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	item.Buyer = caller
	item.Escrow = amount
	item.Status = next
	if err := e.storeItem(item); err != nil {
		return err
	}
	if err := e.state.BuyerIndexAppend(caller, id); err != nil {
		return err
	}
	e.emit(NewItemBoughtEvent(item))
	e.emit(NewItemStatusChangedEvent(item, &previous))
	return nil
}

// Confirm releases the escrow to the seller once the buyer accepts delivery.
func (e *Engine) Confirm(id uint64, caller [20]byte) error {
	item, next, err := e.prepare(id, caller, OpConfirm)
	if err != nil {
		return err
	}
	previous := item.Status
	if err := e.disburse(item.Seller, item.Escrow); err != nil {
		return err
	}
	item.Escrow = big.NewInt(0)
	item.Status = next
	if err := e.storeItem(item); err != nil {
		return err
	}
	e.emit(NewItemStatusChangedEvent(item, &previous))
	return nil
}

// RequestRefund moves a funded item into RefundRequested. No funds move.
func (e *Engine) RequestRefund(id uint64, caller [20]byte, reason string) error {
	item, next, err := e.prepare(id, caller, OpRequestRefund)
	if err != nil {
		return err
	}
	trimmed, err := requireReason(reason)
	if err != nil {
		return err
	}
	previous := item.Status
	item.RefundReason = trimmed
	item.Status = next
	if err := e.storeItem(item); err != nil {
		return err
	}
	e.emit(NewRefundRequestedEvent(item))
	e.emit(NewItemStatusChangedEvent(item, &previous))
	return nil
}

// ApproveRefund returns the escrow to the buyer at the seller's request.
func (e *Engine) ApproveRefund(id uint64, caller [20]byte) error {
	item, next, err := e.prepare(id, caller, OpApproveRefund)
	if err != nil {
		return err
	}
	previous := item.Status
	amount := cloneBigInt(item.Escrow)
	if err := e.disburse(item.Buyer, amount); err != nil {
		return err
	}
	item.Escrow = big.NewInt(0)
	item.Status = next
	if err := e.storeItem(item); err != nil {
		return err
	}
	e.emit(NewRefundApprovedEvent(item, amount.String()))
	e.emit(NewItemStatusChangedEvent(item, &previous))
	return nil
}

// RefuseRefund escalates a refund request to arbitration. The escrow stays
// held until the admin resolves the dispute.
func (e *Engine) RefuseRefund(id uint64, caller [20]byte, reason string) error {
	item, next, err := e.prepare(id, caller, OpRefuseRefund)
	if err != nil {
		return err
	}
	trimmed, err := requireReason(reason)
	if err != nil {
		return err
	}
	previous := item.Status
	item.RefusalReason = trimmed
	item.Status = next
	if err := e.storeItem(item); err != nil {
		return err
	}
	e.emit(NewRefundRefusedEvent(item))
	e.emit(NewItemStatusChangedEvent(item, &previous))
	return nil
}

// ResolveDispute pays the escrow to the buyer or the seller as decided by the
// admin. Both outcomes end in DisputedResolved.
func (e *Engine) ResolveDispute(id uint64, caller [20]byte, favorBuyer bool, reason string) error {
	item, next, err := e.prepare(id, caller, OpResolveDispute)
	if err != nil {
		return err
	}
	previous := item.Status
	recipient := item.Seller
	if favorBuyer {
		recipient = item.Buyer
	}
	amount := cloneBigInt(item.Escrow)
	if err := e.disburse(recipient, amount); err != nil {
		return err
	}
	item.Escrow = big.NewInt(0)
	item.Status = next
	item.FavorBuyer = favorBuyer
	item.ResolutionReason = strings.TrimSpace(reason)
	if err := e.storeItem(item); err != nil {
		return err
	}
	e.emit(NewDisputeResolvedEvent(item, recipient, amount.String()))
	e.emit(NewItemStatusChangedEvent(item, &previous))
	return nil
}

// Rate records the buyer's one-time rating of a finished transaction.
func (e *Engine) Rate(id uint64, caller [20]byte, rating int) error {
	item, _, err := e.prepare(id, caller, OpRate)
	if err != nil {
		return err
	}
	if rating < int(MinRating) || rating > int(MaxRating) {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, rating, MinRating, MaxRating)
	}
	if item.Rated {
		return ErrAlreadyRated
	}
	item.Rating = uint8(rating)
	item.Rated = true
	if err := e.storeItem(item); err != nil {
		return err
	}
	e.emit(NewItemRatedEvent(item))
	return nil
}

func (e *Engine) prepare(id uint64, caller [20]byte, op Operation) (*Item, Status, error) {
	item, err := e.loadItem(id)
	if err != nil {
		return nil, 0, err
	}
	roles, err := e.roles(item, caller)
	if err != nil {
		return nil, 0, err
	}
	next, err := Allowed(item.Status, op, roles)
	if err != nil {
		return nil, 0, err
	}
	return item, next, nil
}
