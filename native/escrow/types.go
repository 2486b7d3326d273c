package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of a marketplace item.
type Status uint8

const (
	StatusOnSale Status = iota
	StatusInTransaction
	StatusCompleted
	StatusRefundRequested
	StatusRefunded
	StatusDisputed
	StatusDisputedResolved
)

var statusNames = map[Status]string{
	StatusOnSale:           "OnSale",
	StatusInTransaction:    "InTransaction",
	StatusCompleted:        "Completed",
	StatusRefundRequested:  "RefundRequested",
	StatusRefunded:         "Refunded",
	StatusDisputed:         "Disputed",
	StatusDisputedResolved: "DisputedResolved",
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether no further status transition is defined.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusDisputedResolved:
		return true
	default:
		return false
	}
}

// Custodial reports whether the ledger holds funds for an item in this status.
func (s Status) Custodial() bool {
	switch s {
	case StatusInTransaction, StatusRefundRequested, StatusDisputed:
		return true
	default:
		return false
	}
}

// ParseStatus resolves a status from its name, ignoring case.
func ParseStatus(name string) (Status, error) {
	trimmed := strings.TrimSpace(name)
	for status, label := range statusNames {
		if strings.EqualFold(label, trimmed) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown item status %q", name)
}

const (
	MinRating uint8 = 1
	MaxRating uint8 = 5
)

// Item captures one marketplace listing and its transaction history. Seller,
// name, description and price never change after registration; the remaining
// fields are mutated in place by the lifecycle operations.
type Item struct {
	ID          uint64
	Name        string
	Description string
	Price       *big.Int
	Seller      [20]byte
	Buyer       [20]byte
	Status      Status
	Escrow      *big.Int
	Rating      uint8
	Rated       bool

	RefundReason     string
	RefusalReason    string
	ResolutionReason string
	FavorBuyer       bool

	CreatedAt int64
	UpdatedAt int64
}

// HasBuyer reports whether a purchase has been recorded.
func (i *Item) HasBuyer() bool {
	return i != nil && i.Buyer != ([20]byte{})
}

// Clone returns a deep copy of the item so callers can safely mutate the copy
// without affecting the stored instance.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Price = cloneBigInt(i.Price)
	clone.Escrow = cloneBigInt(i.Escrow)
	return &clone
}

// SanitizeItem validates the item against the ledger invariants and returns a
// normalised clone. The original value is not mutated.
func SanitizeItem(i *Item) (*Item, error) {
	if i == nil {
		return nil, fmt.Errorf("nil item")
	}
	clone := i.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("item id must be positive")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid item status: %d", clone.Status)
	}
	if clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("item price must be positive")
	}
	if clone.Seller == ([20]byte{}) {
		return nil, fmt.Errorf("item seller required")
	}
	if clone.Escrow.Sign() < 0 {
		return nil, fmt.Errorf("item escrow must be non-negative")
	}
	if clone.Escrow.Sign() > 0 && !clone.Status.Custodial() {
		return nil, fmt.Errorf("item escrow held in non-custodial status %s", clone.Status)
	}
	if (clone.Status == StatusOnSale) == clone.HasBuyer() {
		return nil, fmt.Errorf("item buyer inconsistent with status %s", clone.Status)
	}
	if clone.Rated && (clone.Rating < MinRating || clone.Rating > MaxRating) {
		return nil, fmt.Errorf("item rating out of range: %d", clone.Rating)
	}
	if !clone.Rated && clone.Rating != 0 {
		return nil, fmt.Errorf("item rating recorded without rated flag")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
