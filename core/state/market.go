package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"escrowmarket/native/escrow"
)

var (
	itemRecordPrefix  = []byte("escrow/item/")
	itemCountKey      = []byte("escrow/items/count")
	sellerIndexPrefix = []byte("escrow/seller/")
	buyerIndexPrefix  = []byte("escrow/buyer/")
	escrowAdminKey    = []byte("escrow/admin")
	balancePrefix     = []byte("bank/balance/")
)

func itemKey(id uint64) []byte {
	buf := make([]byte, len(itemRecordPrefix)+8)
	copy(buf, itemRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(itemRecordPrefix):], id)
	return buf
}

func principalKey(prefix []byte, addr [20]byte) []byte {
	buf := make([]byte, len(prefix)+len(addr))
	copy(buf, prefix)
	copy(buf[len(prefix):], addr[:])
	return buf
}

type storedItem struct {
	ID               uint64
	Name             string
	Description      string
	Price            *big.Int
	Seller           [20]byte
	Buyer            [20]byte
	Status           uint8
	Escrow           *big.Int
	Rating           uint8
	Rated            bool
	RefundReason     string
	RefusalReason    string
	ResolutionReason string
	FavorBuyer       bool
	CreatedAt        *big.Int
	UpdatedAt        *big.Int
}

func newStoredItem(item *escrow.Item) *storedItem {
	return &storedItem{
		ID:               item.ID,
		Name:             item.Name,
		Description:      item.Description,
		Price:            new(big.Int).Set(item.Price),
		Seller:           item.Seller,
		Buyer:            item.Buyer,
		Status:           uint8(item.Status),
		Escrow:           new(big.Int).Set(item.Escrow),
		Rating:           item.Rating,
		Rated:            item.Rated,
		RefundReason:     item.RefundReason,
		RefusalReason:    item.RefusalReason,
		ResolutionReason: item.ResolutionReason,
		FavorBuyer:       item.FavorBuyer,
		CreatedAt:        big.NewInt(clampTimestamp(item.CreatedAt)),
		UpdatedAt:        big.NewInt(clampTimestamp(item.UpdatedAt)),
	}
}

func clampTimestamp(ts int64) int64 {
	if ts < 0 {
		return 0
	}
	return ts
}

func (s *storedItem) toItem() (*escrow.Item, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow: nil storage record")
	}
	out := &escrow.Item{
		ID:               s.ID,
		Name:             s.Name,
		Description:      s.Description,
		Price:            big.NewInt(0),
		Seller:           s.Seller,
		Buyer:            s.Buyer,
		Status:           escrow.Status(s.Status),
		Escrow:           big.NewInt(0),
		Rating:           s.Rating,
		Rated:            s.Rated,
		RefundReason:     s.RefundReason,
		RefusalReason:    s.RefusalReason,
		ResolutionReason: s.ResolutionReason,
		FavorBuyer:       s.FavorBuyer,
	}
	if s.Price != nil {
		out.Price = new(big.Int).Set(s.Price)
	}
	if s.Escrow != nil {
		out.Escrow = new(big.Int).Set(s.Escrow)
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	if s.UpdatedAt != nil {
		out.UpdatedAt = s.UpdatedAt.Int64()
	}
	return escrow.SanitizeItem(out)
}

// ItemPut validates and stores the item record.
func (m *Manager) ItemPut(item *escrow.Item) error {
	sanitized, err := escrow.SanitizeItem(item)
	if err != nil {
		return err
	}
	return m.KVPut(itemKey(sanitized.ID), newStoredItem(sanitized))
}

// ItemGet loads the item record. The boolean reports whether it exists.
func (m *Manager) ItemGet(id uint64) (*escrow.Item, bool, error) {
	var stored storedItem
	ok, err := m.KVGet(itemKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	item, err := stored.toItem()
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// ItemCount returns the number of registered items.
func (m *Manager) ItemCount() (uint64, error) {
	var count uint64
	if _, err := m.KVGet(itemCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// SetItemCount records the highest allocated item id.
func (m *Manager) SetItemCount(count uint64) error {
	return m.KVPut(itemCountKey, count)
}

func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func (m *Manager) loadIndex(key []byte) ([]uint64, error) {
	raw, err := m.KVList(key)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			return nil, fmt.Errorf("escrow: malformed index entry of %d bytes", len(entry))
		}
		ids = append(ids, binary.BigEndian.Uint64(entry))
	}
	return ids, nil
}

// SellerIndexAppend records the item under the seller's listing index.
func (m *Manager) SellerIndexAppend(seller [20]byte, id uint64) error {
	return m.KVAppend(principalKey(sellerIndexPrefix, seller), encodeID(id))
}

// BuyerIndexAppend records the item under the buyer's purchase index.
func (m *Manager) BuyerIndexAppend(buyer [20]byte, id uint64) error {
	return m.KVAppend(principalKey(buyerIndexPrefix, buyer), encodeID(id))
}

// ItemsBySeller returns the seller's item ids in registration order.
func (m *Manager) ItemsBySeller(seller [20]byte) ([]uint64, error) {
	return m.loadIndex(principalKey(sellerIndexPrefix, seller))
}

// ItemsByBuyer returns the buyer's item ids in purchase order.
func (m *Manager) ItemsByBuyer(buyer [20]byte) ([]uint64, error) {
	return m.loadIndex(principalKey(buyerIndexPrefix, buyer))
}

// EscrowAdmin returns the arbitrator recorded at initialisation.
func (m *Manager) EscrowAdmin() ([20]byte, bool, error) {
	var admin [20]byte
	ok, err := m.KVGet(escrowAdminKey, &admin)
	if err != nil {
		return [20]byte{}, false, err
	}
	return admin, ok, nil
}

// SetEscrowAdmin stores the arbitrator.
func (m *Manager) SetEscrowAdmin(admin [20]byte) error {
	if admin == ([20]byte{}) {
		return fmt.Errorf("escrow: admin must not be the zero address")
	}
	return m.KVPut(escrowAdminKey, admin)
}

// Balance returns the substrate balance held by the address.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(principalKey(balancePrefix, addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// SetBalance stores the substrate balance for the address.
func (m *Manager) SetBalance(addr [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	return m.KVPut(principalKey(balancePrefix, addr), amount)
}
