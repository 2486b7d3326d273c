package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"escrowmarket/core/events"
	"escrowmarket/crypto"
)

// VaultLabel seeds the custody account address.
const VaultLabel = "escrowmarket/vault"

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrInvalidAccount      = errors.New("bank: invalid account")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
)

// VaultAddress returns the account that holds escrowed funds.
func VaultAddress() [20]byte {
	return crypto.DeriveAddress(VaultLabel)
}

type balanceState interface {
	Balance(addr [20]byte) (*big.Int, error)
	SetBalance(addr [20]byte, amount *big.Int) error
}

// Vault moves value between principal accounts and the escrow custody
// account. It checks every precondition before writing, so a failed call
// leaves balances untouched.
type Vault struct {
	state   balanceState
	address [20]byte
	emitter events.Emitter
}

// NewVault binds a vault to the supplied balance state. A nil emitter
// discards transfer events.
func NewVault(state balanceState, emitter events.Emitter) *Vault {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Vault{state: state, address: VaultAddress(), emitter: emitter}
}

// Address returns the custody account.
func (v *Vault) Address() [20]byte { return v.address }

// Balance returns the balance of the account.
func (v *Vault) Balance(addr [20]byte) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, fmt.Errorf("bank: state not configured")
	}
	return v.state.Balance(addr)
}

// Held returns the funds currently in custody.
func (v *Vault) Held() (*big.Int, error) {
	return v.Balance(v.address)
}

// Collect moves the buyer's payment into custody.
func (v *Vault) Collect(from [20]byte, amount *big.Int) error {
	if err := v.move(from, v.address, amount); err != nil {
		return err
	}
	v.emitter.Emit(events.Transfer{Kind: "collect", From: from, To: v.address, Amount: new(big.Int).Set(amount)})
	return nil
}

// Transfer disburses custody to the recipient.
func (v *Vault) Transfer(to [20]byte, amount *big.Int) error {
	if err := v.move(v.address, to, amount); err != nil {
		return err
	}
	v.emitter.Emit(events.Transfer{Kind: "disburse", From: v.address, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Credit mints funds into an account. It is used to seed balances at genesis
// and by operators topping up test accounts.
func (v *Vault) Credit(to [20]byte, amount *big.Int) error {
	if v == nil || v.state == nil {
		return fmt.Errorf("bank: state not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) || to == v.address {
		return fmt.Errorf("%w: cannot credit %s", ErrInvalidAccount, crypto.MarketAddress(to))
	}
	current, err := v.state.Balance(to)
	if err != nil {
		return err
	}
	next, err := checkedSum(current, amount)
	if err != nil {
		return err
	}
	if err := v.state.SetBalance(to, next); err != nil {
		return err
	}
	v.emitter.Emit(events.Transfer{Kind: "credit", To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (v *Vault) move(from, to [20]byte, amount *big.Int) error {
	if v == nil || v.state == nil {
		return fmt.Errorf("bank: state not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from == ([20]byte{}) || to == ([20]byte{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidAccount)
	}
	if from == to {
		return fmt.Errorf("%w: source and destination match", ErrInvalidAccount)
	}
	fromBalance, err := v.state.Balance(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBalance, amount)
	}
	toBalance, err := v.state.Balance(to)
	if err != nil {
		return err
	}
	nextTo, err := checkedSum(toBalance, amount)
	if err != nil {
		return err
	}
	if err := v.state.SetBalance(from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return v.state.SetBalance(to, nextTo)
}

// checkedSum adds amount to balance, rejecting results that do not fit the
// 256-bit account balance width.
func checkedSum(balance, amount *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(balance, amount)
	if _, overflow := uint256.FromBig(sum); overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrBalanceOverflow, balance, amount)
	}
	return sum, nil
}
