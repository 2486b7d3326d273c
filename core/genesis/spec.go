// core/genesis/spec.go
package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"escrowmarket/crypto"
	"escrowmarket/native/bank"
)

// maxAllocation is the largest balance the bank can hold.
var maxAllocation = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// GenesisSpec describes the initial ledger state: the arbitrator and the
// opening balances of funded accounts.
type GenesisSpec struct {
	GenesisTime string            `json:"genesisTime"`
	Admin       string            `json:"admin"`
	Alloc       map[string]string `json:"alloc"` // addr -> amount

	genesisTimestamp time.Time
	admin            [20]byte
	allocations      []Allocation
}

// Allocation is a decoded opening balance.
type Allocation struct {
	Account [20]byte
	Amount  *big.Int
}

func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates a JSON genesis document.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	return &spec, nil
}

// GenesisTimestamp returns the parsed genesisTime, or the zero time when the
// document omits it.
func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// AdminAddress returns the decoded arbitrator.
func (s *GenesisSpec) AdminAddress() [20]byte { return s.admin }

// Allocations returns the opening balances sorted by account.
func (s *GenesisSpec) Allocations() []Allocation {
	out := make([]Allocation, len(s.allocations))
	for i, alloc := range s.allocations {
		out[i] = Allocation{Account: alloc.Account, Amount: new(big.Int).Set(alloc.Amount)}
	}
	return out
}

func (s *GenesisSpec) validate() error {
	if strings.TrimSpace(s.GenesisTime) != "" {
		parsed, err := parseGenesisTime(s.GenesisTime)
		if err != nil {
			return err
		}
		s.genesisTimestamp = parsed
	}
	admin, err := crypto.ParsePrincipal(s.Admin)
	if err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	s.admin = admin

	addresses := make([]string, 0, len(s.Alloc))
	for addr := range s.Alloc {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)
	s.allocations = s.allocations[:0]
	seen := make(map[[20]byte]struct{}, len(addresses))
	vault := bank.VaultAddress()
	for _, addr := range addresses {
		account, err := crypto.ParsePrincipal(addr)
		if err != nil {
			return fmt.Errorf("alloc %q: %w", addr, err)
		}
		if account == vault {
			return fmt.Errorf("alloc %q: escrow vault cannot be funded at genesis", addr)
		}
		if _, dup := seen[account]; dup {
			return fmt.Errorf("alloc %q: duplicate account", addr)
		}
		seen[account] = struct{}{}
		amount, err := parseAmountString(s.Alloc[addr])
		if err != nil {
			return fmt.Errorf("alloc %q: %w", addr, err)
		}
		if amount.Sign() == 0 {
			continue
		}
		s.allocations = append(s.allocations, Allocation{Account: account, Amount: amount})
	}
	return nil
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	if amount.Cmp(maxAllocation) > 0 {
		return nil, fmt.Errorf("amount %s exceeds 256 bits", trimmed)
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
