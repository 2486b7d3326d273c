// core/genesis/spec_test.go
package genesis

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"escrowmarket/crypto"
	"escrowmarket/native/bank"
)

type fakeTarget struct {
	admin   [20]byte
	hasAdm  bool
	credits map[[20]byte]*big.Int
}

func (f *fakeTarget) ApplyGenesis(admin [20]byte, allocations []Allocation) (bool, error) {
	if f.hasAdm {
		if f.admin != admin {
			return false, errors.New("admin already set")
		}
		return false, nil
	}
	f.admin, f.hasAdm = admin, true
	if f.credits == nil {
		f.credits = make(map[[20]byte]*big.Int)
	}
	for _, alloc := range allocations {
		current, ok := f.credits[alloc.Account]
		if !ok {
			current = big.NewInt(0)
		}
		f.credits[alloc.Account] = new(big.Int).Add(current, alloc.Amount)
	}
	return true, nil
}

func principal(fill byte) string {
	var raw [20]byte
	copy(raw[:], bytes.Repeat([]byte{fill}, 20))
	return crypto.MarketAddress(raw).String()
}

func TestLoadGenesisSpecAndApply(t *testing.T) {
	doc := fmt.Sprintf(`{"genesisTime":"2024-01-01T00:00:00Z","admin":%q,"alloc":{%q:"500",%q:"0"}}`,
		principal(0xAD), principal(0x01), principal(0x02))
	path := filepath.Join(t.TempDir(), "genesis.json")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write genesis: %v", err)
	}
	spec, err := LoadGenesisSpec(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if spec.GenesisTimestamp().Year() != 2024 {
		t.Fatalf("unexpected genesis time %s", spec.GenesisTimestamp())
	}
	if allocs := spec.Allocations(); len(allocs) != 1 || allocs[0].Amount.Int64() != 500 {
		t.Fatalf("zero allocations must be skipped: %+v", allocs)
	}
	target := &fakeTarget{}
	applied, err := Apply(spec, target)
	if err != nil || !applied {
		t.Fatalf("apply: applied=%v err=%v", applied, err)
	}
	applied, err = Apply(spec, target)
	if err != nil || applied {
		t.Fatalf("second apply must be a no-op: applied=%v err=%v", applied, err)
	}
	var funded [20]byte
	copy(funded[:], bytes.Repeat([]byte{0x01}, 20))
	if got := target.credits[funded]; got == nil || got.Int64() != 500 {
		t.Fatalf("unexpected credit %v", got)
	}
}

func TestApplyRejectsForeignAdmin(t *testing.T) {
	spec, err := ParseGenesisSpec([]byte(fmt.Sprintf(`{"admin":%q}`, principal(0xAD))))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var other [20]byte
	other[0] = 0x01
	target := &fakeTarget{admin: other, hasAdm: true}
	if _, err := Apply(spec, target); err == nil {
		t.Fatalf("expected admin mismatch error")
	}
}

func TestParseGenesisSpecValidation(t *testing.T) {
	cases := map[string]string{
		"missing admin":  `{}`,
		"unknown field":  fmt.Sprintf(`{"admin":%q,"validators":[]}`, principal(0xAD)),
		"bad time":       fmt.Sprintf(`{"admin":%q,"genesisTime":"yesterday"}`, principal(0xAD)),
		"negative alloc": fmt.Sprintf(`{"admin":%q,"alloc":{%q:"-1"}}`, principal(0xAD), principal(0x01)),
		"bad account":    fmt.Sprintf(`{"admin":%q,"alloc":{"nobody":"1"}}`, principal(0xAD)),
		"vault account":  fmt.Sprintf(`{"admin":%q,"alloc":{%q:"7"}}`, principal(0xAD), crypto.MarketAddress(bank.VaultAddress()).String()),
		"oversized":      fmt.Sprintf(`{"admin":%q,"alloc":{%q:%q}}`, principal(0xAD), principal(0x01), new(big.Int).Lsh(big.NewInt(1), 256).String()),
	}
	for name, doc := range cases {
		if _, err := ParseGenesisSpec([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestParseGenesisSpecAcceptsMaxAllocation(t *testing.T) {
	ceiling := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	spec, err := ParseGenesisSpec([]byte(fmt.Sprintf(`{"admin":%q,"alloc":{%q:%q}}`, principal(0xAD), principal(0x01), ceiling.String())))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if allocs := spec.Allocations(); len(allocs) != 1 || allocs[0].Amount.Cmp(ceiling) != 0 {
		t.Fatalf("unexpected allocations %+v", allocs)
	}
	if !spec.GenesisTimestamp().IsZero() {
		t.Fatalf("omitted genesisTime must stay zero, got %s", spec.GenesisTimestamp())
	}
}
