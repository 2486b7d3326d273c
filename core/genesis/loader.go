// core/genesis/loader.go
package genesis

import (
	"fmt"
)

// Target is the ledger surface genesis writes through. ApplyGenesis must
// record the admin and every allocation atomically, and report false without
// crediting anything when the ledger already has an admin.
type Target interface {
	ApplyGenesis(admin [20]byte, allocations []Allocation) (bool, error)
}

// Apply seeds an empty ledger with the spec's admin and balances. A ledger
// that already has an admin only has the admin checked; allocations are never
// applied twice. It reports whether the allocations were written.
func Apply(spec *GenesisSpec, target Target) (bool, error) {
	if spec == nil {
		return false, fmt.Errorf("genesis spec must not be nil")
	}
	if target == nil {
		return false, fmt.Errorf("genesis target must not be nil")
	}
	return target.ApplyGenesis(spec.admin, spec.Allocations())
}
