package escrow

import "fmt"

// Operation enumerates the status-changing ledger operations.
type Operation uint8

const (
	OpBuy Operation = iota + 1
	OpConfirm
	OpRequestRefund
	OpApproveRefund
	OpRefuseRefund
	OpResolveDispute
	OpRate
)

var operationNames = map[Operation]string{
	OpBuy:            "buyItem",
	OpConfirm:        "confirmItem",
	OpRequestRefund:  "requestRefund",
	OpApproveRefund:  "approveRefund",
	OpRefuseRefund:   "refuseRefund",
	OpResolveDispute: "resolveDispute",
	OpRate:           "rateTransaction",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", uint8(o))
}

// Role is a bit set describing how a caller relates to an item.
type Role uint8

const (
	RoleSeller Role = 1 << iota
	RoleBuyer
	RoleAdmin
)

// RoleAnyone marks operations open to every principal.
const RoleAnyone Role = 0

// Has reports whether any of the supplied roles are present.
func (r Role) Has(required Role) bool {
	return r&required != 0
}

func (r Role) String() string {
	if r == 0 {
		return "guest"
	}
	out := ""
	for _, entry := range []struct {
		role Role
		name string
	}{{RoleSeller, "seller"}, {RoleBuyer, "buyer"}, {RoleAdmin, "admin"}} {
		if r.Has(entry.role) {
			if out != "" {
				out += "|"
			}
			out += entry.name
		}
	}
	return out
}

// RolesFor derives the caller's roles relative to the item and ledger admin.
func RolesFor(item *Item, caller, admin [20]byte) Role {
	var roles Role
	if item != nil {
		if caller == item.Seller {
			roles |= RoleSeller
		}
		if item.HasBuyer() && caller == item.Buyer {
			roles |= RoleBuyer
		}
	}
	if admin != ([20]byte{}) && caller == admin {
		roles |= RoleAdmin
	}
	return roles
}

type rule struct {
	from []Status
	role Role
	next Status
	// keep leaves the status untouched (rating).
	keep bool
	// authorizeFirst checks the caller's role before the status.
	authorizeFirst bool
}

var transitions = map[Operation]rule{
	OpBuy:            {from: []Status{StatusOnSale}, role: RoleAnyone, next: StatusInTransaction},
	OpConfirm:        {from: []Status{StatusInTransaction}, role: RoleBuyer, next: StatusCompleted},
	OpRequestRefund:  {from: []Status{StatusInTransaction}, role: RoleBuyer, next: StatusRefundRequested},
	OpApproveRefund:  {from: []Status{StatusRefundRequested}, role: RoleSeller, next: StatusRefunded},
	OpRefuseRefund:   {from: []Status{StatusRefundRequested}, role: RoleSeller, next: StatusDisputed},
	OpResolveDispute: {from: []Status{StatusDisputed}, role: RoleAdmin, next: StatusDisputedResolved},
	OpRate: {
		from:           []Status{StatusCompleted, StatusRefunded, StatusDisputedResolved},
		role:           RoleBuyer,
		keep:           true,
		authorizeFirst: true,
	},
}

// Allowed evaluates the transition table for the supplied operation. It
// returns the status the item moves to, or an ErrInvalidState/ErrNotAuthorized
// error describing the failed precondition. It never touches storage or
// settlement.
func Allowed(current Status, op Operation, roles Role) (Status, error) {
	r, ok := transitions[op]
	if !ok {
		return current, fmt.Errorf("%w: unknown operation %s", ErrInvalidState, op)
	}
	if r.authorizeFirst {
		if err := r.authorize(op, roles); err != nil {
			return current, err
		}
	}
	if !r.permits(current) {
		return current, fmt.Errorf("%w: cannot %s in status %s", ErrInvalidState, op, current)
	}
	if !r.authorizeFirst {
		if err := r.authorize(op, roles); err != nil {
			return current, err
		}
	}
	if r.keep {
		return current, nil
	}
	return r.next, nil
}

func (r rule) permits(current Status) bool {
	for _, status := range r.from {
		if status == current {
			return true
		}
	}
	return false
}

func (r rule) authorize(op Operation, roles Role) error {
	if r.role == RoleAnyone || roles.Has(r.role) {
		return nil
	}
	return fmt.Errorf("%w: %s requires %s, caller is %s", ErrNotAuthorized, op, r.role, roles)
}
