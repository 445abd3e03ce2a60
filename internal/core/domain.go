package core

import (
	"strings"
	"time"
)

// Role names seeded at system initialization. Roles are looked up by
// name and never duplicated.
const (
	RoleRoot        = "root"
	RoleAdmin       = "admin"
	RoleTrustedUser = "trusted_user"
	RoleTenant      = "tenant"
)

// User kinds. A plain user has an identity but cannot own or share
// expenses; only the tenant variant appears in ledger computations.
const (
	KindUser   UserKind = "user"
	KindTenant UserKind = "tenant"
)

type (
	UserKind string

	// Apartment is the unit of multi-tenant isolation for the ledger.
	// Its name is globally unique.
	Apartment struct {
		ID   int64
		Name string
	}

	// Role is a fixed, named capability tag.
	Role struct {
		ID   int64
		Name string
	}

	// User is an identity record. ApartmentID is zero for the
	// apartment-less root account. The tenant variant carries a
	// display name and may pay for or share expenses.
	User struct {
		ID          int64
		ApartmentID int64 // 0 = no apartment (root)
		Username    string
		Credential  string // opaque; only equality is observable
		RoleID      int64
		Kind        UserKind
		RealName    string // tenant variant only
	}

	// Expense is a cost paid by one tenant and shared by a set of
	// involved tenants from the same apartment. The involved set is a
	// snapshot taken at creation time, not a live view of the roster.
	Expense struct {
		ID          int64
		PayerID     int64
		ApartmentID int64
		Amount      Money
		CreatedAt   time.Time
		InvolvedIDs []int64
	}
)

// IsTenant reports whether this identity can own or participate in
// expenses. Capability check, not a type-name check.
func (u User) IsTenant() bool {
	return u.Kind == KindTenant
}

// IsRoot reports whether this is the apartment-less bootstrap account.
func (u User) IsRoot() bool {
	return u.ApartmentID == 0 && u.Username == RoleRoot
}

func (a Apartment) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrEmptyName
	}
	if len(a.Name) > 100 {
		return ErrNameTooLong
	}
	return nil
}

func (u User) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return ErrEmptyName
	}
	if len(u.Username) > 100 {
		return ErrNameTooLong
	}
	switch u.Kind {
	case KindUser, KindTenant:
	default:
		return ErrInvalidKind
	}
	if u.Kind == KindTenant && strings.TrimSpace(u.RealName) == "" {
		return ErrEmptyName
	}
	return nil
}

// Validate rejects construction-time violations before any persistence
// mutation: negative amounts and empty or degenerate involved sets. An
// empty involved set would divide by zero in the balance computation,
// so it is a rejected input, not a crash.
func (e Expense) Validate() error {
	if e.Amount.Cents < 0 {
		return ErrInvalidAmount
	}
	if e.PayerID == 0 {
		return ErrInvalidInvolvedSet
	}
	if len(e.InvolvedIDs) == 0 {
		return ErrInvalidInvolvedSet
	}
	seen := make(map[int64]struct{}, len(e.InvolvedIDs))
	for _, id := range e.InvolvedIDs {
		if id == 0 {
			return ErrInvalidInvolvedSet
		}
		if _, dup := seen[id]; dup {
			return ErrInvalidInvolvedSet
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Involves reports whether the tenant shares the cost of this expense.
func (e Expense) Involves(tenantID int64) bool {
	for _, id := range e.InvolvedIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}
