// Package services orchestrates the ledger: identity and expense
// operations against the persistence boundary, balance computation,
// snapshot caching and change events. The HTTP layer calls only into
// this package.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coinquilini/internal/amqp"
	"coinquilini/internal/cache"
	"coinquilini/internal/core"
	"coinquilini/internal/ledger"
)

// Store is the persistence boundary consumed by the service layer.
// Satisfied by *storage.SQLiteRepository; tests supply fakes.
type Store interface {
	CreateApartment(ctx context.Context, name string) (core.Apartment, error)
	GetApartment(ctx context.Context, id int64) (core.Apartment, error)
	GetApartmentByName(ctx context.Context, name string) (core.Apartment, error)
	ListApartments(ctx context.Context) ([]core.Apartment, error)
	DeleteApartment(ctx context.Context, id int64) error

	GetRoleByName(ctx context.Context, name string) (core.Role, error)

	CreateUser(ctx context.Context, user *core.User) error
	GetUser(ctx context.Context, id int64) (core.User, error)
	GetUserByUsername(ctx context.Context, apartmentID int64, username string) (core.User, error)
	TenantsOfApartment(ctx context.Context, apartmentID int64) ([]core.User, error)
	DeleteUser(ctx context.Context, id int64) error

	CreateExpense(ctx context.Context, expense *core.Expense) error
	GetExpense(ctx context.Context, id int64) (core.Expense, error)
	ExpensesOfApartment(ctx context.Context, apartmentID int64) ([]core.Expense, error)
	AddInvolved(ctx context.Context, expenseID, tenantID int64) error
	RemoveInvolved(ctx context.Context, expenseID, tenantID int64) error
	DeleteExpense(ctx context.Context, id int64) error

	LedgerSnapshot(ctx context.Context, apartmentID int64) ([]core.User, []core.Expense, error)
}

// EventPublisher emits ledger change events. Optional: a nil publisher
// disables eventing without failing any request.
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, kind string, apartmentID, expenseID int64) error
}

// CredentialHasher derives the stored form of a password at
// registration time.
type CredentialHasher interface {
	Hash(plaintext string) (string, error)
}

// LedgerService is the caller-facing API of the core.
type LedgerService struct {
	store    Store
	events   EventPublisher
	hasher   CredentialHasher
	balances *cache.LRUCache[int64, []ledger.TenantCredit]
}

func NewLedgerService(store Store, events EventPublisher, hasher CredentialHasher) *LedgerService {
	return &LedgerService{
		store:    store,
		events:   events,
		hasher:   hasher,
		balances: cache.NewLRUCache[int64, []ledger.TenantCredit](100, 5*time.Minute),
	}
}

// CreateApartment registers a new apartment. Duplicate names yield
// core.ErrDuplicateKey.
func (s *LedgerService) CreateApartment(ctx context.Context, name string) (core.Apartment, error) {
	return s.store.CreateApartment(ctx, name)
}

// Apartments lists all apartments.
func (s *LedgerService) Apartments(ctx context.Context) ([]core.Apartment, error) {
	return s.store.ListApartments(ctx)
}

// CreateTenant registers a tenant of an apartment. The role defaults to
// "tenant" when none is given; a missing role row yields
// core.ErrRoleNotFound. The credential is hashed before it touches the
// persistence boundary.
func (s *LedgerService) CreateTenant(ctx context.Context, apartmentID int64, username, password, roleName, realName string) (core.User, error) {
	if roleName == "" {
		roleName = core.RoleTenant
	}
	return s.createIdentity(ctx, apartmentID, username, password, roleName, core.KindTenant, realName)
}

// CreateUser registers a plain (non-tenant) identity. The role must be
// explicit: only bootstrap singleton accounts get a role inferred from
// their username.
func (s *LedgerService) CreateUser(ctx context.Context, apartmentID int64, username, password, roleName string) (core.User, error) {
	if roleName == "" {
		roleName = username // bootstrap singletons: root gets the root role
	}
	return s.createIdentity(ctx, apartmentID, username, password, roleName, core.KindUser, "")
}

func (s *LedgerService) createIdentity(ctx context.Context, apartmentID int64, username, password, roleName string, kind core.UserKind, realName string) (core.User, error) {
	if apartmentID != 0 {
		if _, err := s.store.GetApartment(ctx, apartmentID); err != nil {
			return core.User{}, err
		}
	}

	role, err := s.store.GetRoleByName(ctx, roleName)
	if err != nil {
		return core.User{}, err
	}

	credential, err := s.hasher.Hash(password)
	if err != nil {
		return core.User{}, fmt.Errorf("%w: %v", core.ErrStorage, err)
	}

	// the value exists before it is durable; registration with the
	// store is the explicit persistence step
	user := core.User{
		ApartmentID: apartmentID,
		Username:    username,
		Credential:  credential,
		RoleID:      role.ID,
		Kind:        kind,
		RealName:    realName,
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return core.User{}, err
	}
	return user, nil
}

// EnsureRootAccount creates the apartment-less root bootstrap account
// if it does not exist yet.
func (s *LedgerService) EnsureRootAccount(ctx context.Context, password string) error {
	_, err := s.store.GetUserByUsername(ctx, 0, core.RoleRoot)
	if err == nil {
		return nil
	}
	if _, err := s.CreateUser(ctx, 0, core.RoleRoot, password, ""); err != nil {
		return fmt.Errorf("create root account: %w", err)
	}
	slog.InfoContext(ctx, "Root account created")
	return nil
}

// Tenants returns the current tenant roster of an apartment in
// ascending ID order.
func (s *LedgerService) Tenants(ctx context.Context, apartmentID int64) ([]core.User, error) {
	return s.store.TenantsOfApartment(ctx, apartmentID)
}

// CreateExpense records a shared expense. When involved is empty the
// full current tenant roster of the payer's apartment is captured as a
// snapshot; later roster changes do not retroactively join past
// expenses. Validation happens before any persistence mutation.
func (s *LedgerService) CreateExpense(ctx context.Context, payerID int64, amount core.Money, at time.Time, involved []int64) (core.Expense, error) {
	if amount.Cents < 0 {
		return core.Expense{}, core.ErrInvalidAmount
	}

	payer, err := s.store.GetUser(ctx, payerID)
	if err != nil {
		return core.Expense{}, err
	}
	if !payer.IsTenant() {
		return core.Expense{}, core.ErrInvalidInvolvedSet
	}

	if len(involved) == 0 {
		roster, err := s.store.TenantsOfApartment(ctx, payer.ApartmentID)
		if err != nil {
			return core.Expense{}, err
		}
		for _, t := range roster {
			involved = append(involved, t.ID)
		}
	}

	expense := core.Expense{
		PayerID:     payerID,
		ApartmentID: payer.ApartmentID,
		Amount:      amount,
		CreatedAt:   at,
		InvolvedIDs: involved,
	}
	if err := s.store.CreateExpense(ctx, &expense); err != nil {
		return core.Expense{}, err
	}

	s.invalidate(payer.ApartmentID)
	s.publish(ctx, amqp.EventExpenseCreated, payer.ApartmentID, expense.ID)
	return expense, nil
}

// AddInvolved appends a tenant to an expense's involved set.
func (s *LedgerService) AddInvolved(ctx context.Context, expenseID, tenantID int64) error {
	if err := s.store.AddInvolved(ctx, expenseID, tenantID); err != nil {
		return err
	}
	s.afterExpenseMutation(ctx, expenseID)
	return nil
}

// RemoveInvolved detaches a tenant from an expense's involved set.
func (s *LedgerService) RemoveInvolved(ctx context.Context, expenseID, tenantID int64) error {
	if err := s.store.RemoveInvolved(ctx, expenseID, tenantID); err != nil {
		return err
	}
	s.afterExpenseMutation(ctx, expenseID)
	return nil
}

func (s *LedgerService) afterExpenseMutation(ctx context.Context, expenseID int64) {
	expense, err := s.store.GetExpense(ctx, expenseID)
	if err != nil {
		slog.WarnContext(ctx, "Expense reload after mutation failed",
			"expense_id", expenseID, "error", err)
		return
	}
	s.invalidate(expense.ApartmentID)
	s.publish(ctx, amqp.EventExpenseUpdated, expense.ApartmentID, expenseID)
}

// Balances computes the credit/debit table for an apartment: one entry
// per tenant in ascending ID order, summing to exactly zero. Snapshots
// are cached per apartment and invalidated on every ledger write.
func (s *LedgerService) Balances(ctx context.Context, apartmentID int64) ([]ledger.TenantCredit, error) {
	if cached, ok := s.balances.Get(apartmentID); ok {
		return cached, nil
	}

	roster, expenses, err := s.store.LedgerSnapshot(ctx, apartmentID)
	if err != nil {
		return nil, err
	}
	credits, err := ledger.TenantCredits(roster, expenses)
	if err != nil {
		return nil, err
	}

	s.balances.Set(apartmentID, credits)
	return credits, nil
}

// Total sums the amounts of an apartment's expenses. Independent check
// value; not expected to net to zero.
func (s *LedgerService) Total(ctx context.Context, apartmentID int64) (core.Money, error) {
	if _, err := s.store.GetApartment(ctx, apartmentID); err != nil {
		return core.Money{}, err
	}
	expenses, err := s.store.ExpensesOfApartment(ctx, apartmentID)
	if err != nil {
		return core.Money{}, err
	}
	return ledger.TotalExpenses(expenses), nil
}

// DeleteExpense removes a single expense.
func (s *LedgerService) DeleteExpense(ctx context.Context, id int64) error {
	expense, err := s.store.GetExpense(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteExpense(ctx, id); err != nil {
		return err
	}
	s.invalidate(expense.ApartmentID)
	s.publish(ctx, amqp.EventExpenseDeleted, expense.ApartmentID, id)
	return nil
}

// DeleteTenant removes a tenant: its payer-owned expenses are deleted
// and it is detached from expenses where it is only involved.
func (s *LedgerService) DeleteTenant(ctx context.Context, id int64) error {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.invalidate(user.ApartmentID)
	s.publish(ctx, amqp.EventTenantDeleted, user.ApartmentID, 0)
	return nil
}

// DeleteApartment removes an apartment and transitively all of its
// users, tenants and their payer-owned expenses.
func (s *LedgerService) DeleteApartment(ctx context.Context, id int64) error {
	if err := s.store.DeleteApartment(ctx, id); err != nil {
		return err
	}
	s.invalidate(id)
	s.publish(ctx, amqp.EventApartmentDeleted, id, 0)
	return nil
}

func (s *LedgerService) invalidate(apartmentID int64) {
	s.balances.Delete(apartmentID)
}

func (s *LedgerService) publish(ctx context.Context, kind string, apartmentID, expenseID int64) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishLedgerEvent(ctx, kind, apartmentID, expenseID); err != nil {
		// eventing is best-effort; the write already committed
		slog.ErrorContext(ctx, "Failed to publish ledger event",
			"kind", kind,
			"apartment_id", apartmentID,
			"error", err)
	}
}
