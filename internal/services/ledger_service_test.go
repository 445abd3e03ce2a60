package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"coinquilini/internal/core"
)

// fakeStore is an in-memory Store for exercising the service layer
// without a database.
type fakeStore struct {
	apartments map[int64]core.Apartment
	users      map[int64]core.User
	expenses   map[int64]core.Expense
	nextID     int64

	snapshotCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apartments: make(map[int64]core.Apartment),
		users:      make(map[int64]core.User),
		expenses:   make(map[int64]core.Expense),
		nextID:     1,
	}
}

func (f *fakeStore) id() int64 {
	id := f.nextID
	f.nextID++
	return id
}

func (f *fakeStore) addApartment(name string) core.Apartment {
	apt := core.Apartment{ID: f.id(), Name: name}
	f.apartments[apt.ID] = apt
	return apt
}

func (f *fakeStore) addTenant(apartmentID int64, username string) core.User {
	user := core.User{
		ID: f.id(), ApartmentID: apartmentID, Username: username,
		Kind: core.KindTenant, RealName: username,
	}
	f.users[user.ID] = user
	return user
}

func (f *fakeStore) CreateApartment(_ context.Context, name string) (core.Apartment, error) {
	for _, a := range f.apartments {
		if a.Name == name {
			return core.Apartment{}, core.ErrDuplicateKey
		}
	}
	return f.addApartment(name), nil
}

func (f *fakeStore) GetApartment(_ context.Context, id int64) (core.Apartment, error) {
	apt, ok := f.apartments[id]
	if !ok {
		return core.Apartment{}, core.ErrNotFound
	}
	return apt, nil
}

func (f *fakeStore) GetApartmentByName(_ context.Context, name string) (core.Apartment, error) {
	for _, a := range f.apartments {
		if a.Name == name {
			return a, nil
		}
	}
	return core.Apartment{}, core.ErrNotFound
}

func (f *fakeStore) ListApartments(_ context.Context) ([]core.Apartment, error) {
	var out []core.Apartment
	for _, a := range f.apartments {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) DeleteApartment(_ context.Context, id int64) error {
	if _, ok := f.apartments[id]; !ok {
		return core.ErrNotFound
	}
	delete(f.apartments, id)
	return nil
}

func (f *fakeStore) GetRoleByName(_ context.Context, name string) (core.Role, error) {
	roles := map[string]int64{
		core.RoleRoot: 1, core.RoleAdmin: 2, core.RoleTrustedUser: 3, core.RoleTenant: 4,
	}
	id, ok := roles[name]
	if !ok {
		return core.Role{}, core.ErrRoleNotFound
	}
	return core.Role{ID: id, Name: name}, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user *core.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	for _, u := range f.users {
		if u.ApartmentID == user.ApartmentID && u.Username == user.Username {
			return core.ErrDuplicateKey
		}
	}
	user.ID = f.id()
	f.users[user.ID] = *user
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (core.User, error) {
	user, ok := f.users[id]
	if !ok {
		return core.User{}, core.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) GetUserByUsername(_ context.Context, apartmentID int64, username string) (core.User, error) {
	for _, u := range f.users {
		if u.ApartmentID == apartmentID && u.Username == username {
			return u, nil
		}
	}
	return core.User{}, core.ErrNotFound
}

func (f *fakeStore) TenantsOfApartment(_ context.Context, apartmentID int64) ([]core.User, error) {
	var out []core.User
	for id := int64(0); id < f.nextID; id++ {
		if u, ok := f.users[id]; ok && u.ApartmentID == apartmentID && u.IsTenant() {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteUser(_ context.Context, id int64) error {
	if _, ok := f.users[id]; !ok {
		return core.ErrNotFound
	}
	delete(f.users, id)
	return nil
}

func (f *fakeStore) CreateExpense(_ context.Context, expense *core.Expense) error {
	if err := expense.Validate(); err != nil {
		return err
	}
	expense.ID = f.id()
	f.expenses[expense.ID] = *expense
	return nil
}

func (f *fakeStore) GetExpense(_ context.Context, id int64) (core.Expense, error) {
	e, ok := f.expenses[id]
	if !ok {
		return core.Expense{}, core.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ExpensesOfApartment(_ context.Context, apartmentID int64) ([]core.Expense, error) {
	var out []core.Expense
	for id := int64(0); id < f.nextID; id++ {
		if e, ok := f.expenses[id]; ok && e.ApartmentID == apartmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) AddInvolved(_ context.Context, expenseID, tenantID int64) error {
	e, ok := f.expenses[expenseID]
	if !ok {
		return core.ErrNotFound
	}
	if !e.Involves(tenantID) {
		e.InvolvedIDs = append(e.InvolvedIDs, tenantID)
		f.expenses[expenseID] = e
	}
	return nil
}

func (f *fakeStore) RemoveInvolved(_ context.Context, expenseID, tenantID int64) error {
	e, ok := f.expenses[expenseID]
	if !ok {
		return core.ErrNotFound
	}
	if len(e.InvolvedIDs) == 1 {
		return core.ErrInvalidInvolvedSet
	}
	kept := e.InvolvedIDs[:0]
	found := false
	for _, id := range e.InvolvedIDs {
		if id == tenantID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		return core.ErrNotFound
	}
	e.InvolvedIDs = kept
	f.expenses[expenseID] = e
	return nil
}

func (f *fakeStore) DeleteExpense(_ context.Context, id int64) error {
	if _, ok := f.expenses[id]; !ok {
		return core.ErrNotFound
	}
	delete(f.expenses, id)
	return nil
}

func (f *fakeStore) LedgerSnapshot(ctx context.Context, apartmentID int64) ([]core.User, []core.Expense, error) {
	f.snapshotCalls++
	if _, ok := f.apartments[apartmentID]; !ok {
		return nil, nil, core.ErrNotFound
	}
	roster, _ := f.TenantsOfApartment(ctx, apartmentID)
	expenses, _ := f.ExpensesOfApartment(ctx, apartmentID)
	return roster, expenses, nil
}

type fakePublisher struct {
	kinds []string
}

func (p *fakePublisher) PublishLedgerEvent(_ context.Context, kind string, _, _ int64) error {
	p.kinds = append(p.kinds, kind)
	return nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(plaintext string) (string, error) { return "hashed:" + plaintext, nil }

func newTestService(store *fakeStore, events EventPublisher) *LedgerService {
	return NewLedgerService(store, events, fakeHasher{})
}

func TestCreateTenant(t *testing.T) {
	store := newFakeStore()
	apt := store.addApartment("Dorighello")
	service := newTestService(store, nil)
	ctx := context.Background()

	tenant, err := service.CreateTenant(ctx, apt.ID, "enrico", "password", "", "Enrico")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tenant.IsTenant() {
		t.Fatalf("expected tenant kind, got %+v", tenant)
	}
	if tenant.Credential != "hashed:password" {
		t.Fatalf("expected hashed credential, got %q", tenant.Credential)
	}
	if tenant.RoleID != 4 {
		t.Fatalf("expected tenant role by default, got role %d", tenant.RoleID)
	}

	if _, err := service.CreateTenant(ctx, 9999, "x", "p", "", "X"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing apartment, got %v", err)
	}
	if _, err := service.CreateTenant(ctx, apt.ID, "x", "p", "janitor", "X"); !errors.Is(err, core.ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
}

func TestEnsureRootAccount(t *testing.T) {
	store := newFakeStore()
	service := newTestService(store, nil)
	ctx := context.Background()

	if err := service.EnsureRootAccount(ctx, "toor"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	root, err := store.GetUserByUsername(ctx, 0, "root")
	if err != nil {
		t.Fatalf("root not created: %v", err)
	}
	if !root.IsRoot() {
		t.Fatalf("expected apartment-less root, got %+v", root)
	}

	// Second call is a no-op.
	if err := service.EnsureRootAccount(ctx, "different"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, _ := store.GetUserByUsername(ctx, 0, "root")
	if again.Credential != root.Credential {
		t.Fatal("expected existing root account to be untouched")
	}
}

func TestCreateExpenseDefaultsToRoster(t *testing.T) {
	store := newFakeStore()
	apt := store.addApartment("Dorighello")
	a := store.addTenant(apt.ID, "anna")
	b := store.addTenant(apt.ID, "bruno")
	c := store.addTenant(apt.ID, "carla")
	service := newTestService(store, nil)

	expense, err := service.CreateExpense(context.Background(), a.ID, core.Money{Cents: 900}, time.Now(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int64{a.ID, b.ID, c.ID}
	if len(expense.InvolvedIDs) != len(want) {
		t.Fatalf("expected full roster, got %v", expense.InvolvedIDs)
	}
	for i, id := range want {
		if expense.InvolvedIDs[i] != id {
			t.Fatalf("expected roster %v, got %v", want, expense.InvolvedIDs)
		}
	}

	// Tenants joining later do not retroactively appear.
	store.addTenant(apt.ID, "dario")
	got, err := store.GetExpense(context.Background(), expense.ID)
	if err != nil {
		t.Fatalf("get expense: %v", err)
	}
	if len(got.InvolvedIDs) != 3 {
		t.Fatalf("expected snapshot of 3 tenants, got %v", got.InvolvedIDs)
	}
}

func TestCreateExpenseRejections(t *testing.T) {
	store := newFakeStore()
	apt := store.addApartment("Dorighello")
	a := store.addTenant(apt.ID, "anna")
	plain := core.User{ID: store.id(), ApartmentID: apt.ID, Username: "admin", Kind: core.KindUser}
	store.users[plain.ID] = plain
	service := newTestService(store, nil)
	ctx := context.Background()

	if _, err := service.CreateExpense(ctx, a.ID, core.Money{Cents: -1}, time.Now(), nil); !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := service.CreateExpense(ctx, 9999, core.Money{Cents: 100}, time.Now(), nil); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing payer, got %v", err)
	}
	if _, err := service.CreateExpense(ctx, plain.ID, core.Money{Cents: 100}, time.Now(), nil); !errors.Is(err, core.ErrInvalidInvolvedSet) {
		t.Fatalf("expected ErrInvalidInvolvedSet for non-tenant payer, got %v", err)
	}
}

func TestBalancesCaching(t *testing.T) {
	store := newFakeStore()
	apt := store.addApartment("Dorighello")
	a := store.addTenant(apt.ID, "anna")
	b := store.addTenant(apt.ID, "bruno")
	service := newTestService(store, nil)
	ctx := context.Background()

	if _, err := service.CreateExpense(ctx, a.ID, core.Money{Cents: 600}, time.Now(), []int64{a.ID, b.ID}); err != nil {
		t.Fatalf("create expense: %v", err)
	}

	credits, err := service.Balances(ctx, apt.ID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(credits) != 2 || credits[0].Credit.Cents != 300 || credits[1].Credit.Cents != -300 {
		t.Fatalf("unexpected credits: %+v", credits)
	}
	if store.snapshotCalls != 1 {
		t.Fatalf("expected 1 snapshot, got %d", store.snapshotCalls)
	}

	// Second read is served from cache.
	if _, err := service.Balances(ctx, apt.ID); err != nil {
		t.Fatalf("balances: %v", err)
	}
	if store.snapshotCalls != 1 {
		t.Fatalf("expected cached read, got %d snapshots", store.snapshotCalls)
	}

	// A ledger write invalidates the cached table.
	if _, err := service.CreateExpense(ctx, b.ID, core.Money{Cents: 200}, time.Now(), []int64{a.ID, b.ID}); err != nil {
		t.Fatalf("create expense: %v", err)
	}
	credits, err = service.Balances(ctx, apt.ID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if store.snapshotCalls != 2 {
		t.Fatalf("expected recompute after write, got %d snapshots", store.snapshotCalls)
	}
	if credits[0].Credit.Cents != 200 || credits[1].Credit.Cents != -200 {
		t.Fatalf("unexpected credits after write: %+v", credits)
	}
}

func TestTotal(t *testing.T) {
	store := newFakeStore()
	apt := store.addApartment("Dorighello")
	a := store.addTenant(apt.ID, "anna")
	service := newTestService(store, nil)
	ctx := context.Background()

	if _, err := service.CreateExpense(ctx, a.ID, core.Money{Cents: 900}, time.Now(), nil); err != nil {
		t.Fatalf("create expense: %v", err)
	}
	if _, err := service.CreateExpense(ctx, a.ID, core.Money{Cents: 150}, time.Now(), nil); err != nil {
		t.Fatalf("create expense: %v", err)
	}

	total, err := service.Total(ctx, apt.ID)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total.Cents != 1050 {
		t.Fatalf("expected 1050, got %d", total.Cents)
	}

	if _, err := service.Total(ctx, 9999); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsPublished(t *testing.T) {
	store := newFakeStore()
	events := &fakePublisher{}
	apt := store.addApartment("Dorighello")
	a := store.addTenant(apt.ID, "anna")
	b := store.addTenant(apt.ID, "bruno")
	service := newTestService(store, events)
	ctx := context.Background()

	expense, err := service.CreateExpense(ctx, a.ID, core.Money{Cents: 600}, time.Now(), []int64{a.ID})
	if err != nil {
		t.Fatalf("create expense: %v", err)
	}
	if err := service.AddInvolved(ctx, expense.ID, b.ID); err != nil {
		t.Fatalf("add involved: %v", err)
	}
	if err := service.DeleteExpense(ctx, expense.ID); err != nil {
		t.Fatalf("delete expense: %v", err)
	}
	if err := service.DeleteTenant(ctx, b.ID); err != nil {
		t.Fatalf("delete tenant: %v", err)
	}
	if err := service.DeleteApartment(ctx, apt.ID); err != nil {
		t.Fatalf("delete apartment: %v", err)
	}

	want := []string{"expense_created", "expense_updated", "expense_deleted", "tenant_deleted", "apartment_deleted"}
	if len(events.kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, events.kinds)
	}
	for i, kind := range want {
		if events.kinds[i] != kind {
			t.Fatalf("expected %v, got %v", want, events.kinds)
		}
	}
}

func TestNilPublisherIsSafe(t *testing.T) {
	store := newFakeStore()
	apt := store.addApartment("Dorighello")
	a := store.addTenant(apt.ID, "anna")
	service := newTestService(store, nil)

	if _, err := service.CreateExpense(context.Background(), a.ID, core.Money{Cents: 100}, time.Now(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
