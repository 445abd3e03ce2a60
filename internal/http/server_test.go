package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"coinquilini/internal/auth"
	"coinquilini/internal/services"
	"coinquilini/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	creds := auth.BcryptCredentials{Cost: 4}
	ledgerService := services.NewLedgerService(repo, nil, creds)
	authService := auth.NewService(repo, creds)
	srv := NewServer(":0", ledgerService, authService)
	t.Cleanup(func() { srv.rateLimiter.stop() })
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		srv.Handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
}

func TestApartmentLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rr := doJSON(t, srv, http.MethodPost, "/apartments", createApartmentRequest{Name: "Dorighello"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	apt := decode[apartmentResponse](t, rr)
	if apt.ID == 0 || apt.Name != "Dorighello" {
		t.Fatalf("unexpected apartment: %+v", apt)
	}

	// Duplicate name conflicts.
	rr = doJSON(t, srv, http.MethodPost, "/apartments", createApartmentRequest{Name: "Dorighello"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate status=%d", rr.Code)
	}

	rr = doJSON(t, srv, http.MethodGet, "/apartments", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status=%d", rr.Code)
	}
	if list := decode[[]apartmentResponse](t, rr); len(list) != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}

	rr = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/apartments/%d", apt.ID), nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rr.Code)
	}
	rr = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/apartments/%d", apt.ID), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("repeated delete status=%d", rr.Code)
	}
}

func TestExpenseAndBalanceFlow(t *testing.T) {
	srv := newTestServer(t)

	apt := decode[apartmentResponse](t, doJSON(t, srv, http.MethodPost, "/apartments",
		createApartmentRequest{Name: "Dorighello"}))

	tenantsPath := fmt.Sprintf("/apartments/%d/tenants", apt.ID)
	anna := decode[tenantResponse](t, doJSON(t, srv, http.MethodPost, tenantsPath,
		createTenantRequest{Username: "anna", Password: "pw", RealName: "Anna"}))
	bruno := decode[tenantResponse](t, doJSON(t, srv, http.MethodPost, tenantsPath,
		createTenantRequest{Username: "bruno", Password: "pw", RealName: "Bruno"}))

	rr := doJSON(t, srv, http.MethodPost, "/expenses",
		createExpenseRequest{PayerID: anna.ID, Amount: "9.00"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create expense status=%d body=%s", rr.Code, rr.Body.String())
	}
	expense := decode[expenseResponse](t, rr)
	if len(expense.InvolvedIDs) != 2 {
		t.Fatalf("expected full roster involved, got %v", expense.InvolvedIDs)
	}

	rr = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/apartments/%d/balances", apt.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("balances status=%d", rr.Code)
	}
	balances := decode[[]balanceResponse](t, rr)
	if len(balances) != 2 {
		t.Fatalf("unexpected balances: %+v", balances)
	}
	if balances[0].TenantID != anna.ID || balances[0].Credit != "4.50" {
		t.Fatalf("unexpected payer balance: %+v", balances[0])
	}
	if balances[1].TenantID != bruno.ID || balances[1].Credit != "-4.50" {
		t.Fatalf("unexpected debtor balance: %+v", balances[1])
	}

	rr = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/apartments/%d/total", apt.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("total status=%d", rr.Code)
	}
	if total := decode[map[string]string](t, rr); total["total"] != "9.00" {
		t.Fatalf("unexpected total: %+v", total)
	}

	// Detach bruno; anna carries the whole cost and balances net to zero.
	rr = doJSON(t, srv, http.MethodDelete,
		fmt.Sprintf("/expenses/%d/involved/%d", expense.ID, bruno.ID), nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("remove involved status=%d body=%s", rr.Code, rr.Body.String())
	}
	balances = decode[[]balanceResponse](t, doJSON(t, srv, http.MethodGet,
		fmt.Sprintf("/apartments/%d/balances", apt.ID), nil))
	if balances[0].Credit != "0.00" || balances[1].Credit != "0.00" {
		t.Fatalf("unexpected balances after detach: %+v", balances)
	}

	// Removing the last involved tenant is rejected.
	rr = doJSON(t, srv, http.MethodDelete,
		fmt.Sprintf("/expenses/%d/involved/%d", expense.ID, anna.ID), nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("remove last involved status=%d", rr.Code)
	}
}

func TestCreateExpenseValidation(t *testing.T) {
	srv := newTestServer(t)

	apt := decode[apartmentResponse](t, doJSON(t, srv, http.MethodPost, "/apartments",
		createApartmentRequest{Name: "Dorighello"}))
	anna := decode[tenantResponse](t, doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/apartments/%d/tenants", apt.ID),
		createTenantRequest{Username: "anna", Password: "pw", RealName: "Anna"}))

	cases := []struct {
		name string
		req  createExpenseRequest
		want int
	}{
		{"negative amount", createExpenseRequest{PayerID: anna.ID, Amount: "-5"}, http.StatusBadRequest},
		{"malformed amount", createExpenseRequest{PayerID: anna.ID, Amount: "abc"}, http.StatusBadRequest},
		{"unknown payer", createExpenseRequest{PayerID: 9999, Amount: "5.00"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, srv, http.MethodPost, "/expenses", tc.req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d (body: %s)", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestLoginEndpoint(t *testing.T) {
	srv := newTestServer(t)

	apt := decode[apartmentResponse](t, doJSON(t, srv, http.MethodPost, "/apartments",
		createApartmentRequest{Name: "Dorighello"}))
	doJSON(t, srv, http.MethodPost, fmt.Sprintf("/apartments/%d/tenants", apt.ID),
		createTenantRequest{Username: "enrico", Password: "password", RealName: "Enrico"})

	rr := doJSON(t, srv, http.MethodPost, "/login",
		loginRequest{Apartment: "Dorighello", Username: "enrico", Password: "password"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login status=%d body=%s", rr.Code, rr.Body.String())
	}
	user := decode[loginResponse](t, rr)
	if user.Username != "enrico" || user.ApartmentID != apt.ID {
		t.Fatalf("unexpected login response: %+v", user)
	}

	// Every failure mode gets the same status and body.
	failures := []loginRequest{
		{Apartment: "Nowhere", Username: "enrico", Password: "password"},
		{Apartment: "Dorighello", Username: "nobody", Password: "password"},
		{Apartment: "Dorighello", Username: "enrico", Password: "wrong"},
		{Apartment: "", Username: "enrico", Password: "password"},
	}
	var bodies []string
	for _, req := range failures {
		rr := doJSON(t, srv, http.MethodPost, "/login", req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %+v, got %d", req, rr.Code)
		}
		bodies = append(bodies, rr.Body.String())
	}
	for _, b := range bodies[1:] {
		if b != bodies[0] {
			t.Fatalf("failure responses differ: %q vs %q", bodies[0], b)
		}
	}
}

func TestTenantCascadeOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	apt := decode[apartmentResponse](t, doJSON(t, srv, http.MethodPost, "/apartments",
		createApartmentRequest{Name: "Dorighello"}))
	tenantsPath := fmt.Sprintf("/apartments/%d/tenants", apt.ID)
	anna := decode[tenantResponse](t, doJSON(t, srv, http.MethodPost, tenantsPath,
		createTenantRequest{Username: "anna", Password: "pw", RealName: "Anna"}))
	bruno := decode[tenantResponse](t, doJSON(t, srv, http.MethodPost, tenantsPath,
		createTenantRequest{Username: "bruno", Password: "pw", RealName: "Bruno"}))

	expense := decode[expenseResponse](t, doJSON(t, srv, http.MethodPost, "/expenses",
		createExpenseRequest{PayerID: anna.ID, Amount: "6.00", InvolvedIDs: []int64{anna.ID, bruno.ID}}))

	rr := doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/tenants/%d", anna.ID), nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete tenant status=%d", rr.Code)
	}

	// Anna's expense went with her; bruno's balance is clean.
	rr = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/expenses/%d", expense.ID), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected expense cascaded, delete status=%d", rr.Code)
	}
	balances := decode[[]balanceResponse](t, doJSON(t, srv, http.MethodGet,
		fmt.Sprintf("/apartments/%d/balances", apt.ID), nil))
	if len(balances) != 1 || balances[0].TenantID != bruno.ID || balances[0].Credit != "0.00" {
		t.Fatalf("unexpected balances after cascade: %+v", balances)
	}
}
