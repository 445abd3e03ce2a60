package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"coinquilini/internal/core"
	"coinquilini/internal/ledger"
)

type loginRequest struct {
	Apartment string `json:"apartment"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type loginResponse struct {
	ID          int64  `json:"id"`
	ApartmentID int64  `json:"apartment_id"`
	Username    string `json:"username"`
	Kind        string `json:"kind"`
}

type createApartmentRequest struct {
	Name string `json:"name"`
}

type createTenantRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	RealName string `json:"real_name"`
}

type createExpenseRequest struct {
	PayerID     int64   `json:"payer_id"`
	Amount      string  `json:"amount"`
	InvolvedIDs []int64 `json:"involved_ids"`
}

type apartmentResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type tenantResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	RealName string `json:"real_name"`
}

type expenseResponse struct {
	ID          int64   `json:"id"`
	PayerID     int64   `json:"payer_id"`
	ApartmentID int64   `json:"apartment_id"`
	Amount      string  `json:"amount"`
	InvolvedIDs []int64 `json:"involved_ids"`
}

type balanceResponse struct {
	TenantID int64  `json:"tenant_id"`
	Username string `json:"username"`
	RealName string `json:"real_name"`
	Credit   string `json:"credit"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authenticator.Authenticate(r.Context(), req.Apartment, req.Username, req.Password)
	if err != nil {
		// Same response for every failure mode, nothing to enumerate.
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		ID:          user.ID,
		ApartmentID: user.ApartmentID,
		Username:    user.Username,
		Kind:        string(user.Kind),
	})
}

func (s *Server) handleListApartments(w http.ResponseWriter, r *http.Request) {
	apartments, err := s.ledger.Apartments(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	out := make([]apartmentResponse, 0, len(apartments))
	for _, a := range apartments {
		out = append(out, apartmentResponse{ID: a.ID, Name: a.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateApartment(w http.ResponseWriter, r *http.Request) {
	var req createApartmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	apartment, err := s.ledger.CreateApartment(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, apartmentResponse{ID: apartment.ID, Name: apartment.Name})
}

func (s *Server) handleDeleteApartment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.DeleteApartment(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tenants, err := s.ledger.Tenants(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	out := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, tenantResponse{ID: t.ID, Username: t.Username, RealName: t.RealName})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tenant, err := s.ledger.CreateTenant(r.Context(), id, req.Username, req.Password, req.Role, req.RealName)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, tenantResponse{ID: tenant.ID, Username: tenant.Username, RealName: tenant.RealName})
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.DeleteTenant(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req createExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	expense, err := s.ledger.CreateExpense(r.Context(), req.PayerID, core.Money{Cents: cents}, time.Now(), req.InvolvedIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	expensesCreated.Inc()
	writeJSON(w, http.StatusCreated, toExpenseResponse(expense))
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.DeleteExpense(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddInvolved(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tenantID, ok := pathID(w, r, "tenant")
	if !ok {
		return
	}

	if err := s.ledger.AddInvolved(r.Context(), expenseID, tenantID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveInvolved(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tenantID, ok := pathID(w, r, "tenant")
	if !ok {
		return
	}

	if err := s.ledger.RemoveInvolved(r.Context(), expenseID, tenantID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	credits, err := s.ledger.Balances(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponses(credits))
}

func (s *Server) handleTotal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	total, err := s.ledger.Total(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"total": total.String()})
}

func toExpenseResponse(e core.Expense) expenseResponse {
	return expenseResponse{
		ID:          e.ID,
		PayerID:     e.PayerID,
		ApartmentID: e.ApartmentID,
		Amount:      e.Amount.String(),
		InvolvedIDs: e.InvolvedIDs,
	}
}

func toBalanceResponses(credits []ledger.TenantCredit) []balanceResponse {
	out := make([]balanceResponse, 0, len(credits))
	for _, c := range credits {
		out = append(out, balanceResponse{
			TenantID: c.Tenant.ID,
			Username: c.Tenant.Username,
			RealName: c.Tenant.RealName,
			Credit:   c.Credit.String(),
		})
	}
	return out
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// writeServiceError maps the core error taxonomy to status codes.
// Unknown errors are logged and reported as an opaque 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, core.ErrDuplicateKey):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidInvolvedSet),
		errors.Is(err, core.ErrEmptyName),
		errors.Is(err, core.ErrNameTooLong),
		errors.Is(err, core.ErrInvalidKind),
		errors.Is(err, core.ErrRoleNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrAuthenticationFailed):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	default:
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "url", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
