package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coinquilini/internal/core"
)

// CreateExpense persists an expense record together with its involved
// set and populates expense.ID. The payer must be a tenant and every
// involved identity must be a tenant of the payer's apartment; both
// constraints are re-checked inside the insert transaction so a
// concurrent roster change cannot slip a cross-apartment reference in.
// Nothing is written when validation fails.
func (r *SQLiteRepository) CreateExpense(ctx context.Context, expense *core.Expense) error {
	if err := expense.Validate(); err != nil {
		return err
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	payer, err := r.tenantInTx(ctx, tx, expense.PayerID)
	if err != nil {
		return err
	}
	expense.ApartmentID = payer.ApartmentID

	for _, id := range expense.InvolvedIDs {
		if id == expense.PayerID {
			continue
		}
		involved, err := r.tenantInTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if involved.ApartmentID != payer.ApartmentID {
			return core.ErrInvalidInvolvedSet
		}
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO expenses (payer_id, amount_cents, created_at) VALUES (?, ?, ?)",
		expense.PayerID, expense.Amount.Cents, expense.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert expense: %w", err)
	}
	expense.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("expense insert id: %w", err)
	}

	for _, id := range expense.InvolvedIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO involved_tenants (expense_id, tenant_id) VALUES (?, ?)",
			expense.ID, id,
		); err != nil {
			return fmt.Errorf("insert involved tenant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved",
		"id", expense.ID,
		"payer_id", expense.PayerID,
		"amount_cents", expense.Amount.Cents,
		"involved", len(expense.InvolvedIDs))
	return nil
}

// tenantInTx loads a user inside the transaction and requires the
// tenant capability.
func (r *SQLiteRepository) tenantInTx(ctx context.Context, tx *sql.Tx, id int64) (core.User, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user: %w", err)
	}
	if !user.IsTenant() {
		return core.User{}, core.ErrInvalidInvolvedSet
	}
	return user, nil
}

// GetExpense retrieves an expense with its involved set.
func (r *SQLiteRepository) GetExpense(ctx context.Context, id int64) (core.Expense, error) {
	var (
		e       core.Expense
		created int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT e.id, e.payer_id, e.amount_cents, e.created_at, COALESCE(u.apartment_id, 0)
		FROM expenses e
		JOIN users u ON u.id = e.payer_id
		WHERE e.id = ?`, id,
	).Scan(&e.ID, &e.PayerID, &e.Amount.Cents, &created, &e.ApartmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, core.ErrNotFound
	}
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense: %w", err)
	}
	e.CreatedAt = time.Unix(created, 0)

	e.InvolvedIDs, err = r.involvedIDs(ctx, r.db, e.ID)
	if err != nil {
		return core.Expense{}, err
	}
	return e, nil
}

func (r *SQLiteRepository) involvedIDs(ctx context.Context, q querier, expenseID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT tenant_id FROM involved_tenants WHERE expense_id = ? ORDER BY tenant_id",
		expenseID)
	if err != nil {
		return nil, fmt.Errorf("get involved tenants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan involved tenant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate involved tenants: %w", err)
	}
	return ids, nil
}

// ExpensesOfApartment returns all expenses whose payer is a tenant of
// the apartment, ordered by ID.
func (r *SQLiteRepository) ExpensesOfApartment(ctx context.Context, apartmentID int64) ([]core.Expense, error) {
	return r.expensesOfApartment(ctx, r.db, apartmentID)
}

func (r *SQLiteRepository) expensesOfApartment(ctx context.Context, q querier, apartmentID int64) ([]core.Expense, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT e.id, e.payer_id, e.amount_cents, e.created_at
		FROM expenses e
		JOIN users u ON u.id = e.payer_id
		WHERE u.apartment_id = ?
		ORDER BY e.id`, apartmentID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		var (
			e       core.Expense
			created int64
		)
		if err := rows.Scan(&e.ID, &e.PayerID, &e.Amount.Cents, &created); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		e.ApartmentID = apartmentID
		e.CreatedAt = time.Unix(created, 0)
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}

	for i := range expenses {
		expenses[i].InvolvedIDs, err = r.involvedIDs(ctx, q, expenses[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return expenses, nil
}

// AddInvolved appends a tenant to an expense's involved set. The tenant
// must belong to the payer's apartment.
func (r *SQLiteRepository) AddInvolved(ctx context.Context, expenseID, tenantID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payerID int64
	err = tx.QueryRowContext(ctx, "SELECT payer_id FROM expenses WHERE id = ?", expenseID).Scan(&payerID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get expense payer: %w", err)
	}

	payer, err := r.tenantInTx(ctx, tx, payerID)
	if err != nil {
		return err
	}
	tenant, err := r.tenantInTx(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	if tenant.ApartmentID != payer.ApartmentID {
		return core.ErrInvalidInvolvedSet
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO involved_tenants (expense_id, tenant_id) VALUES (?, ?)",
		expenseID, tenantID,
	); err != nil {
		return fmt.Errorf("insert involved tenant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RemoveInvolved detaches a tenant from an expense's involved set.
// Removing the last involved tenant is rejected: an expense with an
// empty involved set cannot participate in the balance computation.
func (r *SQLiteRepository) RemoveInvolved(ctx context.Context, expenseID, tenantID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM involved_tenants WHERE expense_id = ?", expenseID).Scan(&count)
	if err != nil {
		return fmt.Errorf("count involved tenants: %w", err)
	}
	if count == 0 {
		return core.ErrNotFound
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM involved_tenants WHERE expense_id = ? AND tenant_id = ?",
		expenseID, tenantID)
	if err != nil {
		return fmt.Errorf("delete involved tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("involved delete result: %w", err)
	}
	if affected == 0 {
		return core.ErrNotFound
	}
	if count-int(affected) == 0 {
		// would leave an empty involved set; roll back
		return core.ErrInvalidInvolvedSet
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LedgerSnapshot reads the tenant roster and the expense set of an
// apartment inside a single transaction, so the balance computation
// observes a consistent state even while inserts or cascades are in
// flight on other connections.
func (r *SQLiteRepository) LedgerSnapshot(ctx context.Context, apartmentID int64) ([]core.User, []core.Expense, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM apartments WHERE id = ?", apartmentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, core.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("check apartment: %w", err)
	}

	roster, err := r.tenantsOfApartment(ctx, tx, apartmentID)
	if err != nil {
		return nil, nil, err
	}
	expenses, err := r.expensesOfApartment(ctx, tx, apartmentID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return roster, expenses, nil
}
