package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"coinquilini/internal/core"
)

// Deletion cascades. Two relations, two rules: the payer relation is
// ownership (deleting the payer deletes its expenses, so no financial
// record survives without a responsible party), while the involvement
// relation is a reference (deleting an involved tenant only detaches
// it). The one exception: when the detach would empty an expense's
// involved set, the expense is removed too, so no record ever exists
// that the balance computation must reject. Every cascade runs in a
// single transaction: either the parent and all dependents go, or none
// of them do.

// DeleteExpense removes an expense and its involvement rows.
func (r *SQLiteRepository) DeleteExpense(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM involved_tenants WHERE expense_id = ?", id); err != nil {
		return fmt.Errorf("delete involvement rows: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM expenses WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("expense delete result: %w", err)
	}
	if affected == 0 {
		return core.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Expense deleted", "id", id)
	return nil
}

// sharedExpenseIDs lists the expenses a tenant is involved in.
func sharedExpenseIDs(ctx context.Context, tx *sql.Tx, tenantID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT expense_id FROM involved_tenants WHERE tenant_id = ?", tenantID)
	if err != nil {
		return nil, fmt.Errorf("list shared expenses: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan shared expense id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared expenses: %w", err)
	}
	return ids, nil
}

// DeleteUser removes a user or tenant. For a tenant the payer-owned
// expenses are deleted and purely-involved expenses are detached,
// except when the detach would leave the involved set empty.
func (r *SQLiteRepository) DeleteUser(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.deleteUserInTx(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "User deleted", "id", id)
	return nil
}

func (r *SQLiteRepository) deleteUserInTx(ctx context.Context, tx *sql.Tx, id int64) error {
	row := tx.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	if user.IsTenant() {
		// owning edge: payer-owned expenses go, with their involvement rows
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM involved_tenants
			WHERE expense_id IN (SELECT id FROM expenses WHERE payer_id = ?)`, id); err != nil {
			return fmt.Errorf("delete owned involvement rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM expenses WHERE payer_id = ?", id); err != nil {
			return fmt.Errorf("delete owned expenses: %w", err)
		}
		// reference edge: detach from surviving expenses. An expense
		// whose involved set becomes empty here cannot participate in
		// the balance computation anymore, so it goes with the tenant.
		shared, err := sharedExpenseIDs(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM involved_tenants WHERE tenant_id = ?", id); err != nil {
			return fmt.Errorf("detach involvement rows: %w", err)
		}
		for _, expenseID := range shared {
			var remaining int
			err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM involved_tenants WHERE expense_id = ?", expenseID).Scan(&remaining)
			if err != nil {
				return fmt.Errorf("count remaining involvement rows: %w", err)
			}
			if remaining == 0 {
				if _, err := tx.ExecContext(ctx,
					"DELETE FROM expenses WHERE id = ?", expenseID); err != nil {
					return fmt.Errorf("delete emptied expense: %w", err)
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete user row: %w", err)
	}
	return nil
}

// DeleteApartment removes an apartment and, transitively, all of its
// users, tenants and their payer-owned expenses.
func (r *SQLiteRepository) DeleteApartment(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM apartments WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check apartment: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT id FROM users WHERE apartment_id = ? ORDER BY id", id)
	if err != nil {
		return fmt.Errorf("list apartment users: %w", err)
	}
	var userIDs []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return fmt.Errorf("scan user id: %w", err)
		}
		userIDs = append(userIDs, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate apartment users: %w", err)
	}

	for _, uid := range userIDs {
		if err := r.deleteUserInTx(ctx, tx, uid); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM apartments WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete apartment row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Apartment deleted", "id", id, "users", len(userIDs))
	return nil
}
