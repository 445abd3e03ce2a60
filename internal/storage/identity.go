package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"coinquilini/internal/core"
)

// CreateApartment inserts a new apartment. The name is globally unique;
// a collision yields core.ErrDuplicateKey.
func (r *SQLiteRepository) CreateApartment(ctx context.Context, name string) (core.Apartment, error) {
	apt := core.Apartment{Name: name}
	if err := apt.Validate(); err != nil {
		return core.Apartment{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Apartment{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM apartments WHERE name = ?", name).Scan(&existing)
	if err == nil {
		return core.Apartment{}, core.ErrDuplicateKey
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return core.Apartment{}, fmt.Errorf("check apartment name: %w", err)
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO apartments (name) VALUES (?)", name)
	if err != nil {
		return core.Apartment{}, fmt.Errorf("insert apartment: %w", err)
	}
	apt.ID, err = res.LastInsertId()
	if err != nil {
		return core.Apartment{}, fmt.Errorf("apartment insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Apartment{}, fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Apartment created", "id", apt.ID, "name", apt.Name)
	return apt, nil
}

// GetApartment retrieves an apartment by ID.
func (r *SQLiteRepository) GetApartment(ctx context.Context, id int64) (core.Apartment, error) {
	var apt core.Apartment
	err := r.db.QueryRowContext(ctx, "SELECT id, name FROM apartments WHERE id = ?", id).
		Scan(&apt.ID, &apt.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Apartment{}, core.ErrNotFound
	}
	if err != nil {
		return core.Apartment{}, fmt.Errorf("get apartment: %w", err)
	}
	return apt, nil
}

// GetApartmentByName retrieves an apartment by its unique name.
func (r *SQLiteRepository) GetApartmentByName(ctx context.Context, name string) (core.Apartment, error) {
	var apt core.Apartment
	err := r.db.QueryRowContext(ctx, "SELECT id, name FROM apartments WHERE name = ?", name).
		Scan(&apt.ID, &apt.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Apartment{}, core.ErrNotFound
	}
	if err != nil {
		return core.Apartment{}, fmt.Errorf("get apartment by name: %w", err)
	}
	return apt, nil
}

// ListApartments returns all apartments ordered by ID.
func (r *SQLiteRepository) ListApartments(ctx context.Context) ([]core.Apartment, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, name FROM apartments ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list apartments: %w", err)
	}
	defer rows.Close()

	var apartments []core.Apartment
	for rows.Next() {
		var apt core.Apartment
		if err := rows.Scan(&apt.ID, &apt.Name); err != nil {
			return nil, fmt.Errorf("scan apartment: %w", err)
		}
		apartments = append(apartments, apt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate apartments: %w", err)
	}
	return apartments, nil
}

// GetRoleByName looks up a role row by its unique name. A missing role
// yields core.ErrRoleNotFound.
func (r *SQLiteRepository) GetRoleByName(ctx context.Context, name string) (core.Role, error) {
	var role core.Role
	err := r.db.QueryRowContext(ctx, "SELECT id, name FROM roles WHERE name = ?", name).
		Scan(&role.ID, &role.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Role{}, core.ErrRoleNotFound
	}
	if err != nil {
		return core.Role{}, fmt.Errorf("get role by name: %w", err)
	}
	return role, nil
}

// CreateUser inserts a new identity record and populates user.ID.
// Construction does not happen here: the caller builds the value first
// and registers it with this persistence boundary explicitly. A
// (username, apartment) collision yields core.ErrDuplicateKey.
func (r *SQLiteRepository) CreateUser(ctx context.Context, user *core.User) error {
	if err := user.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	if user.ApartmentID == 0 {
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM users WHERE apartment_id IS NULL AND username = ?",
			user.Username).Scan(&existing)
	} else {
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM users WHERE apartment_id = ? AND username = ?",
			user.ApartmentID, user.Username).Scan(&existing)
	}
	if err == nil {
		return core.ErrDuplicateKey
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check username: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO users (apartment_id, username, credential, role_id, kind, real_name)
		VALUES (?, ?, ?, ?, ?, ?)`,
		apartmentRef(user.ApartmentID), user.Username, user.Credential,
		user.RoleID, string(user.Kind), user.RealName,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	user.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("user insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "User created",
		"id", user.ID,
		"username", user.Username,
		"apartment_id", user.ApartmentID,
		"kind", user.Kind)
	return nil
}

const userColumns = "id, apartment_id, username, credential, role_id, kind, real_name"

func scanUser(row interface{ Scan(...any) error }) (core.User, error) {
	var (
		u    core.User
		apt  sql.NullInt64
		kind string
	)
	err := row.Scan(&u.ID, &apt, &u.Username, &u.Credential, &u.RoleID, &kind, &u.RealName)
	if err != nil {
		return core.User{}, err
	}
	u.ApartmentID = apt.Int64
	u.Kind = core.UserKind(kind)
	return u, nil
}

// GetUser retrieves a user by ID.
func (r *SQLiteRepository) GetUser(ctx context.Context, id int64) (core.User, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by its (apartment, username) pair.
// apartmentID zero selects the apartment-less namespace where only the
// root account lives.
func (r *SQLiteRepository) GetUserByUsername(ctx context.Context, apartmentID int64, username string) (core.User, error) {
	var row *sql.Row
	if apartmentID == 0 {
		row = r.db.QueryRowContext(ctx,
			"SELECT "+userColumns+" FROM users WHERE apartment_id IS NULL AND username = ?",
			username)
	} else {
		row = r.db.QueryRowContext(ctx,
			"SELECT "+userColumns+" FROM users WHERE apartment_id = ? AND username = ?",
			apartmentID, username)
	}
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user by username: %w", err)
	}
	return user, nil
}

// TenantsOfApartment returns the current tenant roster of an apartment
// in ascending ID order.
func (r *SQLiteRepository) TenantsOfApartment(ctx context.Context, apartmentID int64) ([]core.User, error) {
	return r.tenantsOfApartment(ctx, r.db, apartmentID)
}

// querier is satisfied by both *sql.DB and *sql.Tx so roster reads can
// run inside a snapshot transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *SQLiteRepository) tenantsOfApartment(ctx context.Context, q querier, apartmentID int64) ([]core.User, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE apartment_id = ? AND kind = ? ORDER BY id",
		apartmentID, string(core.KindTenant))
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []core.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return tenants, nil
}
