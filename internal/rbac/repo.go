package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// Repository defines persistence for roles and assignments.
type Repository interface {
	// RoleForUser returns the earliest assigned role or shared.ErrNotFound.
	RoleForUser(ctx context.Context, userID string) (Role, error)
	PasswordChangeRequired(ctx context.Context, userID string) (bool, error)
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, in RoleInput) (Role, error)
	UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	AssignRole(ctx context.Context, userID string, roleID int64) error
	UsersWithRole(ctx context.Context, roleID int64) ([]string, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const roleColumns = `r.id, r.name, r.description, r.permissions, r.created_at, r.updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var (
		role      Role
		raw       []byte
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &raw, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	grants, err := access.DecodeGrants(raw)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: role %s: %w", role.Name, err)
	}
	role.Grants = grants
	role.CreatedAt = createdAt.Time
	role.UpdatedAt = updatedAt.Time
	return role, nil
}

// RoleForUser loads the first role assigned to userID.
func (r *PGRepository) RoleForUser(ctx context.Context, userID string) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+`
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id = $1::uuid
ORDER BY ur.assigned_at, r.id
LIMIT 1`, userID))
}

// PasswordChangeRequired reads the forced-change flag.
func (r *PGRepository) PasswordChangeRequired(ctx context.Context, userID string) (bool, error) {
	var required bool
	err := r.pool.QueryRow(ctx, `SELECT password_change_required FROM users WHERE id = $1::uuid`, userID).Scan(&required)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, shared.ErrNotFound
	}
	return required, err
}

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles r ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by ID.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1`, id))
}

// CreateRole inserts a new role.
func (r *PGRepository) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	raw, err := access.EncodeGrants(in.Grants)
	if err != nil {
		return Role{}, err
	}
	role, err := scanRole(r.pool.QueryRow(ctx, `INSERT INTO roles AS r (name, description, permissions) VALUES ($1, $2, $3)
RETURNING `+roleColumns, in.Name, in.Description, raw))
	return role, mapUnique(err)
}

// UpdateRole replaces name, description and grants.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error) {
	raw, err := access.EncodeGrants(in.Grants)
	if err != nil {
		return Role{}, err
	}
	role, err := scanRole(r.pool.QueryRow(ctx, `UPDATE roles AS r SET name = $2, description = $3, permissions = $4, updated_at = NOW()
WHERE r.id = $1
RETURNING `+roleColumns, id, in.Name, in.Description, raw))
	return role, mapUnique(err)
}

// DeleteRole removes a role that has no assignments.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) error {
	var assigned bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_roles WHERE role_id = $1)`, id).Scan(&assigned); err != nil {
		return err
	}
	if assigned {
		return ErrRoleInUse
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// AssignRole makes roleID the only role of userID.
func (r *PGRepository) AssignRole(ctx context.Context, userID string, roleID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1::uuid`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id, assigned_at) VALUES ($1::uuid, $2, NOW())`, userID, roleID); err != nil {
		return mapForeignKey(err)
	}
	return tx.Commit(ctx)
}

// UsersWithRole lists user ids assigned to roleID.
func (r *PGRepository) UsersWithRole(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id::text FROM user_roles WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("rbac: role name taken: %w", shared.ErrDuplicate)
	}
	return err
}

func mapForeignKey(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("rbac: unknown role or user: %w", shared.ErrNotFound)
	}
	return err
}
