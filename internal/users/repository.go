package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/bursary/internal/platform/db"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// The earliest assignment decides the role, matching the resolver.
const userSelect = `SELECT u.id::text, u.email, u.name, u.is_active, u.password_change_required,
	r.id, COALESCE(r.name, ''), u.last_sign_in_at, u.created_at, u.updated_at
FROM users u
LEFT JOIN LATERAL (
	SELECT ur.role_id FROM user_roles ur WHERE ur.user_id = u.id ORDER BY ur.assigned_at ASC LIMIT 1
) a ON true
LEFT JOIN roles r ON r.id = a.role_id`

func scanUser(row pgx.Row) (User, error) {
	var (
		u          User
		roleID     pgtype.Int8
		lastSignIn pgtype.Timestamptz
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.PasswordChangeRequired, &roleID, &u.RoleName, &lastSignIn, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		return User{}, err
	}
	if roleID.Valid {
		id := roleID.Int64
		u.RoleID = &id
	}
	if lastSignIn.Valid {
		t := lastSignIn.Time
		u.LastSignInAt = &t
	}
	u.CreatedAt = createdAt.Time
	u.UpdatedAt = updatedAt.Time
	return u, nil
}

// ListUsers returns a page of users ordered by name and the total count.
func (r *Repository) ListUsers(ctx context.Context, limit, offset int) ([]User, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, userSelect+` ORDER BY lower(u.name), u.email LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// GetUser fetches one user with its role.
func (r *Repository) GetUser(ctx context.Context, id string) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, userSelect+` WHERE u.id = $1::uuid`, id))
}

// CreateUser inserts the account and its role assignment in one transaction.
func (r *Repository) CreateUser(ctx context.Context, in newUser) (string, error) {
	var id string
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO users (email, name, password_hash, is_active, password_change_required)
VALUES ($1, $2, $3, true, true) RETURNING id::text`, strings.ToLower(in.Email), in.Name, in.PasswordHash).Scan(&id)
		if err != nil {
			return mapConstraint(err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id, assigned_at) VALUES ($1::uuid, $2, NOW())`, id, in.RoleID); err != nil {
			return mapConstraint(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateProfile changes name and active flag. Nil fields keep their value.
func (r *Repository) UpdateProfile(ctx context.Context, id string, name *string, active *bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET
	name = COALESCE($2, name),
	is_active = COALESCE($3, is_active),
	updated_at = NOW()
WHERE id = $1::uuid`, id, name, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("users: email already registered: %w", shared.ErrDuplicate)
		case "23503":
			return fmt.Errorf("users: role does not exist: %w", shared.ErrNotFound)
		}
	}
	return err
}
