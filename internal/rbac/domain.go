// Package rbac resolves the role and grant table of a user and gates JSON
// endpoints on typed permissions.
package rbac

import (
	"errors"
	"strings"
	"time"

	"github.com/odyssey-erp/bursary/internal/access"
)

var (
	// ErrRoleNameRequired indicates a blank role name.
	ErrRoleNameRequired = errors.New("rbac: role name required")
	// ErrRoleInUse indicates a role that still has users assigned.
	ErrRoleInUse = errors.New("rbac: role still assigned")
)

// Role is a stored grant table.
type Role struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Grants      access.Grants `json:"permissions"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Access converts the stored role into the guard's role value.
func (r Role) Access() access.Role {
	grants := r.Grants.Clone()
	if grants == nil {
		grants = access.Grants{}
	}
	return access.Role{Name: r.Name, Grants: grants}
}

// RoleInput carries create and update parameters.
type RoleInput struct {
	Name        string
	Description string
	Grants      access.Grants
}

func (in RoleInput) normalize() (RoleInput, error) {
	in.Name = strings.ToLower(strings.TrimSpace(in.Name))
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" {
		return in, ErrRoleNameRequired
	}
	if in.Grants == nil {
		in.Grants = access.Grants{}
	}
	return in, nil
}

// resolved is the cached per-user view.
type resolved struct {
	RoleName               string        `json:"role"`
	Grants                 access.Grants `json:"grants"`
	PasswordChangeRequired bool          `json:"password_change_required"`
}
