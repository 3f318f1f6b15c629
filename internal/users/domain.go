// Package users administers office accounts: listing, creation with a
// temporary password, profile and role updates, and forced password resets.
package users

import (
	"errors"
	"time"
)

// ErrNothingToUpdate is returned when an update carries no fields.
var ErrNothingToUpdate = errors.New("users: nothing to update")

// User represents a user account for management.
type User struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	Name                   string     `json:"name"`
	IsActive               bool       `json:"is_active"`
	PasswordChangeRequired bool       `json:"password_change_required"`
	RoleID                 *int64     `json:"role_id,omitempty"`
	RoleName               string     `json:"role"`
	LastSignInAt           *time.Time `json:"last_sign_in_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// CreateInput describes a new account.
type CreateInput struct {
	Email  string `json:"email" validate:"required,email,max=254"`
	Name   string `json:"name" validate:"required,max=120"`
	RoleID int64  `json:"role_id" validate:"required,gt=0"`
}

// UpdateInput carries optional changes. Nil fields are left untouched.
type UpdateInput struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	IsActive *bool   `json:"is_active,omitempty"`
	RoleID   *int64  `json:"role_id,omitempty" validate:"omitempty,gt=0"`
}

func (in UpdateInput) empty() bool {
	return in.Name == nil && in.IsActive == nil && in.RoleID == nil
}

// Created is returned once after creation. The temporary password is never
// stored in clear text and cannot be read back later.
type Created struct {
	User              User   `json:"user"`
	TemporaryPassword string `json:"temporary_password"`
}

// newUser is the repository insert payload.
type newUser struct {
	Email        string
	Name         string
	PasswordHash string
	RoleID       int64
}
