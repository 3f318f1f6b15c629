// Package identity is the session provider: it authenticates users, keeps
// the session bound to a user id, and manages password changes.
package identity

import (
	"errors"
	"time"

	"github.com/odyssey-erp/bursary/internal/access"
)

// User represents an office user account.
type User struct {
	ID                     string
	Email                  string
	Name                   string
	PasswordHash           string
	IsActive               bool
	PasswordChangeRequired bool
	LastSignInAt           *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Session converts the user into the guard's session model.
func (u *User) Session() *access.Session {
	if u == nil {
		return nil
	}
	return &access.Session{
		UserID:             u.ID,
		Email:              u.Email,
		MustChangePassword: u.PasswordChangeRequired,
	}
}

var (
	// ErrCurrentPasswordMismatch is returned when the supplied current password is wrong.
	ErrCurrentPasswordMismatch = errors.New("identity: current password is incorrect")
	// ErrCurrentPasswordRequired is returned for voluntary changes without the current password.
	ErrCurrentPasswordRequired = errors.New("identity: current password required")
	// ErrWeakPassword is returned for passwords that fail the policy.
	ErrWeakPassword = errors.New("identity: password must be at least 8 characters")
	// ErrResetTokenInvalid is returned for unknown or expired reset tokens.
	ErrResetTokenInvalid = errors.New("identity: reset token invalid or expired")
)

// MinPasswordLength is the password policy floor.
const MinPasswordLength = 8
