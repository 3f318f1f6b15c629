package users

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/bursary/internal/identity"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, limit, offset int) ([]User, int, error)
	GetUser(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, in newUser) (string, error)
	UpdateProfile(ctx context.Context, id string, name *string, active *bool) error
}

// RoleAssigner replaces a user's role and drops cached permissions.
type RoleAssigner interface {
	AssignRole(ctx context.Context, userID string, roleID int64) error
}

// PasswordForcer flags a user for a forced password change.
type PasswordForcer interface {
	ForcePasswordChange(ctx context.Context, userID string) error
}

// AuditRecorder stores audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Deps carries the collaborators of Service.
type Deps struct {
	Roles     RoleAssigner
	Passwords PasswordForcer
	Broker    *identity.Broker
	Audit     AuditRecorder
	Logger    *slog.Logger
}

// Service handles user business logic.
type Service struct {
	repo     RepositoryPort
	deps     Deps
	validate *validator.Validate
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{repo: repo, deps: deps, validate: validator.New()}
}

// ListUsers returns a page of users with their role names.
func (s *Service) ListUsers(ctx context.Context, page, perPage int) ([]User, shared.Pagination, error) {
	pg := shared.NewPagination(page, perPage, 0)
	users, total, err := s.repo.ListUsers(ctx, pg.PerPage, pg.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return users, shared.NewPagination(pg.Page, pg.PerPage, total), nil
}

// CreateUser registers an account with a temporary password. The user must
// change it at first sign-in.
func (s *Service) CreateUser(ctx context.Context, actorID string, in CreateInput) (Created, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = displayName(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return Created{}, &ValidationError{Err: err}
	}
	temp := temporaryPassword()
	hash, err := identity.HashPassword(temp)
	if err != nil {
		return Created{}, err
	}
	id, err := s.repo.CreateUser(ctx, newUser{Email: in.Email, Name: in.Name, PasswordHash: hash, RoleID: in.RoleID})
	if err != nil {
		return Created{}, err
	}
	s.audit(ctx, actorID, "user.create", id, map[string]any{"email": in.Email, "role_id": in.RoleID})

	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return Created{}, err
	}
	return Created{User: user, TemporaryPassword: temp}, nil
}

// UpdateUser applies profile and role changes.
func (s *Service) UpdateUser(ctx context.Context, actorID, id string, in UpdateInput) (User, error) {
	if in.empty() {
		return User{}, ErrNothingToUpdate
	}
	if in.Name != nil {
		name := displayName(*in.Name)
		in.Name = &name
	}
	if err := s.validate.Struct(in); err != nil {
		return User{}, &ValidationError{Err: err}
	}
	if in.Name != nil || in.IsActive != nil {
		if err := s.repo.UpdateProfile(ctx, id, in.Name, in.IsActive); err != nil {
			return User{}, err
		}
	}
	if in.RoleID != nil {
		if err := s.deps.Roles.AssignRole(ctx, id, *in.RoleID); err != nil {
			return User{}, err
		}
		s.deps.Broker.Publish(identity.Event{Kind: identity.EventRoleChanged, UserID: id})
	}
	if in.IsActive != nil && !*in.IsActive {
		s.deps.Broker.Publish(identity.Event{Kind: identity.EventSignedOut, UserID: id})
	}
	s.audit(ctx, actorID, "user.update", id, map[string]any{"role_id": in.RoleID, "is_active": in.IsActive})
	return s.repo.GetUser(ctx, id)
}

// ForcePasswordReset makes the user's next navigation land on the
// password-change view.
func (s *Service) ForcePasswordReset(ctx context.Context, actorID, id string) error {
	if _, err := s.repo.GetUser(ctx, id); err != nil {
		return err
	}
	if err := s.deps.Passwords.ForcePasswordChange(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, actorID, "user.force_password_reset", id, nil)
	return nil
}

func (s *Service) audit(ctx context.Context, actorID, action, id string, meta map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "user", EntityID: id, Meta: meta}); err != nil {
		s.deps.Logger.Warn("users audit", slog.String("action", action), slog.Any("error", err))
	}
}

func displayName(name string) string {
	return cases.Title(language.Und).String(strings.TrimSpace(name))
}

// temporaryPassword derives a 12 character password from a random UUID.
func temporaryPassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ValidationError wraps input validation failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("users: invalid input: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
