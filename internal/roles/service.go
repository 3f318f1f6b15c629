package roles

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/bursary/internal/identity"
	"github.com/odyssey-erp/bursary/internal/rbac"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// Admin is the role store. *rbac.Service satisfies it.
type Admin interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	CreateRole(ctx context.Context, in rbac.RoleInput) (rbac.Role, error)
	UpdateRole(ctx context.Context, id int64, in rbac.RoleInput) (rbac.Role, []string, error)
	DeleteRole(ctx context.Context, id int64) error
}

// AuditRecorder stores audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service handles role business logic.
type Service struct {
	admin  Admin
	broker *identity.Broker
	audit  AuditRecorder
	logger *slog.Logger
}

// NewService builds Service instance. broker and audit may be nil.
func NewService(admin Admin, broker *identity.Broker, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{admin: admin, broker: broker, audit: audit, logger: logger}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.admin.ListRoles(ctx)
}

// CreateRole stores a role with an explicit grant table.
func (s *Service) CreateRole(ctx context.Context, actorID string, in Input) (Role, error) {
	roleIn, err := in.toRoleInput()
	if err != nil {
		return Role{}, err
	}
	role, err := s.admin.CreateRole(ctx, roleIn)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, actorID, "role.create", role.ID, map[string]any{"name": role.Name})
	return role, nil
}

// UpdateGrants replaces a role's grants. Every holder of the role receives
// a RoleChanged event so open sessions re-resolve.
func (s *Service) UpdateGrants(ctx context.Context, actorID string, id int64, in Input) (Role, error) {
	roleIn, err := in.toRoleInput()
	if err != nil {
		return Role{}, err
	}
	role, holders, err := s.admin.UpdateRole(ctx, id, roleIn)
	if err != nil {
		return Role{}, err
	}
	for _, userID := range holders {
		s.broker.Publish(identity.Event{Kind: identity.EventRoleChanged, UserID: userID})
	}
	s.record(ctx, actorID, "role.update", role.ID, map[string]any{"holders": len(holders)})
	return role, nil
}

// DeleteRole removes a role without holders.
func (s *Service) DeleteRole(ctx context.Context, actorID string, id int64) error {
	if err := s.admin.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actorID, "role.delete", id, nil)
	return nil
}

func (s *Service) record(ctx context.Context, actorID, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "role", EntityID: strconv.FormatInt(id, 10), Meta: meta}); err != nil {
		s.logger.Warn("roles audit", slog.String("action", action), slog.Any("error", err))
	}
}
