package rbac

import (
	"context"
	"log/slog"
)

// Service administers roles and assignments, keeping the resolver cache
// coherent with every change.
type Service struct {
	repo     Repository
	resolver *Resolver
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(repo Repository, resolver *Resolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, resolver: resolver, logger: logger}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// CreateRole inserts a role with an explicit grant table.
func (s *Service) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	in, err := in.normalize()
	if err != nil {
		return Role{}, err
	}
	return s.repo.CreateRole(ctx, in)
}

// UpdateRole replaces a role's grants and returns the users holding it.
func (s *Service) UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, []string, error) {
	in, err := in.normalize()
	if err != nil {
		return Role{}, nil, err
	}
	role, err := s.repo.UpdateRole(ctx, id, in)
	if err != nil {
		return Role{}, nil, err
	}
	s.invalidateAll(ctx)
	users, err := s.repo.UsersWithRole(ctx, id)
	if err != nil {
		s.logger.Warn("rbac list role users", slog.Int64("role_id", id), slog.Any("error", err))
	}
	return role, users, nil
}

// DeleteRole removes an unassigned role.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// AssignRole makes roleID the role of userID.
func (s *Service) AssignRole(ctx context.Context, userID string, roleID int64) error {
	if err := s.repo.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	if err := s.resolver.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("rbac invalidate user", slog.String("user_id", userID), slog.Any("error", err))
	}
	return nil
}

func (s *Service) invalidateAll(ctx context.Context) {
	if err := s.resolver.InvalidateAll(ctx); err != nil {
		s.logger.Warn("rbac invalidate all", slog.Any("error", err))
	}
}
