package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// Resolver answers role and grant questions for the guard and the JSON
// endpoints, caching per user.
type Resolver struct {
	repo   Repository
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver constructs a Resolver. cache may be nil.
func NewResolver(repo Repository, cache *Cache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repo: repo, cache: cache, logger: logger}
}

// GetRoleAndPermissions returns the user's role. Users without an
// assignment get the default role with an empty grant table.
func (r *Resolver) GetRoleAndPermissions(ctx context.Context, userID string) (access.Role, error) {
	res, err := r.resolve(ctx, userID)
	if err != nil {
		return access.Role{}, err
	}
	grants := res.Grants.Clone()
	if grants == nil {
		grants = access.Grants{}
	}
	return access.Role{Name: res.RoleName, Grants: grants}, nil
}

// GetPasswordChangeRequired reports the forced-change flag.
func (r *Resolver) GetPasswordChangeRequired(ctx context.Context, userID string) (bool, error) {
	res, err := r.resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return res.PasswordChangeRequired, nil
}

// Invalidate drops the cached view of userID.
func (r *Resolver) Invalidate(ctx context.Context, userID string) error {
	return r.cache.Forget(ctx, userID)
}

// InvalidateAll drops every cached view, used after a role's grants change.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	return r.cache.Bump(ctx)
}

func (r *Resolver) resolve(ctx context.Context, userID string) (resolved, error) {
	if userID == "" {
		return resolved{}, fmt.Errorf("rbac: resolve: %w", shared.ErrNotFound)
	}
	if !r.cache.enabled() {
		v, err, _ := r.group.Do(userID, func() (any, error) {
			return r.load(ctx, userID)
		})
		if err != nil {
			return resolved{}, err
		}
		return v.(resolved), nil
	}

	cached, st, ok, err := r.cache.get(ctx, userID)
	if err != nil {
		r.logger.Warn("rbac cache read", slog.String("user_id", userID), slog.Any("error", err))
		return r.load(ctx, userID)
	}
	if ok {
		return cached, nil
	}

	// Callers sharing a load observed the same stamp, so a load started
	// before an invalidation is never handed to a caller that came after it.
	v, err, _ := r.group.Do(st.key(userID), func() (any, error) {
		return r.load(ctx, userID)
	})
	if err != nil {
		return resolved{}, err
	}
	res := v.(resolved)
	if _, err := r.cache.put(ctx, userID, st, res); err != nil {
		r.logger.Warn("rbac cache write", slog.String("user_id", userID), slog.Any("error", err))
	}
	return res, nil
}

func (r *Resolver) load(ctx context.Context, userID string) (resolved, error) {
	mustChange, err := r.repo.PasswordChangeRequired(ctx, userID)
	if err != nil {
		return resolved{}, fmt.Errorf("rbac: password flag: %w", err)
	}
	res := resolved{RoleName: access.DefaultRoleName, Grants: access.Grants{}, PasswordChangeRequired: mustChange}
	role, err := r.repo.RoleForUser(ctx, userID)
	switch {
	case err == nil:
		res.RoleName = role.Name
		if role.Grants != nil {
			res.Grants = role.Grants
		}
	case errors.Is(err, shared.ErrNotFound):
	default:
		return resolved{}, fmt.Errorf("rbac: role for user: %w", err)
	}
	return res, nil
}
