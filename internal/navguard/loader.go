package navguard

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/identity"
)

// IdentitySource is the session provider contract consumed by the guard.
type IdentitySource interface {
	CurrentIdentity(ctx context.Context, userID string) (*access.Session, error)
}

// PermissionSource is the permission resolver contract consumed by the guard.
type PermissionSource interface {
	GetRoleAndPermissions(ctx context.Context, userID string) (access.Role, error)
	GetPasswordChangeRequired(ctx context.Context, userID string) (bool, error)
}

// invalidator is implemented by permission sources that cache.
type invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Loader builds snapshots and owns their refresh on auth events.
type Loader struct {
	identities  IdentitySource
	permissions PermissionSource
	logger      *slog.Logger
}

// NewLoader constructs a Loader.
func NewLoader(identities IdentitySource, permissions PermissionSource, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{identities: identities, permissions: permissions, logger: logger}
}

// Load resolves the snapshot for userID. Backend failures never escape:
// an identity failure yields an anonymous snapshot and a role failure
// yields a role without grants.
func (l *Loader) Load(ctx context.Context, userID string) access.Snapshot {
	if userID == "" {
		return access.Anonymous()
	}
	sess, err := l.identities.CurrentIdentity(ctx, userID)
	if err != nil {
		l.logger.Warn("navguard identity lookup", slog.String("user_id", userID), slog.Any("error", err))
		return access.Anonymous()
	}
	if !sess.IsAuthenticated() {
		return access.Anonymous()
	}

	mustChange, err := l.permissions.GetPasswordChangeRequired(ctx, userID)
	if err != nil {
		l.logger.Warn("navguard password flag lookup", slog.String("user_id", userID), slog.Any("error", err))
		return access.Anonymous()
	}
	current := *sess
	current.MustChangePassword = mustChange

	role, err := l.permissions.GetRoleAndPermissions(ctx, userID)
	if err != nil {
		l.logger.Warn("navguard role lookup", slog.String("user_id", userID), slog.Any("error", err))
		role = access.NoRole()
	}
	return access.Authenticated(current, role)
}

// Watch subscribes to auth events and drops cached permissions for the
// affected user. The returned function stops watching.
func (l *Loader) Watch(broker *identity.Broker) func() {
	cache, ok := l.permissions.(invalidator)
	if !ok || broker == nil {
		return func() {}
	}
	return broker.Subscribe(func(evt identity.Event) {
		if evt.UserID == "" {
			return
		}
		if err := cache.Invalidate(context.Background(), evt.UserID); err != nil {
			l.logger.Warn("navguard invalidate permissions", slog.String("user_id", evt.UserID), slog.String("event", string(evt.Kind)), slog.Any("error", err))
		}
	})
}
