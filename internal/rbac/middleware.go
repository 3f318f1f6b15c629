package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/platform/httpx"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...access.Permission) func(http.Handler) http.Handler {
	return m.require(perms, func(g access.Grants) bool {
		for _, p := range perms {
			if g.Allows(p) {
				return true
			}
		}
		return false
	})
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...access.Permission) func(http.Handler) http.Handler {
	return m.require(perms, func(g access.Grants) bool {
		return g.AllowsAll(perms...)
	})
}

func (m Middleware) require(perms []access.Permission, allowed func(access.Grants) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID := currentUserID(r)
			if userID == "" {
				httpx.ProblemType(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized", "authentication required")
				return
			}
			role, err := m.Resolver.GetRoleAndPermissions(r.Context(), userID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac resolve", slog.String("user_id", userID), slog.Any("error", err))
				}
				httpx.ProblemType(w, http.StatusForbidden, "permission_denied", "Forbidden", "permissions unavailable")
				return
			}
			if !allowed(role.Grants) {
				httpx.ProblemType(w, http.StatusForbidden, "permission_denied", "Forbidden", "missing permissions: "+joinPermissions(perms))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func currentUserID(r *http.Request) string {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return ""
	}
	return strings.TrimSpace(sess.User())
}

func joinPermissions(perms []access.Permission) string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.String())
	}
	return strings.Join(names, ", ")
}
