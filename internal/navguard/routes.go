package navguard

import (
	"net/url"
	"strings"

	"github.com/odyssey-erp/bursary/internal/access"
)

// Well-known view paths.
const (
	PathLogin          = "/login"
	PathForgotPassword = "/forgot-password"
	PathResetPassword  = "/reset-password"
	PathChangePassword = "/change-password"
	PathDashboard      = "/dashboard"
	PathUnauthorized   = "/unauthorized"
	PathNotFound       = "/not-found"
)

// Route declares a view and what it takes to render it.
type Route struct {
	Pattern string
	// Required permissions are conjunctive.
	Required []access.Permission
	// DenyRedirect is where a permission denial sends the user.
	// Empty means PathUnauthorized.
	DenyRedirect string
	// Public views render without a session (login, password recovery).
	Public bool
	// PasswordChange marks the view exempt from the forced-change redirect.
	PasswordChange bool
}

// DenialTarget resolves the configured denial redirect.
func (r Route) DenialTarget() string {
	if r.DenyRedirect == "" {
		return PathUnauthorized
	}
	return r.DenyRedirect
}

// Table resolves request paths to declared routes.
type Table struct {
	routes   []Route
	segments [][]string
	fallback Route
}

// NewTable builds a Table. Unmatched paths resolve to fallback.
func NewTable(fallback Route, routes ...Route) *Table {
	t := &Table{fallback: fallback}
	for _, r := range routes {
		t.routes = append(t.routes, r)
		t.segments = append(t.segments, splitPath(r.Pattern))
	}
	return t
}

// Routes returns the declared routes in registration order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Lookup returns the route for path. Static segments outrank {param}
// segments, so /students/new wins over /students/{id}.
func (t *Table) Lookup(path string) (Route, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	parts := splitPath(path)
	best, bestScore := -1, -1
	for i, pattern := range t.segments {
		score, ok := matchSegments(pattern, parts)
		if ok && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return t.fallback, false
	}
	return t.routes[best], true
}

func matchSegments(pattern, parts []string) (int, bool) {
	if len(pattern) != len(parts) {
		return 0, false
	}
	score := 0
	for i, seg := range pattern {
		if isParam(seg) {
			if parts[i] == "" {
				return 0, false
			}
			continue
		}
		if seg != parts[i] {
			return 0, false
		}
		score++
	}
	return score, true
}

func isParam(seg string) bool {
	return len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}'
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Canonical rewrites view aliases. The root path is the dashboard, and
// anything that is not a path on this site falls back to it.
func Canonical(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !isLocalPath(path) || strings.Trim(path, "/") == "" {
		return PathDashboard
	}
	return path
}

// isLocalPath reports whether p names a path on this site. Scheme-relative
// (//host) and backslash forms are rejected since browsers resolve them to
// other hosts.
func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.ContainsAny(p, "\\\r\n\t") {
		return false
	}
	u, err := url.Parse(p)
	return err == nil && u.Scheme == "" && u.Host == ""
}

// DefaultRoutes declares the office application's views.
func DefaultRoutes() *Table {
	authed := func(pattern string, perms ...access.Permission) Route {
		return Route{Pattern: pattern, Required: perms}
	}
	return NewTable(
		Route{Pattern: PathNotFound},
		Route{Pattern: PathLogin, Public: true},
		Route{Pattern: PathForgotPassword, Public: true},
		Route{Pattern: PathResetPassword, Public: true},
		Route{Pattern: PathChangePassword, PasswordChange: true},

		authed(PathDashboard),
		authed("/profile"),
		authed(PathUnauthorized),

		authed("/students", access.PermManageStudents),
		authed("/students/new", access.PermManageStudents),
		authed("/students/{id}", access.PermManageStudents),
		authed("/students/{id}/edit", access.PermManageStudents),

		authed("/payments", access.PermManagePayments),
		authed("/payments/new", access.PermManagePayments),
		authed("/payments/bulk", access.PermManagePayments, access.PermManageStudents),
		authed("/payments/{id}", access.PermManagePayments),
		authed("/payments/{id}/edit", access.PermManagePayments),

		authed("/fees/schedule", access.PermManageFees, access.PermManageStudents),

		authed("/expenses", access.PermManageExpenses),
		authed("/expenses/new", access.PermManageExpenses),
		authed("/expenses/{id}", access.PermManageExpenses),
		authed("/expenses/{id}/edit", access.PermManageExpenses),

		authed("/reports", access.PermViewReports),
		Route{Pattern: "/settings", Required: []access.Permission{access.PermManageSettings}, DenyRedirect: PathDashboard},
		authed("/users", access.PermManageUsers),
		authed("/roles", access.PermManageRoles),
	)
}
