package navguard_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/navguard"
)

var (
	studentsRead = access.Perm(access.ModuleStudents, access.ActionRead)
	paymentsRead = access.Perm(access.ModulePayments, access.ActionRead)
)

func signedIn(mustChange bool, grants access.Grants) access.Snapshot {
	return access.Authenticated(access.Session{UserID: "u1", Email: "u1@school.test", MustChangePassword: mustChange}, access.Role{Name: "clerk", Grants: grants})
}

func sampleRoutes() []navguard.Route {
	return []navguard.Route{
		{Pattern: "/dashboard"},
		{Pattern: "/students", Required: []access.Permission{studentsRead}},
		{Pattern: "/payments", Required: []access.Permission{paymentsRead}},
		{Pattern: "/payments/bulk", Required: []access.Permission{paymentsRead, studentsRead}},
		{Pattern: "/settings", Required: []access.Permission{access.PermManageSettings}, DenyRedirect: navguard.PathDashboard},
		{Pattern: navguard.PathChangePassword, PasswordChange: true},
	}
}

func TestScenarioAnonymousRedirectsToLogin(t *testing.T) {
	route := navguard.Route{Pattern: "/students", Required: []access.Permission{studentsRead}}
	d := navguard.Evaluate(access.Anonymous(), route, "/students")

	require.Equal(t, navguard.StateUnauthenticated, d.State)
	require.Equal(t, navguard.OutcomeRedirect, d.Outcome)
	loc, err := url.Parse(d.Location)
	require.NoError(t, err)
	require.Equal(t, navguard.PathLogin, loc.Path)
	require.Equal(t, "/students", loc.Query().Get(navguard.RedirectParam))
}

func TestScenarioForcedPasswordChange(t *testing.T) {
	d := navguard.Evaluate(signedIn(true, nil), navguard.Route{Pattern: "/dashboard"}, "/dashboard")
	require.Equal(t, navguard.StatePasswordChangeRequired, d.State)
	require.Equal(t, "/change-password?firstLogin=true", d.Location)
}

func TestScenarioMissingPermissionDenied(t *testing.T) {
	snap := signedIn(false, access.GrantsOf(studentsRead))
	route := navguard.Route{Pattern: "/payments", Required: []access.Permission{paymentsRead}}

	d := navguard.Evaluate(snap, route, "/payments")
	require.Equal(t, navguard.StateDenied, d.State)
	require.Equal(t, navguard.PathUnauthorized, d.Location)
	require.Equal(t, []access.Permission{paymentsRead}, d.Missing)
}

func TestScenarioGrantedRenders(t *testing.T) {
	snap := signedIn(false, access.GrantsOf(paymentsRead))
	route := navguard.Route{Pattern: "/payments", Required: []access.Permission{paymentsRead}}

	d := navguard.Evaluate(snap, route, "/payments")
	require.Equal(t, navguard.StateAuthorized, d.State)
	require.Equal(t, navguard.OutcomeRender, d.Outcome)
	require.Equal(t, "/payments", d.Path)
}

func TestLoadingDecidesNothing(t *testing.T) {
	for _, route := range sampleRoutes() {
		d := navguard.Evaluate(access.Loading(), route, route.Pattern)
		require.Equal(t, navguard.StateLoading, d.State)
		require.Equal(t, navguard.OutcomeLoading, d.Outcome)
		require.Empty(t, d.Location)
	}
}

func TestUnauthenticatedAlwaysGoesToLogin(t *testing.T) {
	for _, route := range sampleRoutes() {
		d := navguard.Evaluate(access.Anonymous(), route, route.Pattern)
		require.Equal(t, navguard.StateUnauthenticated, d.State, route.Pattern)
		loc, err := url.Parse(d.Location)
		require.NoError(t, err)
		require.Equal(t, navguard.PathLogin, loc.Path)
	}
}

func TestForcedChangeOnEveryRouteButChangePassword(t *testing.T) {
	snap := signedIn(true, access.FullGrants())
	for _, route := range sampleRoutes() {
		d := navguard.Evaluate(snap, route, route.Pattern)
		if route.PasswordChange {
			require.Equal(t, navguard.OutcomeRender, d.Outcome)
			continue
		}
		require.Equal(t, navguard.StatePasswordChangeRequired, d.State, route.Pattern)
		require.Equal(t, navguard.ChangePasswordLocation, d.Location)
	}
}

func TestAnyMissingPermissionDenies(t *testing.T) {
	route := navguard.Route{Pattern: "/payments/bulk", Required: []access.Permission{paymentsRead, studentsRead}}
	for _, grants := range []access.Grants{
		nil,
		{},
		access.GrantsOf(paymentsRead),
		access.GrantsOf(studentsRead),
		{access.ModulePayments: {access.ActionRead: true}, access.ModuleStudents: {access.ActionRead: false}},
	} {
		d := navguard.Evaluate(signedIn(false, grants), route, route.Pattern)
		require.Equal(t, navguard.StateDenied, d.State)
		require.NotEqual(t, navguard.OutcomeRender, d.Outcome)
	}

	d := navguard.Evaluate(signedIn(false, access.GrantsOf(paymentsRead, studentsRead)), route, route.Pattern)
	require.Equal(t, navguard.StateAuthorized, d.State)
}

func TestEmptyRequirementRendersForAnySignedInUser(t *testing.T) {
	route := navguard.Route{Pattern: "/dashboard"}
	for _, grants := range []access.Grants{nil, {}, access.FullGrants()} {
		d := navguard.Evaluate(signedIn(false, grants), route, "/dashboard")
		require.Equal(t, navguard.OutcomeRender, d.Outcome)
	}
}

func TestPerRouteDenialTarget(t *testing.T) {
	route := navguard.Route{Pattern: "/settings", Required: []access.Permission{access.PermManageSettings}, DenyRedirect: navguard.PathDashboard}
	d := navguard.Evaluate(signedIn(false, nil), route, "/settings")
	require.Equal(t, navguard.PathDashboard, d.Location)
}

func TestPublicRouteRendersWithoutSession(t *testing.T) {
	d := navguard.Evaluate(access.Anonymous(), navguard.Route{Pattern: navguard.PathLogin, Public: true}, navguard.PathLogin)
	require.Equal(t, navguard.OutcomeRender, d.Outcome)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	snaps := []access.Snapshot{access.Loading(), access.Anonymous(), signedIn(true, nil), signedIn(false, access.GrantsOf(studentsRead))}
	for _, snap := range snaps {
		for _, route := range sampleRoutes() {
			first := navguard.Evaluate(snap, route, route.Pattern)
			second := navguard.Evaluate(snap, route, route.Pattern)
			require.Equal(t, first, second)
		}
	}
}

func TestLoginRedirectOmitsLoginItself(t *testing.T) {
	d := navguard.Evaluate(access.Anonymous(), navguard.Route{Pattern: "/dashboard"}, "")
	require.Equal(t, navguard.PathLogin, d.Location)
}

func TestLoginRedirectOnlyCarriesLocalPaths(t *testing.T) {
	route := navguard.Route{Pattern: "/dashboard"}
	for _, requested := range []string{"//evil.example/phish", "https://evil.example/x"} {
		d := navguard.Evaluate(access.Anonymous(), route, requested)
		require.Equal(t, navguard.PathLogin, d.Location, requested)
	}
	d := navguard.Evaluate(access.Anonymous(), route, "/students?page=2")
	require.Equal(t, "/login?redirect=%2Fstudents%3Fpage%3D2", d.Location)
}

func TestAdminRoleIsJustAGrantTable(t *testing.T) {
	admin := access.Authenticated(access.Session{UserID: "u1"}, access.Role{Name: "admin", Grants: access.Grants{}})
	route := navguard.Route{Pattern: "/users", Required: []access.Permission{access.PermManageUsers}}
	d := navguard.Evaluate(admin, route, "/users")
	require.Equal(t, navguard.StateDenied, d.State)

	admin.Role.Grants = access.FullGrants()
	d = navguard.Evaluate(admin, route, "/users")
	require.Equal(t, navguard.StateAuthorized, d.State)
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "password_change_required", navguard.StatePasswordChangeRequired.String())
	require.Equal(t, "unknown", navguard.State(99).String())
}
