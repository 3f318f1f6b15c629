package navguard_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/navguard"
	"github.com/odyssey-erp/bursary/internal/shared"
	_ "github.com/odyssey-erp/bursary/testing"
)

type fixedLoader struct {
	snap access.Snapshot
}

func (f fixedLoader) Load(ctx context.Context, userID string) access.Snapshot {
	if userID == "" {
		return access.Anonymous()
	}
	return f.snap
}

type countingRecorder struct {
	states []string
}

func (c *countingRecorder) ObserveGuardDecision(state string) {
	c.states = append(c.states, state)
}

func withSession(t *testing.T, req *http.Request, userID string) *http.Request {
	t.Helper()
	sm := shared.NewSessionManager(nil, "test_session", time.Hour, false)
	sess, err := sm.Load(req.Context(), req)
	require.NoError(t, err)
	if userID != "" {
		sess.SetUser(userID)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func newGuard(snap access.Snapshot, rec navguard.DecisionRecorder) *navguard.Guard {
	return navguard.NewGuard(navguard.DefaultRoutes(), fixedLoader{snap: snap}, nil, rec)
}

func TestNavigationEndpoint(t *testing.T) {
	rec := &countingRecorder{}
	guard := newGuard(signedIn(false, access.GrantsOf(access.PermManagePayments)), rec)
	r := chi.NewRouter()
	guard.MountRoutes(r)

	req := withSession(t, httptest.NewRequest(http.MethodGet, "/navigation?path=/settings", nil), "u1")
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "denied", body["state"])
	require.Equal(t, "redirect", body["outcome"])
	require.Equal(t, navguard.PathDashboard, body["location"])
	require.Equal(t, []any{"settings.manage"}, body["missing"])
	require.Equal(t, []string{"denied"}, rec.states)
}

func TestNavigationEndpointRootIsDashboard(t *testing.T) {
	guard := newGuard(signedIn(false, nil), nil)
	r := chi.NewRouter()
	guard.MountRoutes(r)

	req := withSession(t, httptest.NewRequest(http.MethodGet, "/navigation?path=/", nil), "u1")
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "render", body["outcome"])
	require.Equal(t, navguard.PathDashboard, body["path"])
}

func TestProtectBrowserRedirects(t *testing.T) {
	guard := newGuard(signedIn(false, nil), nil)
	h := guard.Require(access.PermManageStudents)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := withSession(t, httptest.NewRequest(http.MethodGet, "/students", nil), "")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	require.Equal(t, http.StatusSeeOther, res.Code)
	require.Equal(t, "/login?redirect=%2Fstudents", res.Header().Get("Location"))

	req = withSession(t, httptest.NewRequest(http.MethodGet, "/students", nil), "u1")
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	require.Equal(t, http.StatusSeeOther, res.Code)
	require.Equal(t, navguard.PathUnauthorized, res.Header().Get("Location"))
}

func TestProtectAPIProblems(t *testing.T) {
	cases := []struct {
		name   string
		snap   access.Snapshot
		userID string
		status int
		typ    string
	}{
		{"anonymous", access.Anonymous(), "", http.StatusUnauthorized, "unauthenticated"},
		{"forced change", signedIn(true, access.FullGrants()), "u1", http.StatusForbidden, "password_change_required"},
		{"missing grant", signedIn(false, nil), "u1", http.StatusForbidden, "permission_denied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			guard := newGuard(tc.snap, nil)
			h := guard.Require(access.PermManagePayments)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run")
			}))
			req := withSession(t, httptest.NewRequest(http.MethodPost, "/api/payments/bulk", nil), tc.userID)
			res := httptest.NewRecorder()
			h.ServeHTTP(res, req)

			require.Equal(t, tc.status, res.Code)
			require.Equal(t, "application/problem+json", res.Header().Get("Content-Type"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
			require.Equal(t, tc.typ, body["type"])
		})
	}
}

func TestProtectPassesSnapshotDownstream(t *testing.T) {
	guard := newGuard(signedIn(false, access.GrantsOf(access.PermManagePayments)), nil)
	var seen access.Snapshot
	h := guard.Require(access.PermManagePayments)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, ok := navguard.SnapshotFromContext(r.Context())
		require.True(t, ok)
		seen = snap
		w.WriteHeader(http.StatusNoContent)
	}))

	req := withSession(t, httptest.NewRequest(http.MethodGet, "/api/payments", nil), "u1")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "u1", seen.Session.UserID)
}

func TestSessionHandler(t *testing.T) {
	guard := newGuard(signedIn(true, access.GrantsOf(access.PermManageFees)), nil)
	csrf := shared.NewCSRFManager("secret")
	h := guard.AuthenticatedAllowingPasswordChange()(guard.SessionHandler(csrf))

	req := withSession(t, httptest.NewRequest(http.MethodGet, "/auth/me", nil), "u1")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "u1", body["user_id"])
	require.Equal(t, true, body["must_change_password"])
	require.Equal(t, []any{"fees.manage"}, body["permissions"])
	require.NotEmpty(t, body["csrf_token"])
}

func TestNavigationDropsForeignRedirectTargets(t *testing.T) {
	guard := newGuard(access.Anonymous(), nil)
	r := chi.NewRouter()
	guard.MountRoutes(r)

	for _, target := range []string{"//evil.example/phish", "https://evil.example/x", "/\\evil.example"} {
		req := withSession(t, httptest.NewRequest(http.MethodGet, "/navigation?path="+url.QueryEscape(target), nil), "")
		res := httptest.NewRecorder()
		r.ServeHTTP(res, req)

		require.Equal(t, http.StatusOK, res.Code)
		var body map[string]any
		require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
		require.Equal(t, "/login?redirect=%2Fdashboard", body["location"], target)
		require.NotContains(t, body["location"], "evil")
	}
}

// gatedLoader holds its first Load until released.
type gatedLoader struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLoader) Load(ctx context.Context, userID string) access.Snapshot {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return access.Anonymous()
}

func TestNavigationWithoutSessionIsNotSuperseded(t *testing.T) {
	loader := &gatedLoader{entered: make(chan struct{}), release: make(chan struct{})}
	guard := navguard.NewGuard(navguard.DefaultRoutes(), loader, nil, nil)
	r := chi.NewRouter()
	guard.MountRoutes(r)

	navigate := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/navigation?path=/students", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		res := httptest.NewRecorder()
		r.ServeHTTP(res, req)
		return res
	}

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- navigate() }()
	<-loader.entered

	require.Equal(t, http.StatusOK, navigate().Code)
	close(loader.release)
	require.Equal(t, http.StatusOK, (<-first).Code)
}
