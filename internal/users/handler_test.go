package users

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/shared"
)

type grantGate struct {
	grants access.Grants
}

func (g grantGate) RequireAll(perms ...access.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.grants.AllowsAll(perms...) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newRouter(t *testing.T, grants access.Grants) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess := &shared.Session{ID: "sess"}
			sess.SetUser("admin-1")
			next.ServeHTTP(w, req.WithContext(shared.ContextWithSession(req.Context(), sess)))
		})
	})
	r.Route("/api/users", NewHandler(nil, f.service, grantGate{grants: grants}).MountRoutes)
	return f, r
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, &buf))
	return rr
}

func TestHandlerRequiresUsersManage(t *testing.T) {
	_, h := newRouter(t, access.GrantsOf(access.PermManageRoles))
	require.Equal(t, http.StatusForbidden, do(h, http.MethodGet, "/api/users/", nil).Code)
}

func TestHandlerCreateUpdateFlow(t *testing.T) {
	f, h := newRouter(t, access.GrantsOf(access.PermManageUsers))

	rr := do(h, http.MethodPost, "/api/users/", CreateInput{Email: "clerk@school.test", Name: "Clerk", RoleID: 2})
	require.Equal(t, http.StatusCreated, rr.Code)
	var created Created
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.NotEmpty(t, created.TemporaryPassword)
	require.Equal(t, "/api/users/"+created.User.ID, rr.Header().Get("Location"))
	require.Equal(t, "admin-1", f.audit.logs[0].ActorID)

	rr = do(h, http.MethodPatch, "/api/users/"+created.User.ID, map[string]any{"name": "head clerk"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"name":"Head Clerk"`)

	rr = do(h, http.MethodPost, "/api/users/"+created.User.ID+"/force-password-reset", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(h, http.MethodGet, "/api/users/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"pagination"`)
}

func TestHandlerErrors(t *testing.T) {
	_, h := newRouter(t, access.GrantsOf(access.PermManageUsers))

	require.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/users/", map[string]any{"unknown": 1}).Code)
	require.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/users/", CreateInput{Email: "bad", Name: "A", RoleID: 1}).Code)
	require.Equal(t, http.StatusBadRequest, do(h, http.MethodPatch, "/api/users/user-1", map[string]any{}).Code)

	name := "Someone"
	require.Equal(t, http.StatusNotFound, do(h, http.MethodPatch, "/api/users/missing", UpdateInput{Name: &name}).Code)
	require.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/api/users/missing/force-password-reset", nil).Code)

	require.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/api/users/", CreateInput{Email: "a@b.test", Name: "A", RoleID: 1}).Code)
	require.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/api/users/", CreateInput{Email: "a@b.test", Name: "A", RoleID: 1}).Code)
}
