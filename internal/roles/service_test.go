package roles

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/identity"
	"github.com/odyssey-erp/bursary/internal/rbac"
	"github.com/odyssey-erp/bursary/internal/shared"
	_ "github.com/odyssey-erp/bursary/testing"
)

type fakeAdmin struct {
	roles   map[int64]rbac.Role
	holders map[int64][]string
	nextID  int64
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{roles: map[int64]rbac.Role{}, holders: map[int64][]string{}}
}

func (f *fakeAdmin) ListRoles(context.Context) ([]rbac.Role, error) {
	var out []rbac.Role
	for _, r := range f.roles {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeAdmin) CreateRole(_ context.Context, in rbac.RoleInput) (rbac.Role, error) {
	if in.Name == "" {
		return rbac.Role{}, rbac.ErrRoleNameRequired
	}
	for _, r := range f.roles {
		if r.Name == in.Name {
			return rbac.Role{}, shared.ErrDuplicate
		}
	}
	f.nextID++
	role := rbac.Role{ID: f.nextID, Name: in.Name, Description: in.Description, Grants: in.Grants}
	f.roles[role.ID] = role
	return role, nil
}

func (f *fakeAdmin) UpdateRole(_ context.Context, id int64, in rbac.RoleInput) (rbac.Role, []string, error) {
	role, ok := f.roles[id]
	if !ok {
		return rbac.Role{}, nil, shared.ErrNotFound
	}
	role.Grants = in.Grants
	role.Description = in.Description
	f.roles[id] = role
	return role, f.holders[id], nil
}

func (f *fakeAdmin) DeleteRole(_ context.Context, id int64) error {
	if _, ok := f.roles[id]; !ok {
		return shared.ErrNotFound
	}
	if len(f.holders[id]) > 0 {
		return rbac.ErrRoleInUse
	}
	delete(f.roles, id)
	return nil
}

type gate struct{ grants access.Grants }

func (g gate) RequireAll(perms ...access.Permission) func(http.Handler) http.Handler {
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

type setup struct {
	admin  *fakeAdmin
	events []identity.Event
	router http.Handler
}

func newSetup(t *testing.T, grants access.Grants) *setup {
	t.Helper()
	s := &setup{admin: newFakeAdmin()}
	broker := identity.NewBroker()
	t.Cleanup(broker.Subscribe(func(evt identity.Event) { s.events = append(s.events, evt) }))
	service := NewService(s.admin, broker, nil, nil)
	r := chi.NewRouter()
	r.Route("/api/roles", NewHandler(nil, service, gate{grants: grants}).MountRoutes)
	s.router = r
	return s
}

func (s *setup) do(method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
	return rr
}

func TestCreateRoleWithExplicitGrants(t *testing.T) {
	s := newSetup(t, access.GrantsOf(access.PermManageRoles))

	rr := s.do(http.MethodPost, "/api/roles/", `{"name":"Cashier","permissions":{"payments":{"manage":true},"students":{"manage":true}}}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "/api/roles/1", rr.Header().Get("Location"))

	role := s.admin.roles[1]
	require.True(t, role.Grants.AllowsAll(access.PermManagePayments, access.PermManageStudents))
	require.False(t, role.Grants.Allows(access.PermManageFees))
}

func TestCreateRoleRejectsUnknownPermission(t *testing.T) {
	s := newSetup(t, access.GrantsOf(access.PermManageRoles))
	rr := s.do(http.MethodPost, "/api/roles/", `{"name":"x","permissions":{"payroll":{"manage":true}}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, s.admin.roles)
}

func TestUpdateGrantsNotifiesHolders(t *testing.T) {
	s := newSetup(t, access.GrantsOf(access.PermManageRoles))
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/roles/", `{"name":"clerk","permissions":{"fees":{"manage":true}}}`).Code)
	s.admin.holders[1] = []string{"u1", "u2"}

	rr := s.do(http.MethodPut, "/api/roles/1", `{"name":"clerk","permissions":{}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, s.admin.roles[1].Grants.Allows(access.PermManageFees))
	require.Equal(t, []identity.Event{
		{Kind: identity.EventRoleChanged, UserID: "u1"},
		{Kind: identity.EventRoleChanged, UserID: "u2"},
	}, s.events)
}

func TestDeleteRole(t *testing.T) {
	s := newSetup(t, access.GrantsOf(access.PermManageRoles))
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/roles/", `{"name":"clerk"}`).Code)

	s.admin.holders[1] = []string{"u1"}
	require.Equal(t, http.StatusConflict, s.do(http.MethodDelete, "/api/roles/1", "").Code)

	s.admin.holders[1] = nil
	require.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/roles/1", "").Code)
	require.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/roles/1", "").Code)
	require.Equal(t, http.StatusBadRequest, s.do(http.MethodDelete, "/api/roles/abc", "").Code)
}

func TestRoleRoutesRequireRolesManage(t *testing.T) {
	s := newSetup(t, access.GrantsOf(access.PermManageUsers))
	require.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/roles/", "").Code)
}

func TestCatalogListsEveryModule(t *testing.T) {
	s := newSetup(t, access.GrantsOf(access.PermManageRoles))
	rr := s.do(http.MethodGet, "/api/roles/permissions", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Modules []CatalogEntry `json:"modules"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Modules, len(access.Modules()))
}
