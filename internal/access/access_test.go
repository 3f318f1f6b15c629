package access

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission(" Students.Manage ")
	require.NoError(t, err)
	require.Equal(t, Perm(ModuleStudents, ActionManage), p)
	require.Equal(t, "students.manage", p.String())

	for _, raw := range []string{"", "students", "students.fly", "library.read", "students.read.extra"} {
		_, err := ParsePermission(raw)
		require.Truef(t, errors.Is(err, ErrInvalidPermission), "expected invalid for %q", raw)
	}
}

func TestGrantsFailClosed(t *testing.T) {
	var nilGrants Grants
	require.False(t, nilGrants.Allows(PermManagePayments))

	g := GrantsOf(Perm(ModuleStudents, ActionRead))
	g.Set(PermManagePayments, false)
	require.True(t, g.Allows(Perm(ModuleStudents, ActionRead)))
	require.False(t, g.Allows(PermManagePayments))
	require.False(t, g.Allows(PermManageRoles))
}

func TestGrantsConjunctive(t *testing.T) {
	g := GrantsOf(PermManageStudents, PermManagePayments)
	require.True(t, g.AllowsAll(PermManageStudents, PermManagePayments))
	require.False(t, g.AllowsAll(PermManageStudents, PermManageFees))
	require.Equal(t, []Permission{PermManageFees}, g.Missing(PermManageStudents, PermManageFees))
	require.True(t, g.AllowsAll())
}

func TestFullGrantsCoversEveryPair(t *testing.T) {
	g := FullGrants()
	for _, m := range Modules() {
		for _, a := range Actions() {
			require.True(t, g.Allows(Perm(m, a)))
		}
	}
	require.Len(t, g.Granted(), len(Modules())*len(Actions()))
}

func TestDecodeGrants(t *testing.T) {
	g, err := DecodeGrants([]byte(`{"students":{"read":true,"manage":false},"payments":{"manage":true}}`))
	require.NoError(t, err)
	require.True(t, g.Allows(Perm(ModuleStudents, ActionRead)))
	require.False(t, g.Allows(PermManageStudents))
	require.True(t, g.Allows(PermManagePayments))

	raw, err := EncodeGrants(g)
	require.NoError(t, err)
	again, err := DecodeGrants(raw)
	require.NoError(t, err)
	require.Equal(t, g.Granted(), again.Granted())

	_, err = DecodeGrants([]byte(`{"library":{"read":true}}`))
	require.ErrorIs(t, err, ErrInvalidPermission)

	empty, err := DecodeGrants(nil)
	require.NoError(t, err)
	require.Empty(t, empty.Granted())
}

func TestSnapshotConstructors(t *testing.T) {
	require.Equal(t, StatusLoading, Loading().Status)
	anon := Anonymous()
	require.Equal(t, StatusResolved, anon.Status)
	require.False(t, anon.Session.IsAuthenticated())

	snap := Authenticated(Session{UserID: "u1"}, Role{Name: "clerk"})
	require.True(t, snap.Session.IsAuthenticated())
	require.NotNil(t, snap.Role.Grants)
}
