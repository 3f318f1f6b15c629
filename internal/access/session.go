// Package access holds the typed authorization model shared by the session
// provider, the permission resolver and the navigation guard.
package access

// DefaultRoleName is reported for users without a role assignment.
const DefaultRoleName = "user"

// Session describes who is currently using the application.
type Session struct {
	UserID             string `json:"user_id"`
	Email              string `json:"email"`
	MustChangePassword bool   `json:"must_change_password"`
}

// IsAuthenticated is derived from the presence of a user id.
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.UserID != ""
}

// Role is a named bundle of grants. A user has exactly one.
type Role struct {
	Name   string `json:"name"`
	Grants Grants `json:"permissions"`
}

// NoRole is the fail-closed role used when no assignment exists or the
// resolver cannot be consulted.
func NoRole() Role {
	return Role{Name: DefaultRoleName, Grants: Grants{}}
}

// Status tells whether identity resolution has finished.
type Status int

const (
	// StatusLoading means identity has not been resolved yet.
	StatusLoading Status = iota
	// StatusResolved means Session (possibly nil) and Role are final.
	StatusResolved
)

// Snapshot is the immutable view of {Session, Role} handed to the guard.
type Snapshot struct {
	Status  Status
	Session *Session
	Role    Role
}

// Loading returns a snapshot still waiting for identity.
func Loading() Snapshot {
	return Snapshot{Status: StatusLoading, Role: NoRole()}
}

// Anonymous returns a resolved snapshot without identity.
func Anonymous() Snapshot {
	return Snapshot{Status: StatusResolved, Role: NoRole()}
}

// Authenticated returns a resolved snapshot for the given session and role.
func Authenticated(sess Session, role Role) Snapshot {
	if role.Grants == nil {
		role.Grants = Grants{}
	}
	return Snapshot{Status: StatusResolved, Session: &sess, Role: role}
}
