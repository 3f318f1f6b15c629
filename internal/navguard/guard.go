// Package navguard decides whether a requested view renders or redirects,
// given the current session, role and the view's declared requirements.
package navguard

import (
	"net/url"

	"github.com/odyssey-erp/bursary/internal/access"
)

// State classifies a guard evaluation.
type State int

const (
	StateLoading State = iota
	StateUnauthenticated
	StatePasswordChangeRequired
	StateAuthorized
	StateDenied
)

var stateNames = map[State]string{
	StateLoading:                "loading",
	StateUnauthenticated:        "unauthenticated",
	StatePasswordChangeRequired: "password_change_required",
	StateAuthorized:             "authorized",
	StateDenied:                 "denied",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Outcome is what the caller should do with a decision.
type Outcome string

const (
	OutcomeLoading  Outcome = "loading"
	OutcomeRender   Outcome = "render"
	OutcomeRedirect Outcome = "redirect"
)

// Decision is the result of Evaluate.
type Decision struct {
	State   State
	Outcome Outcome
	// Path is the view to render when Outcome is render.
	Path string
	// Location is the redirect target when Outcome is redirect.
	Location string
	// Missing lists denied permissions when State is StateDenied.
	Missing []access.Permission
}

// Query parameters attached to redirects.
const (
	RedirectParam  = "redirect"
	FirstLoginFlag = "firstLogin"
)

// ChangePasswordLocation is the forced first-time change target.
var ChangePasswordLocation = PathChangePassword + "?" + FirstLoginFlag + "=true"

// Evaluate is the navigation guard. It is a pure function of its inputs and
// checks, in order: loading, authentication, forced password change and
// permissions. The first failing check decides.
func Evaluate(snap access.Snapshot, route Route, requestedPath string) Decision {
	if snap.Status == access.StatusLoading {
		return Decision{State: StateLoading, Outcome: OutcomeLoading}
	}

	if route.Public {
		return render(requestedPath)
	}

	if !snap.Session.IsAuthenticated() {
		return Decision{
			State:    StateUnauthenticated,
			Outcome:  OutcomeRedirect,
			Location: loginLocation(requestedPath),
		}
	}

	if snap.Session.MustChangePassword && !route.PasswordChange {
		return Decision{
			State:    StatePasswordChangeRequired,
			Outcome:  OutcomeRedirect,
			Location: ChangePasswordLocation,
		}
	}

	if missing := snap.Role.Grants.Missing(route.Required...); len(missing) > 0 {
		return Decision{
			State:    StateDenied,
			Outcome:  OutcomeRedirect,
			Location: route.DenialTarget(),
			Missing:  missing,
		}
	}

	return render(requestedPath)
}

func render(path string) Decision {
	return Decision{State: StateAuthorized, Outcome: OutcomeRender, Path: path}
}

func loginLocation(requested string) string {
	if requested == "" || requested == PathLogin || !isLocalPath(requested) {
		return PathLogin
	}
	return PathLogin + "?" + url.Values{RedirectParam: {requested}}.Encode()
}
