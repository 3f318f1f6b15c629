package navguard

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/platform/httpx"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// SnapshotLoader resolves a snapshot for a user id.
type SnapshotLoader interface {
	Load(ctx context.Context, userID string) access.Snapshot
}

// DecisionRecorder observes guard decisions.
type DecisionRecorder interface {
	ObserveGuardDecision(state string)
}

// Guard adapts Evaluate to HTTP.
type Guard struct {
	table    *Table
	loader   SnapshotLoader
	tracker  *Tracker
	logger   *slog.Logger
	recorder DecisionRecorder
}

// NewGuard constructs a Guard. recorder may be nil.
func NewGuard(table *Table, loader SnapshotLoader, logger *slog.Logger, recorder DecisionRecorder) *Guard {
	if table == nil {
		table = DefaultRoutes()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{table: table, loader: loader, tracker: NewTracker(), logger: logger, recorder: recorder}
}

// Table exposes the route declarations.
func (g *Guard) Table() *Table {
	return g.table
}

// MountRoutes registers the navigation endpoint.
func (g *Guard) MountRoutes(r chi.Router) {
	r.Get("/navigation", g.navigate)
}

type sessionResponse struct {
	UserID             string   `json:"user_id"`
	Email              string   `json:"email"`
	MustChangePassword bool     `json:"must_change_password"`
	Role               string   `json:"role"`
	Permissions        []string `json:"permissions"`
	CSRFToken          string   `json:"csrf_token,omitempty"`
}

// SessionHandler reports the resolved snapshot of the caller. Mount it
// behind AuthenticatedAllowingPasswordChange. csrf may be nil.
func (g *Guard) SessionHandler(csrf *shared.CSRFManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := SnapshotFromContext(r.Context())
		if !ok {
			_, userID := sessionKeys(r)
			snap = g.loader.Load(r.Context(), userID)
		}
		if !snap.Session.IsAuthenticated() {
			httpx.ProblemType(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized", "authentication required")
			return
		}
		resp := sessionResponse{
			UserID:             snap.Session.UserID,
			Email:              snap.Session.Email,
			MustChangePassword: snap.Session.MustChangePassword,
			Role:               snap.Role.Name,
			Permissions:        []string{},
		}
		for _, p := range snap.Role.Grants.Granted() {
			resp.Permissions = append(resp.Permissions, p.String())
		}
		if csrf != nil {
			if sess := shared.SessionFromContext(r.Context()); sess != nil {
				resp.CSRFToken, _ = csrf.EnsureToken(r.Context(), sess)
			}
		}
		httpx.JSON(w, http.StatusOK, resp)
	}
}

type decisionResponse struct {
	State    string   `json:"state"`
	Outcome  Outcome  `json:"outcome"`
	Path     string   `json:"path,omitempty"`
	Location string   `json:"location,omitempty"`
	Missing  []string `json:"missing,omitempty"`
}

func toResponse(d Decision) decisionResponse {
	resp := decisionResponse{State: d.State.String(), Outcome: d.Outcome, Path: d.Path, Location: d.Location}
	for _, p := range d.Missing {
		resp.Missing = append(resp.Missing, p.String())
	}
	return resp
}

func (g *Guard) navigate(w http.ResponseWriter, r *http.Request) {
	requested := Canonical(r.URL.Query().Get("path"))
	route, _ := g.table.Lookup(requested)

	key, userID := sessionKeys(r)
	ctx := r.Context()
	current := func() bool { return true }
	// Without a session there is no client identity to supersede on.
	if key != "" {
		navCtx, gen, done := g.tracker.Begin(ctx, key)
		defer done()
		ctx = navCtx
		current = func() bool { return g.tracker.Current(key, gen) }
	}

	snap := g.snapshot(ctx, r, userID)
	if ctx.Err() != nil || !current() {
		httpx.ProblemType(w, http.StatusConflict, "superseded", "Superseded", "a newer navigation replaced this one")
		return
	}

	decision := g.decide(snap, route, requested)
	httpx.JSON(w, http.StatusOK, toResponse(decision))
}

// Protect gates a server endpoint with the given route requirements.
// Browser requests are redirected; /api requests receive problem details.
func (g *Guard) Protect(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, userID := sessionKeys(r)
			snap := g.snapshot(r.Context(), r, userID)
			decision := g.decide(snap, route, r.URL.RequestURI())
			if decision.Outcome == OutcomeRender {
				next.ServeHTTP(w, r.WithContext(ContextWithSnapshot(r.Context(), snap)))
				return
			}
			if isAPIRequest(r) {
				writeAPIDenial(w, decision)
				return
			}
			if decision.Outcome == OutcomeLoading {
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			http.Redirect(w, r, decision.Location, http.StatusSeeOther)
		})
	}
}

// Require is Protect for an ad-hoc route carrying only permissions.
func (g *Guard) Require(perms ...access.Permission) func(http.Handler) http.Handler {
	return g.Protect(Route{Required: perms})
}

// Authenticated is Protect without permission requirements.
func (g *Guard) Authenticated() func(http.Handler) http.Handler {
	return g.Protect(Route{})
}

// AuthenticatedAllowingPasswordChange admits sessions with a pending forced change.
func (g *Guard) AuthenticatedAllowingPasswordChange() func(http.Handler) http.Handler {
	return g.Protect(Route{PasswordChange: true})
}

func (g *Guard) decide(snap access.Snapshot, route Route, requested string) Decision {
	decision := Evaluate(snap, route, requested)
	if g.recorder != nil {
		g.recorder.ObserveGuardDecision(decision.State.String())
	}
	if decision.State == StateDenied {
		g.logger.Debug("navguard denied", slog.String("path", requested), slog.Any("missing", decision.Missing))
	}
	return decision
}

func (g *Guard) snapshot(ctx context.Context, r *http.Request, userID string) access.Snapshot {
	if snap, ok := SnapshotFromContext(r.Context()); ok {
		return snap
	}
	return g.loader.Load(ctx, userID)
}

func writeAPIDenial(w http.ResponseWriter, d Decision) {
	switch d.State {
	case StateUnauthenticated:
		httpx.ProblemType(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized", "authentication required")
	case StatePasswordChangeRequired:
		httpx.ProblemType(w, http.StatusForbidden, "password_change_required", "Forbidden", "password change required")
	case StateLoading:
		w.Header().Set("Retry-After", "1")
		httpx.ProblemType(w, http.StatusServiceUnavailable, "loading", "Unavailable", "identity not resolved yet")
	default:
		missing := make([]string, 0, len(d.Missing))
		for _, p := range d.Missing {
			missing = append(missing, p.String())
		}
		httpx.ProblemType(w, http.StatusForbidden, "permission_denied", "Forbidden", "missing permissions: "+strings.Join(missing, ", "))
	}
}

func sessionKeys(r *http.Request) (key, userID string) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return "", ""
	}
	return sess.ID, strings.TrimSpace(sess.User())
}

func isAPIRequest(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/") || strings.Contains(r.Header.Get("Accept"), "application/json")
}

type snapshotContextKey struct{}

// ContextWithSnapshot stores a resolved snapshot for downstream handlers.
func ContextWithSnapshot(ctx context.Context, snap access.Snapshot) context.Context {
	return context.WithValue(ctx, snapshotContextKey{}, snap)
}

// SnapshotFromContext returns the snapshot stored by Protect.
func SnapshotFromContext(ctx context.Context) (access.Snapshot, bool) {
	snap, ok := ctx.Value(snapshotContextKey{}).(access.Snapshot)
	return snap, ok
}
